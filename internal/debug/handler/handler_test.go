package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"linkless/agent/internal/diagnostics"
	encdomain "linkless/agent/internal/encounter/domain"
	"linkless/agent/internal/platform/capability"
	proxdomain "linkless/agent/internal/proximity/domain"
)

type mockProximity struct {
	mu      sync.Mutex
	peers   []proxdomain.PeerObservation
	running bool
	resets  []string
}

func (m *mockProximity) Peers() []proxdomain.PeerObservation { return m.peers }
func (m *mockProximity) Powered() bool                       { return true }

func (m *mockProximity) ResetPeer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, id)
	return m.running
}

type mockSessions struct {
	state  encdomain.SessionState
	active *encdomain.RecordingSession
}

func (m *mockSessions) State() encdomain.SessionState              { return m.state }
func (m *mockSessions) ActiveSession() *encdomain.RecordingSession { return m.active }

type mockRecordings struct {
	sessions []*encdomain.RecordingSession
	err      error
	limit    int
}

func (m *mockRecordings) ListRecent(_ context.Context, limit int) ([]*encdomain.RecordingSession, error) {
	m.limit = limit
	return m.sessions, m.err
}

type fixture struct {
	router *gin.Engine
	prox   *mockProximity
	sess   *mockSessions
	recs   *mockRecordings
	app    *capability.AppState
	diag   *diagnostics.Log
}

func setupTestRouter() *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		prox: &mockProximity{running: true},
		sess: &mockSessions{state: encdomain.SessionState{Status: encdomain.StatusIdle}},
		recs: &mockRecordings{},
		app:  capability.NewAppState(true),
		diag: diagnostics.New(10, nil),
	}
	h := &Handler{Proximity: f.prox, Sessions: f.sess, Recordings: f.recs, App: f.app, Diagnostics: f.diag}
	f.router = gin.New()
	h.Register(f.router)
	return f
}

func (f *fixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestGetPeers(t *testing.T) {
	f := setupTestRouter()
	f.prox.peers = []proxdomain.PeerObservation{{
		DeviceID:         "dev-1",
		ResolvedIdentity: "user-1",
		FilteredSignal:   -42.5,
		State:            proxdomain.StateDetected,
	}}

	w := f.do("GET", "/v1/peers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Powered bool       `json:"powered"`
		Peers   []peerView `json:"peers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Powered || len(resp.Peers) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if p := resp.Peers[0]; p.State != "detected" || p.ResolvedIdentity != "user-1" || p.FilteredSignal != -42.5 {
		t.Errorf("peer = %+v", p)
	}
}

func TestResetPeer(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		running bool
		want    int
	}{
		{"ok", `{"peer_id":"dev-1"}`, true, http.StatusOK},
		{"missing peer", `{}`, true, http.StatusBadRequest},
		{"bad json", `{`, true, http.StatusBadRequest},
		{"loop stopped", `{"peer_id":"dev-1"}`, false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestRouter()
			f.prox.running = tt.running
			w := f.do("POST", "/v1/peers/reset", []byte(tt.body))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestGetSession(t *testing.T) {
	f := setupTestRouter()
	f.sess.state = encdomain.SessionState{Status: encdomain.StatusRecording, PeerID: "user-1", SessionID: "s-1"}
	f.sess.active = &encdomain.RecordingSession{ID: "s-1", PeerIdentity: "user-1", StartedAt: time.Now(), Status: encdomain.StatusRecording}

	w := f.do("GET", "/v1/session", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		State  encdomain.SessionState `json:"state"`
		Active *sessionView           `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.State.Status != encdomain.StatusRecording || resp.Active == nil || resp.Active.ID != "s-1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGetDiagnostics(t *testing.T) {
	f := setupTestRouter()
	f.diag.Info(diagnostics.CategoryScan, "", "one")
	f.diag.Info(diagnostics.CategoryScan, "", "two")
	f.diag.Warn(diagnostics.CategoryExchange, "dev-1", "three")

	w := f.do("GET", "/v1/diagnostics?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var entries []diagnostics.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 2 || entries[0].Message != "two" || entries[1].Message != "three" {
		t.Errorf("entries = %+v", entries)
	}

	if w := f.do("GET", "/v1/diagnostics?limit=zero", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestGetRecordings(t *testing.T) {
	f := setupTestRouter()
	end := time.Now()
	f.recs.sessions = []*encdomain.RecordingSession{{
		ID: "s-1", PeerIdentity: "user-1", StartedAt: end.Add(-time.Minute), EndedAt: &end,
		DurationSeconds: 60, ArtifactLocation: "recordings/s-1.wav", Status: encdomain.StatusIdle,
	}}

	w := f.do("GET", "/v1/recordings?limit=1000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if f.recs.limit != maxRecordingsLimit {
		t.Errorf("limit = %d, want clamp to %d", f.recs.limit, maxRecordingsLimit)
	}
	var out []sessionView
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 || out[0].DurationSeconds != 60 || out[0].ArtifactLocation != "recordings/s-1.wav" {
		t.Errorf("out = %+v", out)
	}

	f.recs.err = errors.New("db down")
	if w := f.do("GET", "/v1/recordings", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("error status = %d", w.Code)
	}
}

func TestForegroundToggle(t *testing.T) {
	f := setupTestRouter()

	w := f.do("POST", "/v1/app/background", nil)
	if w.Code != http.StatusOK || !f.app.Backgrounded() {
		t.Fatalf("background: status %d, backgrounded %v", w.Code, f.app.Backgrounded())
	}
	w = f.do("POST", "/v1/app/foreground", nil)
	if w.Code != http.StatusOK || f.app.Backgrounded() {
		t.Fatalf("foreground: status %d, backgrounded %v", w.Code, f.app.Backgrounded())
	}
}
