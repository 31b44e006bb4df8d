package blocklist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSet(t *testing.T) {
	s := NewSet("a", " ", "b")
	if !s.Blocked("a") || !s.Blocked("b") || s.Blocked("c") || s.Blocked("") {
		t.Errorf("membership wrong: %v", s.List())
	}
	s.Replace([]string{"c"})
	if s.Blocked("a") || !s.Blocked("c") {
		t.Errorf("after Replace: %v", s.List())
	}
	var nilSet *Set
	if nilSet.Blocked("a") {
		t.Error("nil set blocked an id")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.yaml")
	if err := os.WriteFile(path, []byte("blocked:\n  - user-1\n  - AA:BB:CC:DD:EE:FF\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	ids, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(ids) != 2 || ids[1] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("ids = %v", ids)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestRemote_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/connections/blocked" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id":"r1","blocked_id":"user-7","blocked_at":"2026-01-02T03:04:05Z"}]`))
	}))
	defer srv.Close()

	ids, err := (&Remote{BaseURL: srv.URL, Token: "tok"}).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(ids) != 1 || ids[0] != "user-7" {
		t.Errorf("ids = %v", ids)
	}

	if _, err := (&Remote{BaseURL: srv.URL}).Fetch(context.Background()); err == nil {
		t.Error("unauthorized fetch should fail")
	}
}

func TestRefresh_MergesStatic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"r1","blocked_id":"user-7","blocked_at":"2026-01-02T03:04:05Z"}]`))
	}))
	defer srv.Close()

	set := NewSet()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Refresh(ctx, set, []string{"user-1"}, &Remote{BaseURL: srv.URL}, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !set.Blocked("user-7") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if !set.Blocked("user-1") || !set.Blocked("user-7") {
		t.Errorf("set = %v", set.List())
	}
}
