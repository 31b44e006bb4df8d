// Package handler serves the agent's debug HTTP surface.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"linkless/agent/internal/diagnostics"
	encdomain "linkless/agent/internal/encounter/domain"
	proxdomain "linkless/agent/internal/proximity/domain"
)

const (
	defaultDiagnosticsLimit = 100
	defaultRecordingsLimit  = 20
	maxRecordingsLimit      = 200
)

// Proximity is the subset of the proximity orchestrator the surface reads and drives.
type Proximity interface {
	Peers() []proxdomain.PeerObservation
	Powered() bool
	ResetPeer(peerID string) bool
}

// Sessions is the subset of the encounter orchestrator the surface reads.
type Sessions interface {
	State() encdomain.SessionState
	ActiveSession() *encdomain.RecordingSession
}

// Recordings lists persisted sessions.
type Recordings interface {
	ListRecent(ctx context.Context, limit int) ([]*encdomain.RecordingSession, error)
}

// AppState is the foreground flag.
type AppState interface {
	SetForeground(foreground bool)
	Backgrounded() bool
}

// Handler holds the orchestrator instances the routes operate on.
type Handler struct {
	Proximity   Proximity
	Sessions    Sessions
	Recordings  Recordings
	App         AppState
	Diagnostics *diagnostics.Log
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.GET("/peers", h.GetPeers)
	v1.POST("/peers/reset", h.ResetPeer)
	v1.GET("/session", h.GetSession)
	v1.GET("/diagnostics", h.GetDiagnostics)
	v1.GET("/recordings", h.GetRecordings)
	v1.POST("/app/foreground", h.SetForeground)
	v1.POST("/app/background", h.SetBackground)
}

type peerView struct {
	DeviceID         string    `json:"device_id"`
	ResolvedIdentity string    `json:"resolved_identity,omitempty"`
	RawSignal        float64   `json:"raw_signal"`
	FilteredSignal   float64   `json:"filtered_signal"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	State            string    `json:"state"`
}

type sessionView struct {
	ID                string                `json:"id"`
	PeerIdentity      string                `json:"peer_identity"`
	TransportDeviceID string                `json:"transport_device_id,omitempty"`
	StartedAt         time.Time             `json:"started_at"`
	EndedAt           *time.Time            `json:"ended_at,omitempty"`
	DurationSeconds   int                   `json:"duration_seconds"`
	ArtifactLocation  string                `json:"artifact_location,omitempty"`
	Coordinate        *encdomain.Coordinate `json:"coordinate,omitempty"`
	Status            string                `json:"status"`
}

func toSessionView(s *encdomain.RecordingSession) sessionView {
	return sessionView{
		ID:                s.ID,
		PeerIdentity:      s.PeerIdentity,
		TransportDeviceID: s.TransportDeviceID,
		StartedAt:         s.StartedAt,
		EndedAt:           s.EndedAt,
		DurationSeconds:   s.DurationSeconds,
		ArtifactLocation:  s.ArtifactLocation,
		Coordinate:        s.Coordinate,
		Status:            string(s.Status),
	}
}

func (h *Handler) GetPeers(c *gin.Context) {
	peers := h.Proximity.Peers()
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView{
			DeviceID:         p.DeviceID,
			ResolvedIdentity: p.ResolvedIdentity,
			RawSignal:        p.RawSignal,
			FilteredSignal:   p.FilteredSignal,
			LastSeenAt:       p.LastSeenAt,
			State:            p.State.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"powered": h.Proximity.Powered(),
		"peers":   out,
	})
}

func (h *Handler) ResetPeer(c *gin.Context) {
	var input struct {
		PeerID string `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.Proximity.ResetPeer(input.PeerID) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proximity loop is not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset", "peer_id": input.PeerID})
}

func (h *Handler) GetSession(c *gin.Context) {
	resp := gin.H{"state": h.Sessions.State()}
	if s := h.Sessions.ActiveSession(); s != nil {
		resp["active"] = toSessionView(s)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetDiagnostics(c *gin.Context) {
	limit, ok := queryLimit(c, defaultDiagnosticsLimit)
	if !ok {
		return
	}
	entries := h.Diagnostics.Recent(limit)
	if entries == nil {
		entries = []diagnostics.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) GetRecordings(c *gin.Context) {
	limit, ok := queryLimit(c, defaultRecordingsLimit)
	if !ok {
		return
	}
	if limit > maxRecordingsLimit {
		limit = maxRecordingsLimit
	}
	sessions, err := h.Recordings.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionView(s))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) SetForeground(c *gin.Context) { h.setForeground(c, true) }

func (h *Handler) SetBackground(c *gin.Context) { h.setForeground(c, false) }

func (h *Handler) setForeground(c *gin.Context, foreground bool) {
	h.App.SetForeground(foreground)
	c.JSON(http.StatusOK, gin.H{"foreground": !h.App.Backgrounded()})
}

// queryLimit reads ?limit=; on a bad value it writes 400 and returns false.
func queryLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}
