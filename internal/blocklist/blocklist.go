// Package blocklist decides which peers the agent ignores. Blocked ids come
// from a local YAML file and from the backend's blocked-users endpoint.
package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Filter reports whether an id (device id or resolved identity) is blocked.
type Filter interface {
	Blocked(id string) bool
}

// Set is a concurrency-safe Filter.
type Set struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewSet returns a Set containing ids.
func NewSet(ids ...string) *Set {
	s := &Set{ids: make(map[string]struct{})}
	s.Add(ids...)
	return s
}

// Blocked reports whether id is in the set. A nil Set blocks nothing.
func (s *Set) Blocked(id string) bool {
	if s == nil || id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Add inserts ids, ignoring blanks.
func (s *Set) Add(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.ids[id] = struct{}{}
		}
	}
}

// Replace swaps the whole set for ids.
func (s *Set) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			next[id] = struct{}{}
		}
	}
	s.mu.Lock()
	s.ids = next
	s.mu.Unlock()
}

// List returns the blocked ids sorted.
func (s *Set) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type fileFormat struct {
	Blocked []string `yaml:"blocked"`
}

// LoadFile reads a YAML file of the form `blocked: [id, ...]`.
func LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blocklist: read %s: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("blocklist: parse %s: %w", path, err)
	}
	return f.Blocked, nil
}

// blockedUser mirrors one item of GET /api/v1/connections/blocked.
type blockedUser struct {
	ID        string    `json:"id"`
	BlockedID string    `json:"blocked_id"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Remote fetches the signed-in user's blocked users from the backend.
type Remote struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// Fetch returns the blocked user ids.
func (r *Remote) Fetch(ctx context.Context) ([]string, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(r.BaseURL, "/")+"/api/v1/connections/blocked", nil)
	if err != nil {
		return nil, fmt.Errorf("blocklist: request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blocklist: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("blocklist: fetch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var items []blockedUser
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("blocklist: decode: %w", err)
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.BlockedID)
	}
	return ids, nil
}

// Refresh keeps set equal to static plus the remote list, refetching every
// interval until ctx is done. A failed fetch keeps the previous contents.
func Refresh(ctx context.Context, set *Set, static []string, remote *Remote, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	load := func() {
		ids, err := remote.Fetch(ctx)
		if err != nil {
			log.Printf("blocklist: refresh: %v", err)
			return
		}
		set.Replace(append(append([]string(nil), static...), ids...))
	}
	load()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load()
		}
	}
}
