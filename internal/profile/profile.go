// Package profile looks up a peer's public profile from the backend API once
// the peer's identity is resolved.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the backend has no profile for the identity.
	ErrNotFound = errors.New("profile: not found")
	// ErrUnauthorized is returned when the backend rejects the agent token.
	ErrUnauthorized = errors.New("profile: unauthorized")
)

// SocialLink is one platform handle shared on a profile.
type SocialLink struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
}

// Profile is the public profile of a peer. DisplayName is nil for anonymous users.
type Profile struct {
	ID          string       `json:"id"`
	DisplayName *string      `json:"display_name"`
	Initials    *string      `json:"initials"`
	PhotoURL    *string      `json:"photo_url"`
	IsAnonymous bool         `json:"is_anonymous"`
	SocialLinks []SocialLink `json:"social_links"`
}

// Label returns the best available human-readable name.
func (p *Profile) Label() string {
	switch {
	case p == nil:
		return ""
	case p.DisplayName != nil && *p.DisplayName != "":
		return *p.DisplayName
	case p.Initials != nil && *p.Initials != "":
		return *p.Initials
	default:
		return "Anonymous"
	}
}

// Initials returns the upper-cased first letters of the first two words of name.
func Initials(name string) string {
	parts := strings.Fields(name)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	var b strings.Builder
	for _, p := range parts {
		r := []rune(p)
		b.WriteString(strings.ToUpper(string(r[0])))
	}
	return b.String()
}

// Fetcher resolves an identity to a profile.
type Fetcher interface {
	Fetch(ctx context.Context, identity string) (*Profile, error)
}

// HTTPClient fetches profiles from GET {base}/api/v1/profile/{id}.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient returns a client for baseURL authenticating with token. A nil
// client uses one with a 10s timeout.
func NewHTTPClient(baseURL, token string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// Fetch returns the profile for identity. Missing initials are derived from
// the display name.
func (c *HTTPClient) Fetch(ctx context.Context, identity string) (*Profile, error) {
	if identity == "" {
		return nil, errors.New("profile: empty identity")
	}
	endpoint := c.baseURL + "/api/v1/profile/" + url.PathEscape(identity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("profile: request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile: fetch %s: %w", identity, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("profile: fetch %s: status %d: %s", identity, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}
	if p.ID == "" {
		p.ID = identity
	}
	if p.Initials == nil && p.DisplayName != nil {
		if in := Initials(*p.DisplayName); in != "" {
			p.Initials = &in
		}
	}
	return &p, nil
}
