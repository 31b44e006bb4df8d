package profile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitials(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"ada lovelace", "AL"},
		{"  grace  ", "G"},
		{"jean luc picard", "JL"},
		{"", ""},
		{"émile zola", "ÉZ"},
	}
	for _, tt := range tests {
		if got := Initials(tt.name); got != tt.want {
			t.Errorf("Initials(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestHTTPClient_Fetch(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"user-1","display_name":"Ada Lovelace","initials":null,"photo_url":null,"is_anonymous":false,"social_links":[{"id":"s1","platform":"github","handle":"ada"}]}`))
	}))
	defer srv.Close()

	p, err := NewHTTPClient(srv.URL+"/", "tok", nil).Fetch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/v1/profile/user-1" {
		t.Errorf("path = %q", gotPath)
	}
	if p.Initials == nil || *p.Initials != "AL" {
		t.Errorf("initials = %v, want AL", p.Initials)
	}
	if p.Label() != "Ada Lovelace" || len(p.SocialLinks) != 1 {
		t.Errorf("profile = %+v", p)
	}
}

func TestHTTPClient_FetchErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusInternalServerError, nil},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewHTTPClient(srv.URL, "", nil).Fetch(context.Background(), "user-1")
		srv.Close()
		if err == nil {
			t.Errorf("status %d: no error", tt.status)
			continue
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestProfile_LabelAnonymous(t *testing.T) {
	in := "AL"
	p := &Profile{ID: "user-1", Initials: &in, IsAnonymous: true}
	if p.Label() != "AL" {
		t.Errorf("Label = %q", p.Label())
	}
	if (&Profile{}).Label() != "Anonymous" {
		t.Error("empty profile should be Anonymous")
	}
}
