package gigflowsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHireConflictIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/v0/bids/b1/hire" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "conflict", "message": "gig g1 has already been assigned"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.Hire(context.Background(), "b1")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "conflict" || apiErr.Message == "" {
		t.Fatalf("expected parsed envelope, got %+v", apiErr)
	}
}

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/auth/login":
			json.NewEncoder(w).Encode(Session{User: User{ID: "u1"}, Token: "issued"})
		case "/v0/gigs":
			if r.Header.Get("Authorization") != "Bearer issued" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.URL.Query().Get("search") != "logo" {
				t.Errorf("expected search query, got %q", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode(map[string]any{"count": 1, "items": []Gig{{ID: "g1", Title: "Logo"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Login(context.Background(), "a@example.com", "secret123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	gigs, err := c.ListGigs(context.Background(), ListGigsOptions{Search: "logo"})
	if err != nil {
		t.Fatalf("list gigs: %v", err)
	}
	if len(gigs) != 1 || gigs[0].ID != "g1" {
		t.Fatalf("unexpected gigs %+v", gigs)
	}
}
