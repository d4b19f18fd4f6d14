package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maybehotcarl/gatedblog/pkg/checkout"
	"github.com/maybehotcarl/gatedblog/pkg/gate"
	"github.com/maybehotcarl/gatedblog/pkg/posts"
)

func TestGetChallenge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/auth/challenge" {
			t.Errorf("expected /auth/challenge, got %s", r.URL.Path)
		}

		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["address"] != "0xABC" {
			t.Errorf("expected address 0xABC, got %s", req["address"])
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChallengeResponse{Message: "test-message", Nonce: "test-nonce"})
	}))
	defer ts.Close()

	resp, err := NewClient(ts.URL).GetChallenge("0xABC")
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	if resp.Message != "test-message" || resp.Nonce != "test-nonce" {
		t.Errorf("unexpected challenge: %+v", resp)
	}
}

func TestVerifyStoresToken(t *testing.T) {
	var sawBearer string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/verify":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			if req["message"] == "" || req["signature"] == "" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(ErrorResponse{Error: "missing fields"})
				return
			}
			json.NewEncoder(w).Encode(VerifyResponse{
				Address: "0x1234",
				Token:   "tok-123",
				View:    gate.Snapshot{Connected: true, State: gate.Unlocked},
			})
		case "/view":
			sawBearer = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(gate.Snapshot{Connected: true, State: gate.Unlocked})
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	if _, err := c.Verify("", ""); err == nil || !strings.Contains(err.Error(), "missing fields") {
		t.Errorf("expected server error, got %v", err)
	}

	resp, err := c.Verify("msg", "0xsig")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.View.State != gate.Unlocked || c.SessionToken() != "tok-123" {
		t.Errorf("unexpected verify result: %+v token=%q", resp, c.SessionToken())
	}

	if _, err := c.View(true, false); err != nil {
		t.Fatalf("View: %v", err)
	}
	if sawBearer != "Bearer tok-123" {
		t.Errorf("expected bearer header, got %q", sawBearer)
	}
}

func TestViewQuery(t *testing.T) {
	var query string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		json.NewEncoder(w).Encode(gate.Snapshot{State: gate.Locked, Placeholder: true})
	}))
	defer ts.Close()

	snap, err := NewClient(ts.URL).View(true, true)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if !strings.Contains(query, "wait=1") || !strings.Contains(query, "refresh=1") {
		t.Errorf("unexpected query %q", query)
	}
	if snap.State != gate.Locked || !snap.Placeholder {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestCheckout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("checkout must ask for JSON, got Accept=%q", r.Header.Get("Accept"))
		}
		json.NewEncoder(w).Encode(checkout.Handoff{CheckoutLinkURL: "https://checkout.example.com/x"})
	}))
	defer ts.Close()

	h, err := NewClient(ts.URL).Checkout()
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if h.CheckoutLinkURL != "https://checkout.example.com/x" {
		t.Errorf("unexpected link %s", h.CheckoutLinkURL)
	}
}

func TestDisconnectDropsToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gate.Snapshot{State: gate.Locked})
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	c.SetSessionToken("tok")
	if _, err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.SessionToken() != "" {
		t.Error("expected token to be cleared")
	}
}

func TestPosts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(posts.ListResponse{Data: []posts.Post{{Title: "T", Description: "D"}}})
	}))
	defer ts.Close()

	list, err := NewClient(ts.URL).Posts()
	if err != nil {
		t.Fatalf("Posts: %v", err)
	}
	if len(list) != 1 || list[0].Title != "T" {
		t.Errorf("unexpected posts: %v", list)
	}
}

func TestHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "active_views": 3})
	}))
	defer ts.Close()

	result, err := NewClient(ts.URL).Health()
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status ok, got %v", result["status"])
	}
}

func TestErrorWithoutJSONBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).Health()
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "upstream down") {
		t.Errorf("expected raw body in error, got %v", err)
	}
}
