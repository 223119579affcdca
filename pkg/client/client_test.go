package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/v1"})
}

func TestCreateRoundTrip(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/databases" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Engine != "redis" {
			t.Fatalf("engine: %s", req.Engine)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Database{ID: "abc", Engine: req.Engine, Port: 6379, Status: "stopped"})
	})

	db, err := c.Create(context.Background(), CreateRequest{Engine: "redis"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if db.ID != "abc" || db.Port != 6379 {
		t.Fatalf("database: %+v", db)
	}
}

func TestErrorEnvelopeSurfaces(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "port already in use: 5432"})
	})

	err := c.Start(context.Background(), "abc")
	if err == nil || !strings.Contains(err.Error(), "port already in use") {
		t.Fatalf("error envelope lost: %v", err)
	}
}

func TestNonJSONErrorFallsBackToStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	})
	err := c.Stop(context.Background(), "abc")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("want HTTP 502 error, got %v", err)
	}
}

func TestEventsQuery(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events" || r.URL.Query().Get("limit") != "7" {
			t.Fatalf("unexpected request: %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode([]Event{{Type: "running", ID: "abc"}})
	})
	evs, err := c.Events(context.Background(), 7)
	if err != nil || len(evs) != 1 || evs[0].Type != "running" {
		t.Fatalf("events: %v %v", evs, err)
	}
}

func TestIDsAreEscaped(t *testing.T) {
	var gotPath string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(Status{ID: "x", Status: "stopped"})
	})
	_, err := c.Status(context.Background(), "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotPath, "a%2Fb") {
		t.Fatalf("id not escaped: %s", gotPath)
	}
}
