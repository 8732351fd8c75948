package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulsedaemon/pulse/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func agentConfig(url string) config.AgentConfig {
	cfg := config.DefaultConfig().Agent
	cfg.WebhookURL = url + "/hooks/agent"
	cfg.Token = "tok-123"
	cfg.RequestTimeout = config.Duration(2 * time.Second)
	cfg.MaxRetries = 2
	return cfg
}

func TestClient_WakeDelivers(t *testing.T) {
	var gotAuth, gotPath string
	var gotPayload TriggerPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(agentConfig(srv.URL), testLogger())
	res := c.Wake(context.Background(), TriggerPayload{
		ID:        "01HZX",
		Drive:     "goals",
		Reason:    "pressure over threshold",
		Pressure:  5.2,
		Timestamp: 1_700_000_000,
	})

	if !res.Delivered() {
		t.Fatalf("result = %+v, want delivered", res)
	}
	if res.HTTPStatus != http.StatusAccepted {
		t.Errorf("HTTPStatus = %d, want 202", res.HTTPStatus)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if res.Auth != "bearer" {
		t.Errorf("Auth = %q, want \"bearer\"", res.Auth)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want \"Bearer tok-123\"", gotAuth)
	}
	if gotPath != "/hooks/agent" {
		t.Errorf("path = %q, want /hooks/agent", gotPath)
	}
	if gotPayload.Drive != "goals" {
		t.Errorf("payload drive = %q, want \"goals\"", gotPayload.Drive)
	}
	// Message composed from prefix + reason when not set.
	if gotPayload.Message != "[PULSE] pressure over threshold" {
		t.Errorf("payload message = %q", gotPayload.Message)
	}
}

func TestClient_CustomAuthHeader(t *testing.T) {
	var gotCustom, gotDefault string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Pulse-Token")
		gotDefault = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := agentConfig(srv.URL)
	cfg.AuthHeader = "X-Pulse-Token"
	c := NewClient(cfg, testLogger())

	if res := c.Wake(context.Background(), TriggerPayload{Reason: "r"}); !res.Delivered() {
		t.Fatalf("result = %+v, want delivered", res)
	}
	if gotCustom != "Bearer tok-123" {
		t.Errorf("X-Pulse-Token = %q, want \"Bearer tok-123\"", gotCustom)
	}
	if gotDefault != "" {
		t.Errorf("Authorization = %q, want empty", gotDefault)
	}
}

func TestClient_MissingTokenRecorded(t *testing.T) {
	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := agentConfig(srv.URL)
	cfg.Token = ""
	c := NewClient(cfg, testLogger())

	res := c.Wake(context.Background(), TriggerPayload{Reason: "r"})
	if !res.Delivered() {
		t.Fatalf("result = %+v, want delivered", res)
	}
	if res.Auth != "missing" {
		t.Errorf("Auth = %q, want \"missing\"", res.Auth)
	}
	if sawAuth {
		t.Error("Authorization header sent without a token")
	}
}

func TestClient_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(agentConfig(srv.URL), testLogger())
	res := c.Wake(context.Background(), TriggerPayload{Reason: "r"})

	if !res.Delivered() {
		t.Fatalf("result = %+v, want delivered after retries", res)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestClient_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(agentConfig(srv.URL), testLogger())
	res := c.Wake(context.Background(), TriggerPayload{Reason: "r"})

	if res.Status != StatusRejected {
		t.Fatalf("Status = %q, want rejected", res.Status)
	}
	if res.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d, want 403", res.HTTPStatus)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestClient_FailsAfterExhaustingRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(agentConfig(srv.URL), testLogger())
	res := c.Wake(context.Background(), TriggerPayload{Reason: "r"})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestClient_TransportErrorFails(t *testing.T) {
	cfg := agentConfig("http://127.0.0.1:1")
	cfg.MaxRetries = 0
	c := NewClient(cfg, testLogger())

	res := c.Wake(context.Background(), TriggerPayload{Reason: "r"})
	if res.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if res.Error == "" {
		t.Error("Error is empty for transport failure")
	}
}

func TestClient_PingUsesWakePath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Webhook URL with a path and query; wake URL must be rebuilt from
	// scheme+host only.
	cfg := agentConfig(srv.URL)
	cfg.WebhookURL = srv.URL + "/hooks/agent?src=/hooks/agent"
	c := NewClient(cfg, testLogger())

	res := c.Ping(context.Background())
	if !res.Delivered() {
		t.Fatalf("result = %+v, want delivered", res)
	}
	if gotPath != "/hooks/wake" {
		t.Errorf("path = %q, want /hooks/wake", gotPath)
	}
}
