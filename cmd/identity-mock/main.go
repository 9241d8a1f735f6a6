package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samlawlis45/pathwellconnect/pkg/httpx"
	"github.com/samlawlis45/pathwellconnect/pkg/identity"
	"github.com/samlawlis45/pathwellconnect/pkg/models"
	"github.com/samlawlis45/pathwellconnect/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Store holds the configurable agent registry backing the mock oracle.
type Store struct {
	mu           sync.Mutex
	agents       map[string]identity.Validation
	defaultValid bool
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runIdentityMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func (s *Store) validate(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	s.mu.Lock()
	v, ok := s.agents[agentID]
	defaultValid := s.defaultValid
	s.mu.Unlock()
	if !ok {
		if !defaultValid {
			httpx.Error(w, http.StatusNotFound, "unknown agent")
			return
		}
		dims := models.DefaultTrustDimensions()
		v = identity.Validation{
			Valid:   true,
			AgentID: agentID,
			Trust: &models.TrustScore{
				EntityType:     "agent",
				EntityID:       agentID,
				CompositeScore: dims.Composite(),
				Dimensions:     dims,
			},
		}
	}
	httpx.WriteJSON(w, http.StatusOK, v)
}

func (s *Store) register(w http.ResponseWriter, r *http.Request) {
	var v identity.Validation
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(v.AgentID) == "" {
		httpx.Error(w, http.StatusBadRequest, "agent_id required")
		return
	}
	s.mu.Lock()
	s.agents[v.AgentID] = v
	s.mu.Unlock()
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"agent_id": v.AgentID})
}

func (s *Store) revoke(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	s.mu.Lock()
	v, ok := s.agents[agentID]
	if ok {
		v.Revoked = true
		s.agents[agentID] = v
	}
	s.mu.Unlock()
	if !ok {
		httpx.Error(w, http.StatusNotFound, "unknown agent")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "revoked": true})
}

func (s *Store) remove(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runIdentityMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "identity-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := &Store{
		agents:       map[string]identity.Validation{},
		defaultValid: env("MOCK_DEFAULT_VALID", "false") == "true",
	}
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("identity-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "identity-mock"})
	})
	r.Get("/v1/agents/{agent_id}/validate", store.validate)
	r.Post("/v1/agents", store.register)
	r.Post("/v1/agents/{agent_id}/revoke", store.revoke)
	r.Delete("/v1/agents/{agent_id}", store.remove)

	addr := env("ADDR", ":8086")
	log.Printf("identity-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
