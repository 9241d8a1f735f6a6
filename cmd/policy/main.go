package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/samlawlis45/pathwellconnect/pkg/auth"
	"github.com/samlawlis45/pathwellconnect/pkg/hardening"
	"github.com/samlawlis45/pathwellconnect/pkg/httpx"
	"github.com/samlawlis45/pathwellconnect/pkg/metrics"
	"github.com/samlawlis45/pathwellconnect/pkg/models"
	"github.com/samlawlis45/pathwellconnect/pkg/policy"
	"github.com/samlawlis45/pathwellconnect/pkg/store"
	"github.com/samlawlis45/pathwellconnect/pkg/telemetry"
	"github.com/samlawlis45/pathwellconnect/pkg/tenant"
	"github.com/samlawlis45/pathwellconnect/pkg/trust"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type tenantStore interface {
	Create(ctx context.Context, req tenant.CreateRequest) (models.Tenant, error)
	Get(ctx context.Context, tenantID string) (models.Tenant, error)
	Hierarchy(ctx context.Context, tenantID string) (tenant.Hierarchy, error)
	UpdateGovernance(ctx context.Context, tenantID string, gov models.TenantGov) (models.Tenant, error)
	Reparent(ctx context.Context, tenantID, newParentID string) error
	Deactivate(ctx context.Context, tenantID string) error
	ResolveGovernance(ctx context.Context, tenantID string) (models.TenantContext, error)
}

type trustStore interface {
	Get(ctx context.Context, entityType, entityID string) (models.TrustScore, error)
	Create(ctx context.Context, entityType, entityID string, initial *models.TrustDimensions, minimumThreshold *float64, thresholdAction string) (models.TrustScore, error)
	ApplyDelta(ctx context.Context, entityType, entityID, dimension string, delta float64, reason, eventID string) (models.TrustScore, error)
	History(ctx context.Context, entityType, entityID string) ([]models.TrustHistoryEntry, error)
}

type Server struct {
	Engine              *policy.Engine
	Tenants             tenantStore
	Trust               trustStore
	Metrics             *metrics.Registry
	EvalAuthHeader      string
	EvalAuthToken       string
	MaxRequestBodyBytes int64
}

type policyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

type plInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type plOpenDBFunc func(ctx context.Context) (policyDB, error)
type plListenFunc func(server *http.Server) error
type plStartLoopsFunc func(ctx context.Context, reloader *policy.Reloader)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (policyDB, error) { return store.NewPostgresPool(ctx) }
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(ctx context.Context, reloader *policy.Reloader) {
		if reloader == nil {
			return
		}
		go func() {
			if err := reloader.Run(ctx); err != nil {
				log.Printf("policy reloader stopped: %v", err)
			}
		}()
	}
)

func main() {
	if err := runPolicy(initTelemetry, openDBFn, listenFn, startLoopsFn); err != nil {
		logFatalf("policy: %v", err)
	}
}

func runPolicy(initTel plInitTelemetryFunc, openDB plOpenDBFunc, listen plListenFunc, startLoops plStartLoopsFunc) error {
	ctx := context.Background()
	shutdown, err := initTel(ctx, "policy")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "policy",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "POLICY_AUTH_TOKEN", Value: env("POLICY_AUTH_TOKEN", "")},
			{Name: "AUTH_HS256_SECRET", Value: env("AUTH_HS256_SECRET", "")},
		},
	}); err != nil {
		return err
	}

	cfg := policy.DefaultConfig()
	var reloader *policy.Reloader
	engine := policy.NewEngine(cfg)
	if path := strings.TrimSpace(env("POLICY_CONFIG_PATH", "")); path != "" {
		loaded, err := policy.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("policy config: %w", err)
		}
		engine.Reload(loaded)
		reloader = policy.NewReloader(engine, path)
	}
	if startLoops != nil {
		startLoops(ctx, reloader)
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	s := &Server{
		Engine:              engine,
		Tenants:             &tenant.Store{DB: db},
		Trust:               &trust.Store{DB: db},
		Metrics:             metrics.NewRegistry(),
		EvalAuthHeader:      env("POLICY_AUTH_HEADER", "x-pathwell-policy-token"),
		EvalAuthToken:       env("POLICY_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	authMode := strings.ToLower(strings.TrimSpace(env("AUTH_MODE", "hs256")))
	if authMode == "off" && env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("policy"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "policy"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/v1/evaluate", s.requireEvalToken(s.handleEvaluateV1))
	r.Post("/v2/evaluate", s.requireEvalToken(s.handleEvaluateV2))

	adminRouter := chi.NewRouter()
	adminRouter.Use(auth.Middleware(
		authMode,
		env("AUTH_HS256_SECRET", ""),
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
	))
	adminRouter.Post("/v1/tenants", s.withRoles(s.createTenant, "tenantadmin"))
	adminRouter.Get("/v1/tenants/{tenant_id}", s.withRoles(s.getTenant, "tenantadmin", "operator"))
	adminRouter.Get("/v1/tenants/{tenant_id}/hierarchy", s.withRoles(s.getHierarchy, "tenantadmin", "operator"))
	adminRouter.Patch("/v1/tenants/{tenant_id}/governance", s.withRoles(s.updateGovernance, "tenantadmin"))
	adminRouter.Post("/v1/tenants/{tenant_id}/reparent", s.withRoles(s.reparentTenant, "tenantadmin"))
	adminRouter.Post("/v1/tenants/{tenant_id}/deactivate", s.withRoles(s.deactivateTenant, "tenantadmin"))
	adminRouter.Get("/v1/tenants/{tenant_id}/context", s.withRoles(s.getTenantContext, "tenantadmin", "operator"))

	adminRouter.Post("/v1/trust", s.withRoles(s.createTrustScore, "trustadmin"))
	adminRouter.Get("/v1/trust/{entity_type}/{entity_id}", s.withRoles(s.getTrustScore, "trustadmin", "operator"))
	adminRouter.Post("/v1/trust/{entity_type}/{entity_id}/delta", s.withRoles(s.applyTrustDelta, "trustadmin"))
	adminRouter.Get("/v1/trust/{entity_type}/{entity_id}/history", s.withRoles(s.getTrustHistory, "trustadmin", "operator"))
	r.Mount("/", adminRouter)

	addr := env("ADDR", ":8082")
	log.Printf("policy listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// requireEvalToken gates the evaluator endpoints the same way the ledger
// gates ingest: an empty configured token leaves the gate open for
// development setups, hardening refuses that in production.
func (s *Server) requireEvalToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.EvalAuthToken != "" {
			got := strings.TrimSpace(r.Header.Get(s.EvalAuthHeader))
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.EvalAuthToken)) != 1 {
				httpx.Error(w, http.StatusUnauthorized, "invalid evaluator token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) withRoles(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if p.Subject != "anonymous" && !auth.HasAnyRole(p, roles...) {
			httpx.Error(w, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r)
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limited := http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

// handleEvaluateV2 is the evaluator contract the gateway speaks. When the
// caller supplies no tenant context the engine resolves governance from the
// tenant tree; a resolution failure is a 503 so the caller fails closed.
func (s *Server) handleEvaluateV2(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var in policy.Input
	if err := json.Unmarshal(body, &in); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if in.Tenant == nil && in.Agent.TenantID != "" && s.Tenants != nil {
		tc, err := s.Tenants.ResolveGovernance(r.Context(), in.Agent.TenantID)
		switch {
		case err == nil:
			in.Tenant = &tc
		case errors.Is(err, tenant.ErrNotFound):
			// Unknown tenants evaluate without governance context.
		default:
			log.Printf("governance resolution failed for %s: %v", in.Agent.TenantID, err)
			httpx.Error(w, http.StatusServiceUnavailable, "governance resolution failed")
			return
		}
	}
	d, err := s.Engine.Evaluate(r.Context(), in)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "evaluation failed")
		return
	}
	s.recordDecision(d)
	httpx.WriteJSON(w, http.StatusOK, d)
}

type evaluateV1Request struct {
	AgentID    string   `json:"agent_id"`
	TenantID   string   `json:"tenant_id,omitempty"`
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	TrustScore *float64 `json:"trust_score,omitempty"`
}

type evaluateV1Response struct {
	Allowed       bool     `json:"allowed"`
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// handleEvaluateV1 keeps the first-generation request shape alive. It wraps
// the flat request into the v2 input; callers on this path never see trust
// actions or warnings.
func (s *Server) handleEvaluateV1(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req evaluateV1Request
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		httpx.Error(w, http.StatusBadRequest, "agent_id required")
		return
	}
	in := policy.Input{
		Agent: policy.AgentInput{
			Valid:    true,
			AgentID:  req.AgentID,
			TenantID: req.TenantID,
		},
		Request: policy.RequestInput{Method: req.Method, Path: req.Path},
	}
	if req.TrustScore != nil {
		in.Agent.Trust = &policy.TrustContext{CompositeScore: *req.TrustScore}
	}
	d, err := s.Engine.Evaluate(r.Context(), in)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "evaluation failed")
		return
	}
	s.recordDecision(d)
	httpx.WriteJSON(w, http.StatusOK, evaluateV1Response{
		Allowed:       d.Allow,
		Reasons:       d.Reasons,
		PolicyVersion: d.PolicyVersion,
	})
}

func (s *Server) recordDecision(d policy.Decision) {
	verdict := "DENY"
	if d.Allow {
		verdict = "ALLOW"
	}
	s.Metrics.IncVerdict(verdict)
	s.Metrics.IncTrustAction(d.TrustAction)
	for _, reason := range d.Reasons {
		s.Metrics.IncVerdictReason(verdict, reason)
	}
}

type createTenantRequest struct {
	TenantID       string            `json:"tenant_id"`
	TenantType     string            `json:"tenant_type"`
	DisplayName    string            `json:"display_name,omitempty"`
	ParentTenantID string            `json:"parent_tenant_id,omitempty"`
	Governance     *models.TenantGov `json:"governance_config,omitempty"`
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req createTenantRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.TenantType) == "" {
		httpx.Error(w, http.StatusBadRequest, "tenant_id and tenant_type required")
		return
	}
	t, err := s.Tenants.Create(r.Context(), tenant.CreateRequest{
		TenantID:       req.TenantID,
		TenantType:     req.TenantType,
		DisplayName:    req.DisplayName,
		ParentTenantID: req.ParentTenantID,
		Governance:     req.Governance,
	})
	if err != nil {
		s.tenantError(w, "create tenant", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, t)
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tenants.Get(r.Context(), chi.URLParam(r, "tenant_id"))
	if err != nil {
		s.tenantError(w, "get tenant", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) getHierarchy(w http.ResponseWriter, r *http.Request) {
	h, err := s.Tenants.Hierarchy(r.Context(), chi.URLParam(r, "tenant_id"))
	if err != nil {
		s.tenantError(w, "tenant hierarchy", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h)
}

func (s *Server) updateGovernance(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var gov models.TenantGov
	if err := json.Unmarshal(body, &gov); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	switch gov.PolicyScope {
	case models.ScopeInherit, models.ScopeOverride, models.ScopeMerge:
	default:
		httpx.Error(w, http.StatusBadRequest, "policy_scope must be inherit, override or merge")
		return
	}
	t, err := s.Tenants.UpdateGovernance(r.Context(), chi.URLParam(r, "tenant_id"), gov)
	if err != nil {
		s.tenantError(w, "update governance", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) reparentTenant(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		NewParentID string `json:"new_parent_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.NewParentID) == "" {
		httpx.Error(w, http.StatusBadRequest, "new_parent_id required")
		return
	}
	tenantID := chi.URLParam(r, "tenant_id")
	if err := s.Tenants.Reparent(r.Context(), tenantID, req.NewParentID); err != nil {
		s.tenantError(w, "reparent tenant", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID, "parent_tenant_id": req.NewParentID})
}

func (s *Server) deactivateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := s.Tenants.Deactivate(r.Context(), tenantID); err != nil {
		s.tenantError(w, "deactivate tenant", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID, "status": "deactivated"})
}

func (s *Server) getTenantContext(w http.ResponseWriter, r *http.Request) {
	tc, err := s.Tenants.ResolveGovernance(r.Context(), chi.URLParam(r, "tenant_id"))
	if err != nil {
		s.tenantError(w, "resolve governance", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tc)
}

func (s *Server) tenantError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "tenant not found")
	case errors.Is(err, tenant.ErrParentNotFound):
		httpx.Error(w, http.StatusNotFound, "parent tenant not found")
	case errors.Is(err, tenant.ErrExists):
		httpx.Error(w, http.StatusConflict, "tenant already exists")
	case errors.Is(err, tenant.ErrCycle):
		httpx.Error(w, http.StatusConflict, "reparent would create a cycle")
	default:
		log.Printf("policy %s: %v", op, err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

type createTrustRequest struct {
	EntityType       string                  `json:"entity_type"`
	EntityID         string                  `json:"entity_id"`
	Dimensions       *models.TrustDimensions `json:"dimensions,omitempty"`
	MinimumThreshold *float64                `json:"minimum_threshold,omitempty"`
	ThresholdAction  string                  `json:"threshold_action,omitempty"`
}

func (s *Server) createTrustScore(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req createTrustRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.EntityType) == "" || strings.TrimSpace(req.EntityID) == "" {
		httpx.Error(w, http.StatusBadRequest, "entity_type and entity_id required")
		return
	}
	ts, err := s.Trust.Create(r.Context(), req.EntityType, req.EntityID, req.Dimensions, req.MinimumThreshold, req.ThresholdAction)
	if err != nil {
		s.trustError(w, "create trust score", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, ts)
}

func (s *Server) getTrustScore(w http.ResponseWriter, r *http.Request) {
	ts, err := s.Trust.Get(r.Context(), chi.URLParam(r, "entity_type"), chi.URLParam(r, "entity_id"))
	if err != nil {
		s.trustError(w, "get trust score", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ts)
}

type trustDeltaRequest struct {
	Dimension string  `json:"dimension"`
	Delta     float64 `json:"delta"`
	Reason    string  `json:"reason,omitempty"`
	EventID   string  `json:"event_id,omitempty"`
}

func (s *Server) applyTrustDelta(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req trustDeltaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	ts, err := s.Trust.ApplyDelta(r.Context(), chi.URLParam(r, "entity_type"), chi.URLParam(r, "entity_id"),
		req.Dimension, req.Delta, req.Reason, req.EventID)
	if err != nil {
		s.trustError(w, "apply trust delta", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ts)
}

func (s *Server) getTrustHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Trust.History(r.Context(), chi.URLParam(r, "entity_type"), chi.URLParam(r, "entity_id"))
	if err != nil {
		s.trustError(w, "trust history", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) trustError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, trust.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "trust score not found")
	case errors.Is(err, trust.ErrExists):
		httpx.Error(w, http.StatusConflict, "trust score already exists")
	case errors.Is(err, trust.ErrBadDimension):
		httpx.Error(w, http.StatusBadRequest, "unknown trust dimension")
	default:
		log.Printf("policy %s: %v", op, err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		key := r.Method + " " + routePattern(r)
		s.Metrics.Observe(key, rec.status, time.Since(start))
		s.Metrics.ObserveLatency(key, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
