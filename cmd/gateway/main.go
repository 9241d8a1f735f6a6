package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/samlawlis45/pathwellconnect/pkg/hardening"
	"github.com/samlawlis45/pathwellconnect/pkg/httpx"
	"github.com/samlawlis45/pathwellconnect/pkg/identity"
	"github.com/samlawlis45/pathwellconnect/pkg/ledger"
	"github.com/samlawlis45/pathwellconnect/pkg/metrics"
	"github.com/samlawlis45/pathwellconnect/pkg/models"
	"github.com/samlawlis45/pathwellconnect/pkg/policy"
	"github.com/samlawlis45/pathwellconnect/pkg/ratelimit"
	"github.com/samlawlis45/pathwellconnect/pkg/redact"
	"github.com/samlawlis45/pathwellconnect/pkg/store"
	"github.com/samlawlis45/pathwellconnect/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	headerAgentID     = "x-pathwell-agent-id"
	headerCorrelation = "x-correlation-id"
	headerTraceID     = "x-pathwell-trace-id"
)

// Gateway-level deny reasons, reported alongside pkg/policy reason codes.
const (
	reasonAgentIDMissing      = "AGENT_ID_MISSING"
	reasonIdentityUnavailable = "IDENTITY_UNAVAILABLE"
	reasonPolicyUnavailable   = "POLICY_UNAVAILABLE"
	reasonRateLimited         = "RATE_LIMITED"
)

type Server struct {
	Identity            identity.Oracle
	Evaluator           policy.Evaluator
	UpstreamURL         string
	HTTPClient          *http.Client
	Spool               *ledger.Spool
	Shipper             *ledger.Shipper
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	IdentityTimeout     time.Duration
	PolicyTimeout       time.Duration
	MaxRequestBodyBytes int64
	ServiceVersion      string
	RedactSalt          []byte
}

type gwInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gwOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gwListenFunc func(server *http.Server) error
type gwStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(ctx context.Context, s *Server) {
		go func() {
			if err := s.Shipper.Run(ctx); err != nil {
				log.Printf("spool shipper stopped: %v", err)
			}
		}()
		go s.metricsLoop(ctx)
	}
)

func main() {
	if err := runGateway(initTelemetry, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTel gwInitTelemetryFunc,
	openRedis gwOpenRedisFunc,
	listen gwListenFunc,
	startLoops gwStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTel(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", "true"),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	spool, err := ledger.NewSpool(env("SPOOL_DIR", "/var/lib/pathwell/spool"))
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	trustCacheTTL := time.Second * time.Duration(envInt("TRUST_CACHE_TTL_SEC", 30))

	s := &Server{
		UpstreamURL:         strings.TrimRight(env("UPSTREAM_URL", "http://localhost:9000"), "/"),
		HTTPClient:          telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 10000))}),
		Spool:               spool,
		Metrics:             metrics.NewRegistry(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		IdentityTimeout:     time.Millisecond * time.Duration(envInt("IDENTITY_TIMEOUT_MS", 2000)),
		PolicyTimeout:       time.Millisecond * time.Duration(envInt("POLICY_TIMEOUT_MS", 2000)),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		ServiceVersion:      env("SERVICE_VERSION", "1.0.0"),
		RedactSalt:          []byte(env("REDACT_HASH_SALT", "")),
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	oracle := identity.NewClient(env("IDENTITY_URL", "http://localhost:8086"))
	oracle.HTTPClient = s.HTTPClient
	oracle.Timeout = s.IdentityTimeout
	oracle.Retries = envInt("IDENTITY_RETRIES", 1)
	s.Identity = identity.NewCachedOracle(oracle, cache, trustCacheTTL)

	evaluator, reloader, err := buildEvaluator(s.HTTPClient)
	if err != nil {
		return err
	}
	s.Evaluator = evaluator
	if reloader != nil {
		go func() {
			if err := reloader.Run(ctx); err != nil {
				log.Printf("policy reloader stopped: %v", err)
			}
		}()
	}

	s.Shipper = ledger.NewShipper(spool, env("LEDGER_URL", "http://localhost:8087")+"/v1/receipts")
	s.Shipper.Client = s.HTTPClient
	s.Shipper.AuthHeader = env("LEDGER_AUTH_HEADER", "")
	s.Shipper.AuthToken = env("LEDGER_AUTH_TOKEN", "")
	if sec := envInt("SPOOL_SHIP_INTERVAL_SEC", 5); sec > 0 {
		s.Shipper.Interval = time.Second * time.Duration(sec)
	}
	s.Shipper.OnShip = func() { s.Metrics.IncSpoolShipped() }
	s.Shipper.OnDrop = func() { s.Metrics.IncSpoolDropped() }

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Handle("/*", http.HandlerFunc(s.intercept))

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s, upstream %s", addr, s.UpstreamURL)
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

// buildEvaluator picks the rule runtime: a local engine loaded from a YAML
// file, or the standalone service when POLICY_URL is set.
func buildEvaluator(client *http.Client) (policy.Evaluator, *policy.Reloader, error) {
	mode := strings.ToLower(strings.TrimSpace(env("POLICY_MODE", "")))
	policyURL := strings.TrimSpace(env("POLICY_URL", ""))
	if mode == "" {
		if policyURL != "" {
			mode = "remote"
		} else {
			mode = "local"
		}
	}
	switch mode {
	case "remote":
		if policyURL == "" {
			return nil, nil, errors.New("POLICY_MODE=remote requires POLICY_URL")
		}
		return &policy.RemoteEvaluator{
			Client:     client,
			BaseURL:    strings.TrimRight(policyURL, "/"),
			AuthHeader: env("POLICY_AUTH_HEADER", ""),
			AuthToken:  env("POLICY_AUTH_TOKEN", ""),
			Retries:    envInt("POLICY_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("POLICY_RETRY_DELAY_MS", 50)),
		}, nil, nil
	case "local":
		cfg := policy.DefaultConfig()
		path := strings.TrimSpace(env("POLICY_CONFIG_PATH", ""))
		if path != "" {
			loaded, err := policy.LoadConfig(path)
			if err != nil {
				return nil, nil, fmt.Errorf("policy config: %w", err)
			}
			cfg = loaded
		}
		engine := policy.NewEngine(cfg)
		var reloader *policy.Reloader
		if path != "" {
			reloader = policy.NewReloader(engine, path)
		}
		return engine, reloader, nil
	default:
		return nil, nil, fmt.Errorf("unknown POLICY_MODE %q", mode)
	}
}

type denyResponse struct {
	Allowed  bool             `json:"allowed"`
	Reasons  []string         `json:"reasons"`
	TraceID  string           `json:"trace_id"`
	Warnings []policy.Warning `json:"warnings,omitempty"`
}

// intercept is the adjudication path. Identity and policy failures of any
// kind deny; the upstream is reached only on an explicit allow.
func (s *Server) intercept(w http.ResponseWriter, r *http.Request) {
	traceID := strings.TrimSpace(r.Header.Get(headerTraceID))
	correlationID := strings.TrimSpace(r.Header.Get(headerCorrelation))
	// Correlated requests leave the trace unset; the ledger groups them onto
	// the correlation's trace. Only uncorrelated requests mint their own.
	if traceID == "" && correlationID == "" {
		traceID = uuid.NewString()
	}
	if traceID != "" {
		w.Header().Set(headerTraceID, traceID)
	}

	agentID := strings.TrimSpace(r.Header.Get(headerAgentID))
	if agentID == "" {
		s.denyAndWitness(w, r, witnessInput{
			TraceID:       traceID,
			CorrelationID: correlationID,
		}, http.StatusForbidden, []string{reasonAgentIDMissing}, nil)
		return
	}

	if s.RateLimitEnabled && s.RateLimiter != nil {
		rl := s.RateLimiter.Allow("agent:"+agentID, s.RateLimitPerMinute)
		if !rl.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(rl.ResetAt).Seconds())+1))
			s.denyAndWitness(w, r, witnessInput{
				TraceID:       traceID,
				CorrelationID: correlationID,
				AgentID:       agentID,
			}, http.StatusTooManyRequests, []string{reasonRateLimited}, nil)
			return
		}
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	idCtx, cancel := context.WithTimeout(r.Context(), s.IdentityTimeout)
	validation, err := s.Identity.Validate(idCtx, agentID)
	cancel()
	if err != nil {
		log.Printf("identity check failed for agent %s: %v", agentID, err)
		s.denyAndWitness(w, r, witnessInput{
			TraceID:       traceID,
			CorrelationID: correlationID,
			AgentID:       agentID,
			Body:          body,
		}, http.StatusForbidden, []string{reasonIdentityUnavailable}, nil)
		return
	}

	in := policy.Input{
		Agent: policy.AgentInput{
			Valid:       validation.Valid,
			Revoked:     validation.Revoked,
			AgentID:     agentID,
			DeveloperID: validation.DeveloperID,
			TenantID:    validation.TenantID,
		},
		Request: policy.RequestInput{Method: r.Method, Path: r.URL.Path},
		Tenant:  validation.Tenant,
	}
	if validation.Trust != nil {
		in.Agent.Trust = &policy.TrustContext{
			CompositeScore: validation.Trust.CompositeScore,
			Dimensions:     validation.Trust.Dimensions,
		}
	}

	evalStart := time.Now()
	polCtx, cancel := context.WithTimeout(r.Context(), s.PolicyTimeout)
	decision, err := s.Evaluator.Evaluate(polCtx, in)
	cancel()
	evalMS := time.Since(evalStart).Milliseconds()
	if err != nil {
		log.Printf("policy evaluation failed for agent %s: %v", agentID, err)
		s.denyAndWitness(w, r, witnessInput{
			TraceID:       traceID,
			CorrelationID: correlationID,
			AgentID:       agentID,
			Validation:    &validation,
			Body:          body,
		}, http.StatusForbidden, []string{reasonPolicyUnavailable}, nil)
		return
	}

	wi := witnessInput{
		TraceID:       traceID,
		CorrelationID: correlationID,
		AgentID:       agentID,
		Validation:    &validation,
		Decision:      &decision,
		EvaluationMS:  evalMS,
		Body:          body,
	}
	if !decision.Allow {
		s.denyAndWitness(w, r, wi, http.StatusForbidden, decision.Reasons, decision.Warnings)
		return
	}

	s.Metrics.IncVerdict("ALLOW")
	s.Metrics.IncTrustAction(decision.TrustAction)
	s.witness(s.buildReceipt(r, wi))
	s.forward(w, r, body, traceID)
}

type witnessInput struct {
	TraceID       string
	CorrelationID string
	AgentID       string
	Validation    *identity.Validation
	Decision      *policy.Decision
	EvaluationMS  int64
	Body          []byte
}

func (s *Server) denyAndWitness(w http.ResponseWriter, r *http.Request, wi witnessInput, status int, reasons []string, warnings []policy.Warning) {
	s.Metrics.IncVerdict("DENY")
	for _, reason := range reasons {
		s.Metrics.IncVerdictReason("DENY", reason)
	}
	if wi.Decision != nil {
		s.Metrics.IncTrustAction(wi.Decision.TrustAction)
	}
	rec := s.buildReceipt(r, wi)
	rec.Policy.Allowed = false
	if len(rec.Policy.Reasons) == 0 {
		rec.Policy.Reasons = reasons
	}
	s.witness(rec)
	httpx.WriteJSON(w, status, denyResponse{
		Allowed:  false,
		Reasons:  reasons,
		TraceID:  wi.TraceID,
		Warnings: warnings,
	})
}

// buildReceipt folds the adjudication outcome into the ledger record. The
// ledger seals it into the tenant chain; the gateway never computes hashes.
func (s *Server) buildReceipt(r *http.Request, wi witnessInput) models.Receipt {
	rec := models.Receipt{
		ReceiptID:     uuid.NewString(),
		TraceID:       wi.TraceID,
		CorrelationID: wi.CorrelationID,
		SpanID:        uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		AgentID:       wi.AgentID,
		EventType:     models.EventGatewayRequest,
		EventSource: models.EventSource{
			System:  "pathwell",
			Service: "gateway",
			Version: s.ServiceVersion,
		},
		Request: models.RequestInfo{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: redact.Headers(r.Header, s.RedactSalt),
		},
	}
	if len(wi.Body) > 0 {
		sum := sha256.Sum256(wi.Body)
		rec.Request.BodyHash = fmt.Sprintf("%x", sum[:])
	}
	if v := wi.Validation; v != nil {
		rec.TenantID = v.TenantID
		rec.Identity = models.IdentityOutcome{
			Valid:       v.Valid,
			Revoked:     v.Revoked,
			DeveloperID: v.DeveloperID,
			TenantID:    v.TenantID,
		}
		if v.Trust != nil {
			rec.Identity.TrustScore = v.Trust.CompositeScore
			rec.Identity.HasTrust = true
		}
	}
	if d := wi.Decision; d != nil {
		rec.Policy = models.PolicyOutcome{
			Allowed:            d.Allow,
			PolicyVersion:      d.PolicyVersion,
			EvaluationMS:       wi.EvaluationMS,
			Reasons:            d.Reasons,
			TrustAction:        d.TrustAction,
			AppliedThreshold:   d.AppliedThreshold,
			AppliedTenantScope: d.AppliedTenantScope,
		}
		for _, warning := range d.Warnings {
			rec.Policy.Warnings = append(rec.Policy.Warnings, warning.Code)
		}
	}
	return rec
}

// witness hands the receipt to the durable spool. The shipper moves it to the
// ledger outside the caller's latency path.
func (s *Server) witness(rec models.Receipt) {
	if s.Spool == nil {
		return
	}
	if err := s.Spool.Write(rec); err != nil {
		log.Printf("witness spool write failed for receipt %s: %v", rec.ReceiptID, err)
		s.Metrics.IncReason("SPOOL_WRITE_FAILED")
		return
	}
	s.Metrics.IncLedgerEvent("witnessed")
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, body []byte, traceID string) {
	upstreamURL := s.UpstreamURL + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		httpx.Error(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	copyHeaders(req.Header, r.Header)
	if traceID != "" {
		req.Header.Set(headerTraceID, traceID)
	}
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		httpx.Error(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set(headerTraceID, traceID)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	limited := http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		key := r.Method + " " + r.URL.Path
		s.Metrics.Observe(key, rec.status, time.Since(start))
		s.Metrics.ObserveLatency(key, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := time.Second * time.Duration(envInt("METRICS_LOOP_SEC", 15))
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Spool != nil {
				if pending, err := s.Spool.Pending(); err == nil {
					s.Metrics.SetGauge("spool_pending", float64(len(pending)))
				}
			}
			if s.Shipper != nil {
				s.Metrics.SetGauge("spool_shipped", float64(s.Shipper.Shipped()))
				s.Metrics.SetGauge("spool_dropped", float64(s.Shipper.Dropped()))
			}
		}
	}
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
