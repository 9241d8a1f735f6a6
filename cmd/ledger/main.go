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
	"github.com/samlawlis45/pathwellconnect/pkg/ledger"
	"github.com/samlawlis45/pathwellconnect/pkg/metrics"
	"github.com/samlawlis45/pathwellconnect/pkg/models"
	"github.com/samlawlis45/pathwellconnect/pkg/store"
	"github.com/samlawlis45/pathwellconnect/pkg/stream"
	"github.com/samlawlis45/pathwellconnect/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type receiptWriter interface {
	SubmitReceipt(ctx context.Context, r models.Receipt) (ledger.AppendResult, error)
	SubmitExternalEvent(ctx context.Context, ev models.ExternalEvent) (models.ExternalEvent, error)
}

type traceReader interface {
	ListTraces(ctx context.Context, f ledger.TraceFilter) (ledger.TraceList, error)
	Detail(ctx context.Context, traceID string) (ledger.TraceDetail, error)
	Timeline(ctx context.Context, traceID string) ([]models.TimelineEvent, error)
	DecisionGraph(ctx context.Context, traceID string) (models.DecisionGraph, error)
	Lookup(ctx context.Context, correlationID string) (models.TraceSummary, error)
	VerifyChain(ctx context.Context, chainKey string) (ledger.ChainReport, error)
}

type statusSetter interface {
	SetStatus(ctx context.Context, traceID, status string) error
}

type Server struct {
	Writer              receiptWriter
	Reader              traceReader
	Status              statusSetter
	Events              *stream.Hub
	Metrics             *metrics.Registry
	IngestHeader        string
	IngestToken         string
	MaxRequestBodyBytes int64
}

type ledgerDBCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type ldInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type ldOpenDBFunc func(ctx context.Context) (ledgerDBCloser, error)
type ldListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (ledgerDBCloser, error) { return store.NewPostgresPool(ctx) }
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runLedger(initTelemetry, openDBFn, listenFn); err != nil {
		logFatalf("ledger: %v", err)
	}
}

func runLedger(initTel ldInitTelemetryFunc, openDB ldOpenDBFunc, listen ldListenFunc) error {
	ctx := context.Background()
	shutdown, err := initTel(ctx, "ledger")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "ledger",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "LEDGER_INGEST_TOKEN", Value: env("LEDGER_INGEST_TOKEN", "")},
			{Name: "AUTH_HS256_SECRET", Value: env("AUTH_HS256_SECRET", "")},
		},
	}); err != nil {
		return err
	}

	ledgerStore := &ledger.Store{DB: pool}
	hub := stream.NewHub()

	if brokers := strings.TrimSpace(env("KAFKA_MIRROR_BROKERS", "")); brokers != "" {
		consumer, err := ledger.NewConsumer(ledger.ConsumerConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "pathwell.ledger.events"),
			GroupID: env("KAFKA_MIRROR_GROUP", "pathwell-ledger-mirror"),
		})
		if err != nil {
			return fmt.Errorf("kafka mirror: %w", err)
		}
		defer func() { _ = consumer.Close() }()
		mirrorCtx, cancelMirror := context.WithCancel(ctx)
		defer cancelMirror()
		go mirrorEvents(mirrorCtx, consumer, hub)
	}

	writerOpts := []ledger.WriterOption{ledger.WithStreamHub(hub)}
	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		bus, err := ledger.NewBus(ledger.BusConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "pathwell.ledger.events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = bus.Close() }()
		writerOpts = append(writerOpts, ledger.WithBus(bus))
	}
	if root := strings.TrimSpace(env("ARCHIVE_DIR", "")); root != "" {
		writerOpts = append(writerOpts, ledger.WithArchiver(&ledger.DirArchiver{Root: root}))
	}
	writer := ledger.NewWriter(ledgerStore, writerOpts...)
	defer writer.Close()

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	s := &Server{
		Writer:              writer,
		Reader:              &ledger.Reader{DB: pool},
		Status:              ledgerStore,
		Events:              hub,
		Metrics:             metrics.NewRegistry(),
		IngestHeader:        env("LEDGER_INGEST_HEADER", "x-pathwell-ingest-token"),
		IngestToken:         env("LEDGER_INGEST_TOKEN", ""),
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
	r.Use(telemetry.HTTPMiddleware("ledger"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "ledger"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/v1/receipts", s.requireIngestToken(s.handleSubmitReceipt))
	r.Post("/v1/events/external", s.requireIngestToken(s.handleSubmitExternal))

	readRouter := chi.NewRouter()
	readRouter.Use(auth.Middleware(
		authMode,
		env("AUTH_HS256_SECRET", ""),
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
	))
	readRouter.Get("/v1/traces", s.withRoles(s.handleListTraces, "operator", "auditor"))
	readRouter.Get("/v1/traces/{trace_id}", s.withRoles(s.handleGetTrace, "operator", "auditor"))
	readRouter.Get("/v1/traces/{trace_id}/timeline", s.withRoles(s.handleTimeline, "operator", "auditor"))
	readRouter.Get("/v1/traces/{trace_id}/decisions", s.withRoles(s.handleDecisions, "operator", "auditor"))
	readRouter.Post("/v1/traces/{trace_id}/status", s.withRoles(s.handleSetStatus, "operator"))
	readRouter.Get("/v1/lookup/{correlation_id}", s.withRoles(s.handleLookup, "operator", "auditor"))
	readRouter.Get("/v1/chains/{chain_key}/verify", s.withRoles(s.handleVerifyChain, "operator", "auditor"))
	readRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "auditor"))
	r.Mount("/", readRouter)

	addr := env("ADDR", ":8087")
	log.Printf("ledger listening on %s", addr)
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

type eventMirror interface {
	ReadMessage(ctx context.Context) (ledger.Message, error)
}

var mirrorRetryDelay = time.Second

// mirrorEvents feeds bus events from a peer ledger into the local stream hub,
// so read replicas serve /v1/stream without a writer of their own.
func mirrorEvents(ctx context.Context, c eventMirror, hub *stream.Hub) {
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("mirror read failed: %v", err)
			select {
			case <-time.After(mirrorRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		hub.Publish(stream.Event{Type: string(msg.Key), At: time.Now().UTC(), Data: json.RawMessage(msg.Value)})
	}
}

// requireIngestToken gates the write endpoints. An empty configured token
// leaves the gate open for development setups; hardening refuses that in
// production environments.
func (s *Server) requireIngestToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.IngestToken != "" {
			got := strings.TrimSpace(r.Header.Get(s.IngestHeader))
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.IngestToken)) != 1 {
				httpx.Error(w, http.StatusUnauthorized, "invalid ingest token")
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

type submitResponse struct {
	ReceiptID   string `json:"receipt_id"`
	ReceiptHash string `json:"receipt_hash"`
	TraceID     string `json:"trace_id"`
	Stored      bool   `json:"stored"`
}

func (s *Server) handleSubmitReceipt(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var rec models.Receipt
	if err := json.Unmarshal(body, &rec); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(rec.EventType) == "" {
		rec.EventType = models.EventGatewayRequest
	}
	res, err := s.Writer.SubmitReceipt(r.Context(), rec)
	if err != nil {
		log.Printf("receipt append failed: %v", err)
		httpx.Error(w, http.StatusServiceUnavailable, "ledger write failed")
		return
	}
	status := http.StatusCreated
	if res.Stored {
		s.Metrics.IncLedgerEvent("append")
	} else {
		s.Metrics.IncLedgerEvent("idempotent_hit")
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, submitResponse{
		ReceiptID:   res.Receipt.ReceiptID,
		ReceiptHash: res.Receipt.ReceiptHash,
		TraceID:     res.Receipt.TraceID,
		Stored:      res.Stored,
	})
}

func (s *Server) handleSubmitExternal(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var ev models.ExternalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(ev.EventType) == "" || strings.TrimSpace(ev.SourceSystem) == "" {
		httpx.Error(w, http.StatusBadRequest, "event_type and source_system required")
		return
	}
	stored, err := s.Writer.SubmitExternalEvent(r.Context(), ev)
	if err != nil {
		log.Printf("external event append failed: %v", err)
		httpx.Error(w, http.StatusServiceUnavailable, "ledger write failed")
		return
	}
	s.Metrics.IncLedgerEvent("external")
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{
		"event_id": stored.EventID,
		"trace_id": stored.TraceID,
	})
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.TraceFilter{
		CorrelationID: strings.TrimSpace(q.Get("correlation_id")),
		AgentID:       strings.TrimSpace(q.Get("agent_id")),
		TenantID:      strings.TrimSpace(q.Get("tenant_id")),
		Status:        strings.TrimSpace(q.Get("status")),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		f.To = t
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	list, err := s.Reader.ListTraces(r.Context(), f)
	if err != nil {
		log.Printf("list traces failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Reader.Detail(r.Context(), chi.URLParam(r, "trace_id"))
	if err != nil {
		s.traceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, detail)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := s.Reader.Timeline(r.Context(), chi.URLParam(r, "trace_id"))
	if err != nil {
		s.traceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"timeline": timeline})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	graph, err := s.Reader.DecisionGraph(r.Context(), chi.URLParam(r, "trace_id"))
	if err != nil {
		s.traceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, graph)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	trace, err := s.Reader.Lookup(r.Context(), chi.URLParam(r, "correlation_id"))
	if err != nil {
		s.traceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, trace)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	traceID := chi.URLParam(r, "trace_id")
	if err := s.Status.SetStatus(r.Context(), traceID, req.Status); err != nil {
		switch {
		case errors.Is(err, ledger.ErrBadStatus):
			httpx.Error(w, http.StatusConflict, err.Error())
		case errors.Is(err, ledger.ErrTraceNotFound):
			httpx.Error(w, http.StatusNotFound, "trace not found")
		default:
			log.Printf("status update failed: %v", err)
			httpx.Error(w, http.StatusInternalServerError, "status update failed")
		}
		return
	}
	s.Events.Publish(stream.NewEvent("trace_status", map[string]string{
		"trace_id": traceID,
		"status":   req.Status,
	}))
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"trace_id": traceID, "status": req.Status})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	report, err := s.Reader.VerifyChain(r.Context(), chi.URLParam(r, "chain_key"))
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if err != nil {
		log.Printf("chain verification failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "verification failed")
		return
	}
	if !report.Valid {
		s.Metrics.IncReason("CHAIN_INTEGRITY_VIOLATION")
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

func (s *Server) traceError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrTraceNotFound) {
		httpx.Error(w, http.StatusNotFound, "trace not found")
		return
	}
	log.Printf("trace query failed: %v", err)
	httpx.Error(w, http.StatusInternalServerError, "query failed")
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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
