package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

var (
	ErrWriteFailed    = errors.New("ledger write failed")
	ErrChainIntegrity = errors.New("chain integrity violation")
	ErrTraceNotFound  = errors.New("trace not found")
	ErrBadStatus      = errors.New("invalid trace status transition")
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ChainKey maps a receipt to its hash chain. Chains are sharded per tenant;
// receipts without a tenant share the default chain.
func ChainKey(tenantID string) string {
	if tenantID == "" {
		return "default"
	}
	return tenantID
}

// Store persists receipts and external events. Every receipt append runs in
// one transaction together with the chain head move and the trace rollup, so
// a committed receipt is always linked and always counted.
type Store struct {
	DB ledgerDB
}

// AppendResult reports what one append did.
type AppendResult struct {
	Receipt models.Receipt
	Stored  bool
}

// AppendReceipt seals the receipt against its chain and persists it.
// Re-submitting an already stored receipt_id stores nothing and returns the
// original hash. Callers must serialize appends within one chain; the row
// lock on chain_heads is a backstop, not the ordering mechanism.
func (s *Store) AppendReceipt(ctx context.Context, r models.Receipt) (AppendResult, error) {
	if r.ReceiptID == "" {
		r.ReceiptID = uuid.NewString()
	}
	if r.SpanID == "" {
		r.SpanID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	chainKey := ChainKey(r.TenantID)

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: begin: %v", ErrWriteFailed, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingHash, existingTrace string
	err = tx.QueryRow(ctx, `SELECT receipt_hash, trace_id FROM receipt_events WHERE receipt_id=$1`, r.ReceiptID).Scan(&existingHash, &existingTrace)
	if err == nil {
		r.ReceiptHash = existingHash
		r.TraceID = existingTrace
		return AppendResult{Receipt: r, Stored: false}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, fmt.Errorf("%w: dedupe lookup: %v", ErrWriteFailed, err)
	}

	r.TraceID, err = resolveTraceTx(ctx, tx, r.TraceID, r.CorrelationID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: trace resolution: %v", ErrWriteFailed, err)
	}

	prev := models.GenesisHash
	err = tx.QueryRow(ctx, `SELECT last_hash FROM chain_heads WHERE chain_key=$1 FOR UPDATE`, chainKey).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, fmt.Errorf("%w: chain head: %v", ErrWriteFailed, err)
	}

	sealed, err := models.SealReceipt(r, prev)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: seal: %v", ErrWriteFailed, err)
	}

	trustScore := receiptTrustScore(sealed)
	if err := upsertTraceTx(ctx, tx, traceDelta{
		TraceID:        sealed.TraceID,
		CorrelationID:  sealed.CorrelationID,
		TenantID:       sealed.TenantID,
		At:             sealed.Timestamp,
		AgentID:        sealed.AgentID,
		Denied:         !sealed.Policy.Allowed,
		TrustViolation: sealed.Policy.TrustAction == models.TrustActionBlock,
		TrustScore:     trustScore,
	}); err != nil {
		return AppendResult{}, fmt.Errorf("%w: trace upsert: %v", ErrWriteFailed, err)
	}

	full, err := json.Marshal(sealed)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: marshal: %v", ErrWriteFailed, err)
	}
	headers, _ := json.Marshal(sealed.Request.Headers)
	_, err = tx.Exec(ctx, `
		INSERT INTO receipt_events
		(receipt_id, trace_id, correlation_id, span_id, parent_span_id, chain_key,
		 timestamp, event_type, event_source_system, event_source_service, event_source_version,
		 agent_id, tenant_id, developer_id,
		 request_method, request_path, request_headers, request_body_hash,
		 policy_allowed, policy_version, policy_evaluation_ms, policy_trust_action,
		 identity_valid, metadata, full_receipt, receipt_hash, previous_receipt_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
	`, sealed.ReceiptID, sealed.TraceID, nullableStr(sealed.CorrelationID), sealed.SpanID, nullableStr(sealed.ParentSpanID), chainKey,
		sealed.Timestamp, sealed.EventType, sealed.EventSource.System, sealed.EventSource.Service, sealed.EventSource.Version,
		nullableStr(sealed.AgentID), nullableStr(sealed.TenantID), nullableStr(sealed.Identity.DeveloperID),
		nullableStr(sealed.Request.Method), nullableStr(sealed.Request.Path), headers, nullableStr(sealed.Request.BodyHash),
		sealed.Policy.Allowed, nullableStr(sealed.Policy.PolicyVersion), sealed.Policy.EvaluationMS, nullableStr(sealed.Policy.TrustAction),
		sealed.Identity.Valid, rawOrNull(sealed.Metadata), full, sealed.ReceiptHash, sealed.PreviousHash)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: receipt event: %v", ErrWriteFailed, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO receipts (receipt_id, chain_key, receipt_hash, timestamp)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (receipt_id) DO NOTHING
	`, sealed.ReceiptID, chainKey, sealed.ReceiptHash, sealed.Timestamp)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: receipt hash: %v", ErrWriteFailed, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO chain_heads (chain_key, last_hash, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (chain_key) DO UPDATE SET last_hash=EXCLUDED.last_hash, updated_at=EXCLUDED.updated_at
	`, chainKey, sealed.ReceiptHash, sealed.Timestamp)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: chain head move: %v", ErrWriteFailed, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, fmt.Errorf("%w: commit: %v", ErrWriteFailed, err)
	}
	return AppendResult{Receipt: sealed, Stored: true}, nil
}

// receiptTrustScore pulls the composite score out of a receipt, if present.
func receiptTrustScore(r models.Receipt) *float64 {
	if !r.Identity.HasTrust {
		return nil
	}
	v := r.Identity.TrustScore
	return &v
}

// AppendExternalEvent stores an external event and folds it into its trace.
// Re-submitting a stored event_id stores nothing and returns the original row.
func (s *Store) AppendExternalEvent(ctx context.Context, ev models.ExternalEvent) (models.ExternalEvent, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.CreatedAt = time.Now().UTC()

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return models.ExternalEvent{}, fmt.Errorf("%w: begin: %v", ErrWriteFailed, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingTrace string
	var existingCreated time.Time
	err = tx.QueryRow(ctx, `SELECT trace_id, created_at FROM external_events WHERE event_id=$1`, ev.EventID).Scan(&existingTrace, &existingCreated)
	if err == nil {
		ev.TraceID = existingTrace
		ev.CreatedAt = existingCreated
		return ev, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.ExternalEvent{}, fmt.Errorf("%w: dedupe lookup: %v", ErrWriteFailed, err)
	}

	ev.TraceID, err = resolveTraceTx(ctx, tx, ev.TraceID, ev.CorrelationID)
	if err != nil {
		return models.ExternalEvent{}, fmt.Errorf("%w: trace resolution: %v", ErrWriteFailed, err)
	}

	if err := upsertTraceTx(ctx, tx, traceDelta{
		TraceID:       ev.TraceID,
		CorrelationID: ev.CorrelationID,
		At:            ev.Timestamp,
	}); err != nil {
		return models.ExternalEvent{}, fmt.Errorf("%w: trace upsert: %v", ErrWriteFailed, err)
	}

	var actorType, actorID, actorName *string
	if ev.Actor != nil {
		actorType = nullableStr(ev.Actor.ActorType)
		actorID = nullableStr(ev.Actor.ActorID)
		actorName = nullableStr(ev.Actor.DisplayName)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO external_events
		(event_id, trace_id, correlation_id, event_type, source_system, source_id,
		 timestamp, actor_type, actor_id, actor_display_name, payload, outcome, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, ev.EventID, ev.TraceID, nullableStr(ev.CorrelationID), ev.EventType, ev.SourceSystem, ev.SourceID,
		ev.Timestamp, actorType, actorID, actorName, rawOrNull(ev.Payload), nullableStr(ev.Outcome), rawOrNull(ev.Metadata), ev.CreatedAt)
	if err != nil {
		return models.ExternalEvent{}, fmt.Errorf("%w: external event: %v", ErrWriteFailed, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ExternalEvent{}, fmt.Errorf("%w: commit: %v", ErrWriteFailed, err)
	}
	return ev, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
