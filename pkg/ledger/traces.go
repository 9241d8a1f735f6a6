package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

// traceDelta is the contribution of a single event to its trace rollup.
type traceDelta struct {
	TraceID        string
	CorrelationID  string
	TenantID       string
	At             time.Time
	AgentID        string
	Denied         bool
	TrustViolation bool
	TrustScore     *float64
}

// upsertTraceSQL folds one event into its trace in a single statement, so
// concurrent writers of different chains observe linearizable counters.
// avg_trust_score is the running mean over events that carried a score;
// trust_event_count tracks that denominator.
const upsertTraceSQL = `
	INSERT INTO traces
	(trace_id, correlation_id, tenant_id, status, started_at, last_event_at,
	 event_count, deny_count, trust_violations, min_trust_score, avg_trust_score,
	 trust_event_count, initiating_agent_id)
	VALUES ($1,$2,$3,'active',$4,$4,1,$5,$6,$7,$7,
	        CASE WHEN $7::float8 IS NULL THEN 0 ELSE 1 END,$8)
	ON CONFLICT (trace_id) DO UPDATE SET
	 event_count       = traces.event_count + 1,
	 deny_count        = traces.deny_count + $5,
	 trust_violations  = traces.trust_violations + $6,
	 last_event_at     = GREATEST(traces.last_event_at, $4),
	 correlation_id    = COALESCE(traces.correlation_id, $2),
	 tenant_id         = COALESCE(traces.tenant_id, $3),
	 initiating_agent_id = COALESCE(traces.initiating_agent_id, $8),
	 min_trust_score   = LEAST(COALESCE(traces.min_trust_score, $7), COALESCE($7, traces.min_trust_score)),
	 avg_trust_score   = CASE WHEN $7::float8 IS NULL THEN traces.avg_trust_score
	                     ELSE (COALESCE(traces.avg_trust_score, 0) * traces.trust_event_count + $7)
	                          / (traces.trust_event_count + 1) END,
	 trust_event_count = traces.trust_event_count + CASE WHEN $7::float8 IS NULL THEN 0 ELSE 1 END
`

// resolveTraceTx picks the trace an event belongs to. Events naming no trace
// join the most recent trace of their correlation id; a correlation id seen
// for the first time starts a new trace. Runs inside the append transaction
// so the lookup and the rollup agree.
func resolveTraceTx(ctx context.Context, tx pgx.Tx, traceID, correlationID string) (string, error) {
	if traceID != "" {
		return traceID, nil
	}
	if correlationID != "" {
		var existing string
		err := tx.QueryRow(ctx, `
			SELECT trace_id FROM traces WHERE correlation_id=$1
			ORDER BY started_at DESC LIMIT 1
		`, correlationID).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}
	}
	return uuid.NewString(), nil
}

func upsertTraceTx(ctx context.Context, tx pgx.Tx, d traceDelta) error {
	deny := 0
	if d.Denied {
		deny = 1
	}
	violation := 0
	if d.TrustViolation {
		violation = 1
	}
	_, err := tx.Exec(ctx, upsertTraceSQL,
		d.TraceID, nullableStr(d.CorrelationID), nullableStr(d.TenantID), d.At,
		deny, violation, d.TrustScore, nullableStr(d.AgentID))
	return err
}

// SetStatus applies the external lifecycle signal. Only active traces can
// move, and only to completed or failed.
func (s *Store) SetStatus(ctx context.Context, traceID, status string) error {
	if status != models.TraceCompleted && status != models.TraceFailed {
		return ErrBadStatus
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE traces SET status=$2, last_event_at=GREATEST(last_event_at, $3)
		WHERE trace_id=$1 AND status=$4
	`, traceID, status, time.Now().UTC(), models.TraceActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM traces WHERE trace_id=$1)`, traceID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTraceNotFound
		}
		return ErrBadStatus
	}
	return nil
}
