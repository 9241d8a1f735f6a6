package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

// TraceFilter narrows a trace listing. Zero values mean "any".
type TraceFilter struct {
	CorrelationID string
	AgentID       string
	TenantID      string
	Status        string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// TraceList is one page of traces.
type TraceList struct {
	Traces []models.TraceSummary `json:"traces"`
	Total  int64                 `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// TraceDetail is the full reconstruction of one trace.
type TraceDetail struct {
	Trace    models.TraceSummary    `json:"trace"`
	Timeline []models.TimelineEvent `json:"timeline"`
	Graph    models.DecisionGraph   `json:"decision_tree"`
}

const traceColumns = `trace_id, correlation_id, tenant_id, status, started_at, last_event_at,
	       event_count, deny_count, trust_violations, min_trust_score, avg_trust_score,
	       initiating_agent_id`

// Reader serves the read side of the ledger. It only ever reads; repairs are
// not a thing the ledger does.
type Reader struct {
	DB ledgerDB
}

func scanTrace(row pgx.Row) (models.TraceSummary, error) {
	var t models.TraceSummary
	var correlation, tenant, agent *string
	if err := row.Scan(&t.TraceID, &correlation, &tenant, &t.Status, &t.StartedAt, &t.LastEventAt,
		&t.EventCount, &t.DenyCount, &t.TrustViolations, &t.MinTrustScore, &t.AvgTrustScore,
		&agent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, ErrTraceNotFound
		}
		return t, err
	}
	if correlation != nil {
		t.CorrelationID = *correlation
	}
	if tenant != nil {
		t.TenantID = *tenant
	}
	if agent != nil {
		t.InitiatingAgent = *agent
	}
	return t, nil
}

// ListTraces filters and pages trace summaries, newest activity first.
func (r *Reader) ListTraces(ctx context.Context, f TraceFilter) (TraceList, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args := []any{
		nullableStr(f.CorrelationID), nullableStr(f.AgentID), nullableStr(f.TenantID),
		nullableStr(f.Status), nullableTime(f.From), nullableTime(f.To),
	}
	const where = `
		WHERE ($1::text IS NULL OR correlation_id = $1)
		  AND ($2::text IS NULL OR initiating_agent_id = $2)
		  AND ($3::text IS NULL OR tenant_id = $3)
		  AND ($4::text IS NULL OR status = $4)
		  AND ($5::timestamptz IS NULL OR started_at >= $5)
		  AND ($6::timestamptz IS NULL OR started_at <= $6)`

	rows, err := r.DB.Query(ctx, `
		SELECT `+traceColumns+`
		FROM traces`+where+`
		ORDER BY last_event_at DESC
		LIMIT $7 OFFSET $8
	`, append(args, limit, offset)...)
	if err != nil {
		return TraceList{}, err
	}
	defer rows.Close()

	out := TraceList{Limit: limit, Offset: offset}
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return TraceList{}, err
		}
		out.Traces = append(out.Traces, t)
	}
	if err := rows.Err(); err != nil {
		return TraceList{}, err
	}

	if err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM traces`+where, args...).Scan(&out.Total); err != nil {
		return TraceList{}, err
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *Reader) GetTrace(ctx context.Context, traceID string) (models.TraceSummary, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+traceColumns+`
		FROM traces WHERE trace_id=$1
	`, traceID)
	return scanTrace(row)
}

// Lookup resolves a correlation id to its trace via the indexed column.
func (r *Reader) Lookup(ctx context.Context, correlationID string) (models.TraceSummary, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+traceColumns+`
		FROM traces WHERE correlation_id=$1
		ORDER BY started_at DESC LIMIT 1
	`, correlationID)
	return scanTrace(row)
}

// receipts loads the full sealed receipts of a trace in timestamp order.
func (r *Reader) receipts(ctx context.Context, traceID string) ([]models.Receipt, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT full_receipt FROM receipt_events
		WHERE trace_id=$1
		ORDER BY timestamp ASC, id ASC
	`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Receipt
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec models.Receipt
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Reader) externalEvents(ctx context.Context, traceID string) ([]models.ExternalEvent, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT event_id, trace_id, correlation_id, event_type, source_system, source_id,
		       timestamp, actor_type, actor_id, actor_display_name, payload, outcome, metadata, created_at
		FROM external_events
		WHERE trace_id=$1
		ORDER BY timestamp ASC
	`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ExternalEvent
	for rows.Next() {
		var ev models.ExternalEvent
		var correlation, actorType, actorID, actorName, outcome *string
		var payload, metadata []byte
		if err := rows.Scan(&ev.EventID, &ev.TraceID, &correlation, &ev.EventType, &ev.SourceSystem, &ev.SourceID,
			&ev.Timestamp, &actorType, &actorID, &actorName, &payload, &outcome, &metadata, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if correlation != nil {
			ev.CorrelationID = *correlation
		}
		if outcome != nil {
			ev.Outcome = *outcome
		}
		if actorType != nil || actorID != nil {
			ev.Actor = &models.ActorInfo{}
			if actorType != nil {
				ev.Actor.ActorType = *actorType
			}
			if actorID != nil {
				ev.Actor.ActorID = *actorID
			}
			if actorName != nil {
				ev.Actor.DisplayName = *actorName
			}
		}
		ev.Payload = payload
		ev.Metadata = metadata
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Timeline merges receipt and external events chronologically.
func (r *Reader) Timeline(ctx context.Context, traceID string) ([]models.TimelineEvent, error) {
	receipts, err := r.receipts(ctx, traceID)
	if err != nil {
		return nil, err
	}
	externals, err := r.externalEvents(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(receipts, externals), nil
}

// BuildTimeline normalizes both event families into one chronological view.
func BuildTimeline(receipts []models.Receipt, externals []models.ExternalEvent) []models.TimelineEvent {
	timeline := make([]models.TimelineEvent, 0, len(receipts)+len(externals))
	for _, rec := range receipts {
		verdict := "Denied"
		if rec.Policy.Allowed {
			verdict = "Allowed"
		}
		reason := ""
		switch {
		case !rec.Policy.Allowed:
			reason = "Policy denied"
		case !rec.Identity.Valid:
			reason = "Identity invalid"
		}
		details, _ := json.Marshal(rec)
		timeline = append(timeline, models.TimelineEvent{
			EventID:      rec.ReceiptID,
			Timestamp:    rec.Timestamp,
			EventType:    rec.EventType,
			SourceSystem: rec.EventSource.System,
			SourceName:   rec.EventSource.Service,
			AgentID:      rec.AgentID,
			Summary:      fmt.Sprintf("%s %s - %s", orUnknown(rec.Request.Method), orUnknown(rec.Request.Path), verdict),
			Success:      rec.Policy.Allowed && rec.Identity.Valid,
			Reason:       reason,
			Details:      details,
		})
	}
	for _, ev := range externals {
		actor := "System"
		if ev.Actor != nil {
			if ev.Actor.DisplayName != "" {
				actor = ev.Actor.DisplayName
			} else if ev.Actor.ActorID != "" {
				actor = ev.Actor.ActorID
			}
		}
		agentID := ""
		if ev.Actor != nil {
			agentID = ev.Actor.ActorID
		}
		timeline = append(timeline, models.TimelineEvent{
			EventID:      ev.EventID,
			Timestamp:    ev.Timestamp,
			EventType:    ev.EventType,
			SourceSystem: ev.SourceSystem,
			SourceName:   ev.SourceID,
			AgentID:      agentID,
			Summary:      fmt.Sprintf("%s by %s (%s)", ev.EventType, actor, ev.SourceSystem),
			Success:      true,
			Details:      ev.Payload,
		})
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})
	return timeline
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}

// DecisionGraph rebuilds the identity/policy/action graph from a trace's
// receipts. Always derived, never stored.
func (r *Reader) DecisionGraph(ctx context.Context, traceID string) (models.DecisionGraph, error) {
	receipts, err := r.receipts(ctx, traceID)
	if err != nil {
		return models.DecisionGraph{}, err
	}
	return BuildDecisionGraph(receipts), nil
}

func BuildDecisionGraph(receipts []models.Receipt) models.DecisionGraph {
	g := models.DecisionGraph{
		Nodes: make([]models.DecisionNode, 0, len(receipts)*3),
		Edges: make([]models.DecisionEdge, 0, len(receipts)*3),
	}
	for i, rec := range receipts {
		identityID := fmt.Sprintf("identity-%d", i)
		policyID := fmt.Sprintf("policy-%d", i)
		actionID := fmt.Sprintf("action-%d", i)

		identityDetails, _ := json.Marshal(map[string]any{
			"agent_id":     rec.AgentID,
			"valid":        rec.Identity.Valid,
			"developer_id": rec.Identity.DeveloperID,
			"tenant_id":    rec.Identity.TenantID,
		})
		g.Nodes = append(g.Nodes, models.DecisionNode{
			ID:        identityID,
			NodeType:  models.NodeIdentity,
			Label:     "Identity: " + orUnknownAgent(rec.AgentID),
			Outcome:   rec.Identity.Valid,
			Timestamp: rec.Timestamp,
			Details:   identityDetails,
		})

		policyDetails, _ := json.Marshal(map[string]any{
			"allowed":       rec.Policy.Allowed,
			"version":       rec.Policy.PolicyVersion,
			"evaluation_ms": rec.Policy.EvaluationMS,
			"trust_action":  rec.Policy.TrustAction,
			"reasons":       rec.Policy.Reasons,
		})
		policyVersion := rec.Policy.PolicyVersion
		if policyVersion == "" {
			policyVersion = "v1"
		}
		g.Nodes = append(g.Nodes, models.DecisionNode{
			ID:        policyID,
			NodeType:  models.NodePolicy,
			Label:     "Policy: " + policyVersion,
			Outcome:   rec.Policy.Allowed,
			Timestamp: rec.Timestamp,
			Details:   policyDetails,
		})

		actionDetails, _ := json.Marshal(map[string]any{
			"method":    rec.Request.Method,
			"path":      rec.Request.Path,
			"body_hash": rec.Request.BodyHash,
		})
		g.Nodes = append(g.Nodes, models.DecisionNode{
			ID:        actionID,
			NodeType:  models.NodeAction,
			Label:     fmt.Sprintf("%s %s", orUnknown(rec.Request.Method), orUnknown(rec.Request.Path)),
			Outcome:   rec.Identity.Valid && rec.Policy.Allowed,
			Timestamp: rec.Timestamp,
			Details:   actionDetails,
		})

		identityLabel := "invalid"
		if rec.Identity.Valid {
			identityLabel = "valid"
		}
		policyLabel := "denied"
		if rec.Policy.Allowed {
			policyLabel = "allowed"
		}
		g.Edges = append(g.Edges,
			models.DecisionEdge{From: identityID, To: policyID, Label: identityLabel},
			models.DecisionEdge{From: policyID, To: actionID, Label: policyLabel},
		)
		if i > 0 {
			g.Edges = append(g.Edges, models.DecisionEdge{
				From:  fmt.Sprintf("action-%d", i-1),
				To:    identityID,
				Label: "next",
			})
		}
	}
	return g
}

func orUnknownAgent(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Detail assembles the summary, timeline and decision graph for one trace.
func (r *Reader) Detail(ctx context.Context, traceID string) (TraceDetail, error) {
	trace, err := r.GetTrace(ctx, traceID)
	if err != nil {
		return TraceDetail{}, err
	}
	timeline, err := r.Timeline(ctx, traceID)
	if err != nil {
		return TraceDetail{}, err
	}
	graph, err := r.DecisionGraph(ctx, traceID)
	if err != nil {
		return TraceDetail{}, err
	}
	return TraceDetail{Trace: trace, Timeline: timeline, Graph: graph}, nil
}
