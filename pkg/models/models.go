package models

import (
	"encoding/json"
	"time"
)

// Event types recorded in the ledger.
const (
	EventGatewayRequest     = "gateway_request"
	EventPolicyEvaluation   = "policy_evaluation"
	EventIdentityValidation = "identity_validation"
	EventExternal           = "external_event"
	EventHumanAction        = "human_action"
)

// Trace lifecycle states. Transitions out of active are driven by an
// external signal, never inferred from ledger contents.
const (
	TraceActive    = "active"
	TraceCompleted = "completed"
	TraceFailed    = "failed"
)

// Trust actions reported by the adjudicator alongside the allow decision.
const (
	TrustActionNone   = "none"
	TrustActionPassed = "passed"
	TrustActionWarn   = "warn"
	TrustActionBlock  = "block"
)

// Tenant governance scopes.
const (
	ScopeInherit  = "inherit"
	ScopeOverride = "override"
	ScopeMerge    = "merge"
)

// EventSource identifies the system that produced an event.
type EventSource struct {
	System  string `json:"system"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// RequestInfo is the shape of the intercepted call.
type RequestInfo struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Headers  map[string]string `json:"headers,omitempty"`
	BodyHash string            `json:"body_hash,omitempty"`
}

// PolicyOutcome records what the adjudicator decided and why.
type PolicyOutcome struct {
	Allowed            bool     `json:"allowed"`
	PolicyVersion      string   `json:"policy_version"`
	EvaluationMS       int64    `json:"evaluation_ms"`
	Reasons            []string `json:"reasons,omitempty"`
	TrustAction        string   `json:"trust_action,omitempty"`
	AppliedThreshold   float64  `json:"applied_threshold,omitempty"`
	AppliedTenantScope string   `json:"applied_tenant_scope,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
}

// IdentityOutcome records the Identity Oracle result folded into the receipt.
type IdentityOutcome struct {
	Valid       bool    `json:"valid"`
	Revoked     bool    `json:"revoked"`
	DeveloperID string  `json:"developer_id,omitempty"`
	TenantID    string  `json:"tenant_id,omitempty"`
	TrustScore  float64 `json:"trust_score,omitempty"`
	HasTrust    bool    `json:"has_trust,omitempty"`
}

// Receipt is one adjudication outcome, hash-chained into its tenant's chain.
// Created exactly once per adjudicated request; never mutated or deleted.
type Receipt struct {
	ReceiptID     string          `json:"receipt_id"`
	TraceID       string          `json:"trace_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SpanID        string          `json:"span_id"`
	ParentSpanID  string          `json:"parent_span_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	AgentID       string          `json:"agent_id"`
	TenantID      string          `json:"tenant_id,omitempty"`
	EventType     string          `json:"event_type"`
	EventSource   EventSource     `json:"event_source"`
	Request       RequestInfo     `json:"request"`
	Policy        PolicyOutcome   `json:"policy_result"`
	Identity      IdentityOutcome `json:"identity_result"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	ReceiptHash   string          `json:"receipt_hash"`
	PreviousHash  string          `json:"previous_receipt_hash"`
}

// ActorInfo identifies who performed an external action.
type ActorInfo struct {
	ActorType   string `json:"actor_type"`
	ActorID     string `json:"actor_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ExternalEvent is an event reported by a collaborating enterprise system.
// It is ingested, not adjudicated, and immutable once stored.
type ExternalEvent struct {
	EventID       string          `json:"event_id"`
	TraceID       string          `json:"trace_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EventType     string          `json:"event_type"`
	SourceSystem  string          `json:"source_system"`
	SourceID      string          `json:"source_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         *ActorInfo      `json:"actor,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Outcome       string          `json:"outcome,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TraceSummary is the incrementally maintained rollup for one correlation id.
type TraceSummary struct {
	TraceID         string    `json:"trace_id"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastEventAt     time.Time `json:"last_event_at"`
	EventCount      int64     `json:"event_count"`
	DenyCount       int64     `json:"deny_count"`
	TrustViolations int64     `json:"trust_violations"`
	MinTrustScore   *float64  `json:"min_trust_score,omitempty"`
	AvgTrustScore   *float64  `json:"avg_trust_score,omitempty"`
	InitiatingAgent string    `json:"initiating_agent_id,omitempty"`
	TenantID        string    `json:"tenant_id,omitempty"`
}

// TimelineEvent is the normalized read-only projection of one ledger event.
type TimelineEvent struct {
	EventID      string          `json:"event_id"`
	Timestamp    time.Time       `json:"timestamp"`
	EventType    string          `json:"event_type"`
	SourceSystem string          `json:"source_system"`
	SourceName   string          `json:"source"`
	AgentID      string          `json:"agent_id,omitempty"`
	Summary      string          `json:"summary"`
	Success      bool            `json:"success"`
	Reason       string          `json:"reason,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// Decision graph node types.
const (
	NodeIdentity = "identity"
	NodePolicy   = "policy"
	NodeAction   = "action"
)

type DecisionNode struct {
	ID        string          `json:"id"`
	NodeType  string          `json:"node_type"`
	Label     string          `json:"label"`
	Outcome   bool            `json:"outcome"`
	Timestamp time.Time       `json:"timestamp"`
	Details   json.RawMessage `json:"details,omitempty"`
}

type DecisionEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// DecisionGraph is recomputed on read from a trace's receipts.
type DecisionGraph struct {
	Nodes []DecisionNode `json:"nodes"`
	Edges []DecisionEdge `json:"edges"`
}

// TrustDimensions are the five component scores of a trust score.
type TrustDimensions struct {
	Behavior   float64 `json:"behavior"`
	Validation float64 `json:"validation"`
	Provenance float64 `json:"provenance"`
	Alignment  float64 `json:"alignment"`
	Reputation float64 `json:"reputation"`
}

// Composite is the equal-weight mean of the five dimensions.
func (d TrustDimensions) Composite() float64 {
	return (d.Behavior + d.Validation + d.Provenance + d.Alignment + d.Reputation) / 5.0
}

// DefaultTrustDimensions seeds every dimension at the neutral midpoint.
func DefaultTrustDimensions() TrustDimensions {
	return TrustDimensions{Behavior: 0.5, Validation: 0.5, Provenance: 0.5, Alignment: 0.5, Reputation: 0.5}
}

// TrustScore is the composite trust state of one entity.
type TrustScore struct {
	EntityType         string          `json:"entity_type"`
	EntityID           string          `json:"entity_id"`
	CompositeScore     float64         `json:"composite_score"`
	ConfidenceLevel    float64         `json:"confidence_level"`
	Dimensions         TrustDimensions `json:"dimensions"`
	CalculationVersion string          `json:"calculation_version"`
	MinimumThreshold   *float64        `json:"minimum_threshold,omitempty"`
	ThresholdAction    string          `json:"threshold_action,omitempty"`
	LastCalculatedAt   time.Time       `json:"last_calculated_at"`
}

// TrustHistoryEntry is one append-only snapshot of a trust score before a change.
type TrustHistoryEntry struct {
	CompositeScore float64         `json:"composite_score"`
	Dimensions     TrustDimensions `json:"dimension_scores"`
	ChangeReason   string          `json:"change_reason,omitempty"`
	ChangeEventID  string          `json:"change_event_id,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// Tenant is a node in the strict governance tree.
type Tenant struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	TenantType     string    `json:"tenant_type"`
	DisplayName    string    `json:"display_name,omitempty"`
	ParentTenantID string    `json:"parent_tenant_id,omitempty"`
	RootTenantID   string    `json:"root_tenant_id"`
	HierarchyPath  []string  `json:"hierarchy_path"`
	HierarchyDepth int       `json:"hierarchy_depth"`
	Governance     TenantGov `json:"governance_config"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	DeactivatedAt  *time.Time `json:"deactivated_at,omitempty"`
}

// TenantGov is a tenant's governance configuration.
type TenantGov struct {
	PolicyScope            string   `json:"policy_scope"`
	CustomPolicies         []string `json:"custom_policies,omitempty"`
	TrustThresholdOverride *float64 `json:"trust_threshold_override,omitempty"`
}

// TenantContext is the governance context resolved for adjudication.
type TenantContext struct {
	TenantID          string   `json:"tenant_id"`
	Scope             string   `json:"scope"`
	ThresholdOverride *float64 `json:"threshold_override,omitempty"`
	CustomPolicies    []string `json:"custom_policies,omitempty"`
	HierarchyPath     []string `json:"hierarchy_path,omitempty"`
}
