package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/samlawlis45/pathwellconnect/pkg/httpx"
	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

var (
	// ErrUnavailable marks transport failures and timeouts talking to the
	// oracle. Callers treat it as a deny, never as an allow.
	ErrUnavailable = errors.New("identity oracle unavailable")
	// ErrInvalid marks requests the oracle cannot answer (unknown or
	// malformed agent id).
	ErrInvalid = errors.New("invalid agent identity")
)

// Validation is the oracle's answer for a single agent.
type Validation struct {
	Valid       bool                  `json:"valid"`
	Revoked     bool                  `json:"revoked"`
	AgentID     string                `json:"agent_id"`
	DeveloperID string                `json:"developer_id,omitempty"`
	TenantID    string                `json:"tenant_id,omitempty"`
	Trust       *models.TrustScore    `json:"trust_score,omitempty"`
	Tenant      *models.TenantContext `json:"tenant_context,omitempty"`
}

// Oracle answers identity questions for the gate.
type Oracle interface {
	Validate(ctx context.Context, agentID string) (Validation, error)
}

// Client talks to a registry over HTTP.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 3 * time.Second},
		Timeout:    3 * time.Second,
		RetryDelay: 100 * time.Millisecond,
	}
}

func (c *Client) Validate(ctx context.Context, agentID string) (Validation, error) {
	if agentID == "" {
		return Validation{}, ErrInvalid
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	target := fmt.Sprintf("%s/v1/agents/%s/validate", c.BaseURL, url.PathEscape(agentID))
	status, body, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodGet, target, nil, nil, c.Retries, c.RetryDelay)
	if err != nil {
		return Validation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status == http.StatusNotFound {
		return Validation{Valid: false, AgentID: agentID}, nil
	}
	if status != http.StatusOK {
		return Validation{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var v Validation
	if err := json.Unmarshal(body, &v); err != nil {
		return Validation{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return v, nil
}
