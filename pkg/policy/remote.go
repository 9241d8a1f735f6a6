package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/samlawlis45/pathwellconnect/pkg/httpx"
)

// RemoteEvaluator speaks the /v2/evaluate contract of a standalone rule
// runtime. Any transport or decode failure is returned as ErrUnavailable so
// the gate fails closed.
type RemoteEvaluator struct {
	Client     *http.Client
	BaseURL    string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func (r *RemoteEvaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: encode input: %v", ErrUnavailable, err)
	}
	headers := map[string]string{}
	if r.AuthHeader != "" && r.AuthToken != "" {
		headers[r.AuthHeader] = r.AuthToken
	}
	status, respBody, err := httpx.RequestJSON(ctx, r.Client, http.MethodPost, r.BaseURL+"/v2/evaluate", body, headers, r.Retries, r.RetryDelay)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status != http.StatusOK {
		return Decision{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var d Decision
	if err := json.Unmarshal(respBody, &d); err != nil {
		return Decision{}, fmt.Errorf("%w: decode decision: %v", ErrUnavailable, err)
	}
	return d, nil
}
