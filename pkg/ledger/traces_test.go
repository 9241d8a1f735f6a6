package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	s := &Store{}
	for _, status := range []string{"", "active", "done", "ACTIVE"} {
		if err := s.SetStatus(context.Background(), "trace-1", status); !errors.Is(err, ErrBadStatus) {
			t.Fatalf("status %q: expected ErrBadStatus, got %v", status, err)
		}
	}
}
