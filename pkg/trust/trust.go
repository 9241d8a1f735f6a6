package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

var (
	ErrNotFound     = errors.New("trust score not found")
	ErrExists       = errors.New("trust score already exists")
	ErrBadDimension = errors.New("unknown trust dimension")
)

type trustDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store keeps one trust score per (entity_type, entity_id) with an
// append-only history of prior values.
type Store struct {
	DB trustDB
}

const calculationVersion = "v1.0.0"

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *Store) Get(ctx context.Context, entityType, entityID string) (models.TrustScore, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT entity_type, entity_id, composite_score, confidence_level,
		       dimension_scores, calculation_version, minimum_threshold,
		       threshold_action, last_calculated_at
		FROM trust_scores
		WHERE entity_type=$1 AND entity_id=$2
	`, entityType, entityID)
	return scanScore(row)
}

func scanScore(row pgx.Row) (models.TrustScore, error) {
	var ts models.TrustScore
	var dims []byte
	var action *string
	if err := row.Scan(&ts.EntityType, &ts.EntityID, &ts.CompositeScore, &ts.ConfidenceLevel,
		&dims, &ts.CalculationVersion, &ts.MinimumThreshold, &action, &ts.LastCalculatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ts, ErrNotFound
		}
		return ts, err
	}
	if action != nil {
		ts.ThresholdAction = *action
	}
	if err := json.Unmarshal(dims, &ts.Dimensions); err != nil {
		ts.Dimensions = models.DefaultTrustDimensions()
	}
	return ts, nil
}

// Create seeds a trust score. Missing dimensions default to the neutral 0.5.
func (s *Store) Create(ctx context.Context, entityType, entityID string, initial *models.TrustDimensions, minimumThreshold *float64, thresholdAction string) (models.TrustScore, error) {
	if _, err := s.Get(ctx, entityType, entityID); err == nil {
		return models.TrustScore{}, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return models.TrustScore{}, err
	}

	dims := models.DefaultTrustDimensions()
	if initial != nil {
		dims = *initial
	}
	dims.Behavior = clamp01(dims.Behavior)
	dims.Validation = clamp01(dims.Validation)
	dims.Provenance = clamp01(dims.Provenance)
	dims.Alignment = clamp01(dims.Alignment)
	dims.Reputation = clamp01(dims.Reputation)

	now := time.Now().UTC()
	ts := models.TrustScore{
		EntityType:         entityType,
		EntityID:           entityID,
		CompositeScore:     dims.Composite(),
		ConfidenceLevel:    0.5,
		Dimensions:         dims,
		CalculationVersion: calculationVersion,
		MinimumThreshold:   minimumThreshold,
		ThresholdAction:    thresholdAction,
		LastCalculatedAt:   now,
	}
	dimJSON, err := json.Marshal(dims)
	if err != nil {
		return models.TrustScore{}, err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO trust_scores
		(id, entity_type, entity_id, composite_score, confidence_level,
		 dimension_scores, calculation_version, minimum_threshold, threshold_action,
		 last_calculated_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10,$10)
	`, uuid.NewString(), entityType, entityID, ts.CompositeScore, ts.ConfidenceLevel,
		dimJSON, calculationVersion, minimumThreshold, nullableString(thresholdAction), now)
	if err != nil {
		return models.TrustScore{}, err
	}
	return ts, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ApplyDelta shifts a single dimension, clamps it to [0,1] and recomputes the
// composite. The prior value is written to history first; the history insert
// is best effort and never blocks the score update.
func (s *Store) ApplyDelta(ctx context.Context, entityType, entityID, dimension string, delta float64, reason, eventID string) (models.TrustScore, error) {
	current, err := s.Get(ctx, entityType, entityID)
	if err != nil {
		return models.TrustScore{}, err
	}

	dims := current.Dimensions
	switch strings.ToLower(dimension) {
	case "behavior":
		dims.Behavior = clamp01(dims.Behavior + delta)
	case "validation":
		dims.Validation = clamp01(dims.Validation + delta)
	case "provenance":
		dims.Provenance = clamp01(dims.Provenance + delta)
	case "alignment":
		dims.Alignment = clamp01(dims.Alignment + delta)
	case "reputation":
		dims.Reputation = clamp01(dims.Reputation + delta)
	default:
		return models.TrustScore{}, fmt.Errorf("%w: %s", ErrBadDimension, dimension)
	}

	now := time.Now().UTC()
	prevDims, _ := json.Marshal(current.Dimensions)
	_, _ = s.DB.Exec(ctx, `
		INSERT INTO trust_score_history
		(id, entity_type, entity_id, composite_score, dimension_scores,
		 change_reason, change_event_id, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, uuid.NewString(), entityType, entityID, current.CompositeScore, prevDims,
		nullableString(reason), nullableString(eventID), now)

	newDims, err := json.Marshal(dims)
	if err != nil {
		return models.TrustScore{}, err
	}
	composite := dims.Composite()
	_, err = s.DB.Exec(ctx, `
		UPDATE trust_scores
		SET composite_score=$3, dimension_scores=$4, last_calculated_at=$5, updated_at=$5
		WHERE entity_type=$1 AND entity_id=$2
	`, entityType, entityID, composite, newDims, now)
	if err != nil {
		return models.TrustScore{}, err
	}

	current.CompositeScore = composite
	current.Dimensions = dims
	current.LastCalculatedAt = now
	return current, nil
}

// History returns the most recent snapshots, newest first, capped at 100.
func (s *Store) History(ctx context.Context, entityType, entityID string) ([]models.TrustHistoryEntry, error) {
	if _, err := s.Get(ctx, entityType, entityID); err != nil {
		return nil, err
	}
	rows, err := s.DB.Query(ctx, `
		SELECT composite_score, dimension_scores, change_reason, change_event_id, recorded_at
		FROM trust_score_history
		WHERE entity_type=$1 AND entity_id=$2
		ORDER BY recorded_at DESC
		LIMIT 100
	`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TrustHistoryEntry
	for rows.Next() {
		var e models.TrustHistoryEntry
		var dims []byte
		var reason, eventID *string
		if err := rows.Scan(&e.CompositeScore, &dims, &reason, &eventID, &e.RecordedAt); err != nil {
			return nil, err
		}
		if reason != nil {
			e.ChangeReason = *reason
		}
		if eventID != nil {
			e.ChangeEventID = *eventID
		}
		_ = json.Unmarshal(dims, &e.Dimensions)
		out = append(out, e)
	}
	return out, rows.Err()
}
