package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

// AttemptStore keeps the append-only dispatch attempt log in Scylla,
// partitioned by target and day bucket so a target's history for a day is a
// single partition read.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// EnsureSchema creates the attempts table if it does not exist.
func (s *AttemptStore) EnsureSchema(ctx context.Context) error {
	if err := s.session.Query(`CREATE TABLE IF NOT EXISTS attempts_by_target (
		target_key TEXT,
		bucket TIMESTAMP,
		started_at TIMESTAMP,
		attempt_id TEXT,
		resource_id TEXT,
		outcome TEXT,
		duration_ms BIGINT,
		PRIMARY KEY ((target_key, bucket), started_at, attempt_id)
	) WITH CLUSTERING ORDER BY (started_at DESC)`).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: ensure schema: %w", err)
	}
	return nil
}

// Append inserts one attempt record.
func (s *AttemptStore) Append(ctx context.Context, record domain.AttemptRecord) error {
	bucket := bucketDate(record.StartedAt)
	durationMs := int64(record.Duration / time.Millisecond)
	if err := s.session.Query(`INSERT INTO attempts_by_target (target_key, bucket, started_at, attempt_id, resource_id, outcome, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.TargetKey, bucket, record.StartedAt, record.ID.String(), record.ResourceID, string(record.Outcome), durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert attempt: %w", err)
	}
	return nil
}

// ListByTargetDay returns a target's attempts for the day containing at,
// newest first.
func (s *AttemptStore) ListByTargetDay(ctx context.Context, targetKey string, at time.Time) ([]domain.AttemptRecord, error) {
	iter := s.session.Query(`SELECT started_at, attempt_id, resource_id, outcome, duration_ms
		FROM attempts_by_target WHERE target_key = ? AND bucket = ?`,
		targetKey, bucketDate(at),
	).WithContext(ctx).Iter()

	var (
		startedAt  time.Time
		idStr      string
		resourceID string
		outcome    string
		durationMs int64
	)

	var records []domain.AttemptRecord
	for iter.Scan(&startedAt, &idStr, &resourceID, &outcome, &durationMs) {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		records = append(records, domain.AttemptRecord{
			ID:         id,
			TargetKey:  targetKey,
			ResourceID: resourceID,
			StartedAt:  startedAt,
			Outcome:    domain.Outcome(outcome),
			Duration:   time.Duration(durationMs) * time.Millisecond,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: iter close: %w", err)
	}
	return records, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
