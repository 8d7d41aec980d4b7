package state

import (
	"context"
	"time"

	"github.com/acme/outbound-dialer/internal/domain"
)

// Snapshot is the full durable image of the scheduling core. In-memory state
// stays authoritative; snapshots are the crash-recovery image.
type Snapshot struct {
	RetryStates []domain.RetryState      `json:"retry_states"`
	Resources   []domain.ResourceRecord  `json:"resources"`
	Affinities  []domain.AffinityRecord  `json:"affinities"`
	Admissions  []domain.AdmissionRecord `json:"admissions"`
	SavedAt     time.Time                `json:"saved_at"`
}

// Store persists snapshots with atomic replace semantics: a crash mid-save
// must leave the previous snapshot intact.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

// AttemptHistory is the append-only log of dispatch attempts, kept outside
// the snapshot because it only serves observability and resource stats.
type AttemptHistory interface {
	Append(ctx context.Context, record domain.AttemptRecord) error
}

// AttemptLister is the optional read side of an attempt history backend,
// serving per-target day lookups for the ops API.
type AttemptLister interface {
	ListByTargetDay(ctx context.Context, targetKey string, at time.Time) ([]domain.AttemptRecord, error)
}

// NopHistory discards attempt records; used when no history backend is
// configured.
type NopHistory struct{}

func (NopHistory) Append(context.Context, domain.AttemptRecord) error { return nil }
