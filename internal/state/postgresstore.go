package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dialer/internal/domain"
)

// PostgresStore persists snapshots as JSONB documents, one table per
// collection, replaced inside a single transaction per save.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an existing sqlx handle and ensures the schema.
func NewPostgresStore(ctx context.Context, db *sqlx.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS dialer_retry_states (
			target_key TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS dialer_resources (
			resource_id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS dialer_affinities (
			target_key TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (target_key, resource_id)
		)`,
		`CREATE TABLE IF NOT EXISTS dialer_admissions (
			day TEXT NOT NULL,
			target_key TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (day, target_key)
		)`,
		`CREATE TABLE IF NOT EXISTS dialer_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: ensure schema: %w", err)
		}
	}
	return nil
}

// Save replaces every collection inside one transaction.
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := replaceRetryStates(ctx, tx, snap.RetryStates); err != nil {
			return err
		}
		if err := replaceResources(ctx, tx, snap.Resources); err != nil {
			return err
		}
		if err := replaceAffinities(ctx, tx, snap.Affinities); err != nil {
			return err
		}
		if err := replaceAdmissions(ctx, tx, snap.Admissions); err != nil {
			return err
		}

		savedAt := snap.SavedAt.UTC().Format(time.RFC3339Nano)
		_, err := tx.ExecContext(ctx, `INSERT INTO dialer_meta (key, value) VALUES ('saved_at', $1)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, savedAt)
		if err != nil {
			return fmt.Errorf("postgres store: save meta: %w", err)
		}
		return nil
	})
}

func replaceRetryStates(ctx context.Context, tx *sqlx.Tx, states []domain.RetryState) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dialer_retry_states`); err != nil {
		return fmt.Errorf("postgres store: clear retry states: %w", err)
	}
	for _, state := range states {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("postgres store: marshal retry state: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dialer_retry_states (target_key, data, updated_at) VALUES ($1, $2, $3)`,
			state.Target.Key, data, state.UpdatedAt); err != nil {
			return fmt.Errorf("postgres store: insert retry state: %w", err)
		}
	}
	return nil
}

func replaceResources(ctx context.Context, tx *sqlx.Tx, records []domain.ResourceRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dialer_resources`); err != nil {
		return fmt.Errorf("postgres store: clear resources: %w", err)
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("postgres store: marshal resource: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dialer_resources (resource_id, data) VALUES ($1, $2)`,
			rec.Resource.ID, data); err != nil {
			return fmt.Errorf("postgres store: insert resource: %w", err)
		}
	}
	return nil
}

func replaceAffinities(ctx context.Context, tx *sqlx.Tx, affinities []domain.AffinityRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dialer_affinities`); err != nil {
		return fmt.Errorf("postgres store: clear affinities: %w", err)
	}
	for _, aff := range affinities {
		data, err := json.Marshal(aff)
		if err != nil {
			return fmt.Errorf("postgres store: marshal affinity: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dialer_affinities (target_key, resource_id, data) VALUES ($1, $2, $3)`,
			aff.TargetKey, aff.ResourceID, data); err != nil {
			return fmt.Errorf("postgres store: insert affinity: %w", err)
		}
	}
	return nil
}

func replaceAdmissions(ctx context.Context, tx *sqlx.Tx, records []domain.AdmissionRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dialer_admissions`); err != nil {
		return fmt.Errorf("postgres store: clear admissions: %w", err)
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("postgres store: marshal admission: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dialer_admissions (day, target_key, data) VALUES ($1, $2, $3)`,
			rec.Day, rec.TargetKey, data); err != nil {
			return fmt.Errorf("postgres store: insert admission: %w", err)
		}
	}
	return nil
}

// Load reads every collection back into a snapshot.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := new(Snapshot)

	if err := loadDocs(ctx, s.db, `SELECT data FROM dialer_retry_states`, func(data []byte) error {
		var state domain.RetryState
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		snap.RetryStates = append(snap.RetryStates, state)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadDocs(ctx, s.db, `SELECT data FROM dialer_resources`, func(data []byte) error {
		var rec domain.ResourceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		snap.Resources = append(snap.Resources, rec)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadDocs(ctx, s.db, `SELECT data FROM dialer_affinities`, func(data []byte) error {
		var aff domain.AffinityRecord
		if err := json.Unmarshal(data, &aff); err != nil {
			return err
		}
		snap.Affinities = append(snap.Affinities, aff)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadDocs(ctx, s.db, `SELECT data FROM dialer_admissions`, func(data []byte) error {
		var rec domain.AdmissionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		snap.Admissions = append(snap.Admissions, rec)
		return nil
	}); err != nil {
		return nil, err
	}

	var savedAt string
	err := s.db.GetContext(ctx, &savedAt, `SELECT value FROM dialer_meta WHERE key = 'saved_at'`)
	if err == nil {
		if parsed, perr := time.Parse(time.RFC3339Nano, savedAt); perr == nil {
			snap.SavedAt = parsed
		}
	}

	return snap, nil
}

func loadDocs(ctx context.Context, db *sqlx.DB, query string, each func(data []byte) error) error {
	rows, err := db.QueryxContext(ctx, query)
	if err != nil {
		return fmt.Errorf("postgres store: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("postgres store: scan: %w", err)
		}
		if err := each(data); err != nil {
			return fmt.Errorf("postgres store: decode: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres store: rows: %w", err)
	}
	return nil
}

// Close is a no-op; the shared sqlx handle is owned by the container.
func (s *PostgresStore) Close() error { return nil }

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}
