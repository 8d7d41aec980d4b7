package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/acme/outbound-dialer/internal/domain"
)

var (
	bucketRetryStates = []byte("retry_states")
	bucketResources   = []byte("resources")
	bucketAffinities  = []byte("affinities")
	bucketAdmissions  = []byte("admissions")
	bucketMeta        = []byte("meta")

	keySavedAt = []byte("saved_at")
)

// BoltStore persists snapshots in a bbolt database, one bucket per
// collection. Bolt transactions give the atomic-replace guarantee: a save is
// a single read-write transaction that clears and refills each bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt store: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRetryStates, bucketResources, bucketAffinities, bucketAdmissions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt store: ensure buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Save replaces every collection inside one transaction.
func (s *BoltStore) Save(_ context.Context, snap *Snapshot) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := replaceBucket(tx, bucketRetryStates, len(snap.RetryStates), func(put putFunc) error {
			for _, state := range snap.RetryStates {
				if err := put([]byte(state.Target.Key), state); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := replaceBucket(tx, bucketResources, len(snap.Resources), func(put putFunc) error {
			for _, rec := range snap.Resources {
				if err := put([]byte(rec.Resource.ID), rec); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := replaceBucket(tx, bucketAffinities, len(snap.Affinities), func(put putFunc) error {
			for _, aff := range snap.Affinities {
				if err := put(affinityKey(aff), aff); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := replaceBucket(tx, bucketAdmissions, len(snap.Admissions), func(put putFunc) error {
			for _, rec := range snap.Admissions {
				if err := put(admissionKey(rec), rec); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		savedAt, err := snap.SavedAt.MarshalText()
		if err != nil {
			return err
		}
		return meta.Put(keySavedAt, savedAt)
	})
	if err != nil {
		return fmt.Errorf("bolt store: save: %w", err)
	}
	return nil
}

// Load reads every collection back into a snapshot.
func (s *BoltStore) Load(_ context.Context) (*Snapshot, error) {
	snap := new(Snapshot)
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := readBucket(tx, bucketRetryStates, func(v []byte) error {
			var state domain.RetryState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			snap.RetryStates = append(snap.RetryStates, state)
			return nil
		}); err != nil {
			return err
		}

		if err := readBucket(tx, bucketResources, func(v []byte) error {
			var rec domain.ResourceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			snap.Resources = append(snap.Resources, rec)
			return nil
		}); err != nil {
			return err
		}

		if err := readBucket(tx, bucketAffinities, func(v []byte) error {
			var aff domain.AffinityRecord
			if err := json.Unmarshal(v, &aff); err != nil {
				return err
			}
			snap.Affinities = append(snap.Affinities, aff)
			return nil
		}); err != nil {
			return err
		}

		if err := readBucket(tx, bucketAdmissions, func(v []byte) error {
			var rec domain.AdmissionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			snap.Admissions = append(snap.Admissions, rec)
			return nil
		}); err != nil {
			return err
		}

		if raw := tx.Bucket(bucketMeta).Get(keySavedAt); raw != nil {
			return snap.SavedAt.UnmarshalText(raw)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt store: load: %w", err)
	}
	return snap, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type putFunc func(key []byte, value any) error

func replaceBucket(tx *bolt.Tx, name []byte, _ int, fill func(putFunc) error) error {
	if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	bucket, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}
	return fill(func(key []byte, value any) error {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

func readBucket(tx *bolt.Tx, name []byte, each func(v []byte) error) error {
	bucket := tx.Bucket(name)
	if bucket == nil {
		return nil
	}
	return bucket.ForEach(func(_, v []byte) error {
		return each(v)
	})
}

func affinityKey(aff domain.AffinityRecord) []byte {
	return []byte(aff.TargetKey + "|" + aff.ResourceID)
}

func admissionKey(rec domain.AdmissionRecord) []byte {
	return []byte(rec.Day + "|" + rec.TargetKey)
}
