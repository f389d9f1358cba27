// Package checkpoint persists submitted-but-unfinished jobs so a restarted
// process can resume polling instead of submitting again.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when no checkpoint exists for a key.
var ErrNotFound = errors.New("checkpoint not found")

var bucketJobs = []byte("jobs")

// Record is one in-flight job.
type Record struct {
	VerificationID string    `json:"verification_id"`
	Stage          string    `json:"stage"`
	Step           string    `json:"step"`
	JobID          string    `json:"job_id"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

func key(verificationID, stage string) []byte {
	return []byte(verificationID + "/" + stage)
}

// Store is a bbolt-backed checkpoint table.
type Store struct {
	db *bolt.DB
}

// Open opens or creates a checkpoint database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketJobs, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores r, replacing any checkpoint for the same verification and stage.
func (s *Store) Put(_ context.Context, r *Record) error {
	if r.VerificationID == "" || r.Stage == "" || r.JobID == "" {
		return errors.New("checkpoint requires verification id, stage and job id")
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put(key(r.VerificationID, r.Stage), data)
	})
}

// Get returns the checkpoint for a verification and stage.
func (s *Store) Get(_ context.Context, verificationID, stage string) (*Record, error) {
	var r *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(key(verificationID, stage))
		if data == nil {
			return ErrNotFound
		}
		r = &Record{}
		return json.Unmarshal(data, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes a checkpoint. Deleting a missing one is not an error.
func (s *Store) Delete(_ context.Context, verificationID, stage string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(key(verificationID, stage))
	})
}

// List returns every checkpoint, oldest submission first.
func (s *Store) List(_ context.Context) ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			r := &Record{}
			if err := json.Unmarshal(v, r); err != nil {
				return fmt.Errorf("decode checkpoint %s: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}
