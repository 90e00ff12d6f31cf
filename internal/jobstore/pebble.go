package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/loopforge/exporter/internal/model"
)

// PebbleStore is an embedded single-process Job Store. CAS is enforced by an
// in-process lock, so only one server may open the directory.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble database at dir. A nil fs uses
// the OS filesystem.
func OpenPebble(dir string, fs vfs.FS) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func pebbleKey(id string) []byte {
	return []byte("job/" + id)
}

func (s *PebbleStore) Create(ctx context.Context, owner string, payload model.JobPayload) (*model.Job, error) {
	job := newPendingJob(owner, payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.put(job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	return job, nil
}

func (s *PebbleStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *PebbleStore) Transition(ctx context.Context, id string, from, to model.JobStatus, fields model.JobFields) (*model.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := applyTransition(job, from, to, fields); err != nil {
		return nil, err
	}
	if err := s.put(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PebbleStore) load(id string) (*model.Job, error) {
	value, closer, err := s.db.Get(pebbleKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	var job model.Job
	if err := json.Unmarshal(value, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *PebbleStore) put(job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Set(pebbleKey(job.ID), data, pebble.Sync)
}

func (s *PebbleStore) Ping(ctx context.Context) error {
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
