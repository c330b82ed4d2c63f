// Package state persists the per-request state document in the artifact store.
//
// The document lives at requests/{request_id}/metadata/state.json and is
// rewritten whole on every change. Read-modify-write cycles for one request
// are serialized by a keyed lock so concurrent appenders inside a process do
// not lose entries; different requests never contend.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/platform/objectstore"
)

var ErrNotFound = errors.New("request state not found")

// ErrStagesRewritten is returned when an update tries to drop or reorder logged stage entries.
var ErrStagesRewritten = errors.New("stage log is append-only")

type Store struct {
	objects objectstore.Store
	bucket  string
	locks   *keyedMutex
	now     func() time.Time
}

func New(objects objectstore.Store, bucket string) (*Store, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{
		objects: objects,
		bucket:  bucket,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}, nil
}

func Key(requestID string) string {
	return fmt.Sprintf("requests/%s/metadata/state.json", requestID)
}

func (s *Store) URI(requestID string) string {
	return objectstore.URI(s.bucket, Key(requestID))
}

// Save overwrites the state document.
func (s *Store) Save(ctx context.Context, st domain.RequestState) error {
	if strings.TrimSpace(st.RequestID) == "" {
		return errors.New("request id is required")
	}
	unlock := s.locks.lock(st.RequestID)
	defer unlock()
	return s.write(ctx, &st)
}

// Load returns the stored document, or an INIT skeleton when none exists.
func (s *Store) Load(ctx context.Context, requestID string) (domain.RequestState, error) {
	st, err := s.Get(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return skeleton(requestID), nil
	}
	return st, err
}

// Get returns the stored document or ErrNotFound.
func (s *Store) Get(ctx context.Context, requestID string) (domain.RequestState, error) {
	exists, err := s.objects.Exists(ctx, s.bucket, Key(requestID))
	if err != nil {
		return domain.RequestState{}, fmt.Errorf("stat state: %w", err)
	}
	if !exists {
		return domain.RequestState{}, ErrNotFound
	}
	var st domain.RequestState
	if err := objectstore.ReadJSON(ctx, s.objects, s.bucket, Key(requestID), &st); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return domain.RequestState{}, ErrNotFound
		}
		return domain.RequestState{}, fmt.Errorf("read state: %w", err)
	}
	if st.Stages == nil {
		st.Stages = []domain.StageEntry{}
	}
	return st, nil
}

// Update loads, mutates and persists the document under the request lock.
func (s *Store) Update(ctx context.Context, requestID string, mutate func(*domain.RequestState) error) (domain.RequestState, error) {
	unlock := s.locks.lock(requestID)
	defer unlock()

	st, err := s.Load(ctx, requestID)
	if err != nil {
		return domain.RequestState{}, err
	}
	before := len(st.Stages)
	if err := mutate(&st); err != nil {
		return domain.RequestState{}, err
	}
	if len(st.Stages) < before {
		return domain.RequestState{}, ErrStagesRewritten
	}
	if err := s.write(ctx, &st); err != nil {
		return domain.RequestState{}, err
	}
	return st, nil
}

// Append adds one entry to the stage log.
func (s *Store) Append(ctx context.Context, requestID string, entry domain.StageEntry) (domain.RequestState, error) {
	return s.Update(ctx, requestID, func(st *domain.RequestState) error {
		st.Stages = append(st.Stages, entry)
		return nil
	})
}

func (s *Store) write(ctx context.Context, st *domain.RequestState) error {
	now := s.now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	if st.Stages == nil {
		st.Stages = []domain.StageEntry{}
	}
	if err := objectstore.WriteJSON(ctx, s.objects, s.bucket, Key(st.RequestID), st); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func skeleton(requestID string) domain.RequestState {
	return domain.RequestState{
		RequestID: requestID,
		Status:    domain.RequestInit,
		Stages:    []domain.StageEntry{},
	}
}

// keyedMutex hands out one mutex per key and drops it once no holder remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
