package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/platform/objectstore"
)

func newTestStore(t *testing.T) (*Store, *objectstore.MemoryStore) {
	t.Helper()
	objects := objectstore.NewMemoryStore()
	store, err := New(objects, "fave-artifacts")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return store, objects
}

func TestLoadMissingReturnsSkeleton(t *testing.T) {
	store, _ := newTestStore(t)
	st, err := store.Load(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Status != domain.RequestInit || st.RequestID != "req-1" || len(st.Stages) != 0 {
		t.Fatalf("unexpected skeleton: %+v", st)
	}
	if _, err := store.Get(context.Background(), "req-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() err=%v, want ErrNotFound", err)
	}
}

func TestSaveUpdateAppend(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	if err := store.Save(ctx, domain.RequestState{RequestID: "req-1", Profile: "default", Status: domain.RequestAccepted}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	exists, err := objects.Exists(ctx, "fave-artifacts", "requests/req-1/metadata/state.json")
	if err != nil || !exists {
		t.Fatalf("state document not written: exists=%v err=%v", exists, err)
	}

	if _, err := store.Update(ctx, "req-1", func(st *domain.RequestState) error {
		st.Status = domain.RequestInputStaged
		st.InputURI = "s3://fave-artifacts/requests/req-1/input/original.mp4"
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for i := 0; i < 2; i++ {
		entry := domain.StageEntry{Stage: fmt.Sprintf("stage-%d", i), Status: domain.StageSuccess}
		if _, err := store.Append(ctx, "req-1", entry); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	st, err := store.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Status != domain.RequestInputStaged || st.Profile != "default" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if len(st.Stages) != 2 || st.Stages[0].Stage != "stage-0" || st.Stages[1].Stage != "stage-1" {
		t.Fatalf("unexpected stages: %+v", st.Stages)
	}
	if st.CreatedAt.IsZero() || st.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", st)
	}
}

func TestUpdateRejectsDroppedEntries(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	if _, err := store.Append(ctx, "req-1", domain.StageEntry{Stage: "a"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, err := store.Update(ctx, "req-1", func(st *domain.RequestState) error {
		st.Stages = st.Stages[:0]
		return nil
	})
	if !errors.Is(err, ErrStagesRewritten) {
		t.Fatalf("Update() err=%v, want ErrStagesRewritten", err)
	}
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	if err := store.Save(ctx, domain.RequestState{RequestID: "req-1", Status: domain.RequestFanoutRunning}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const writers = 24
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, "req-1", domain.StageEntry{
				Stage:  "stage-object-detector",
				Fanout: domain.FrameFanout(0, i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	st, err := store.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(st.Stages) != writers {
		t.Fatalf("len(stages)=%d, want %d", len(st.Stages), writers)
	}
	if len(store.locks.locks) != 0 {
		t.Fatalf("expected lock table to drain, got %d", len(store.locks.locks))
	}
}
