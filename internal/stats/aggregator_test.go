package stats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/saltmail/bulletin/internal/models"
	"github.com/saltmail/bulletin/internal/store"
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecordGetOrCreate(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	if _, err := a.Get(ctx, "u1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get() before record error = %v, want ErrNotFound", err)
	}

	if err := a.Record(ctx, "u1", 2, 1); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := a.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Successful != 2 || got.Failed != 1 || got.TotalSent != 3 {
		t.Errorf("stats = %+v", got)
	}
}

func TestRecordZeroDeltasIsNoop(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	if err := a.Record(ctx, "u1", 0, 0); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := a.Get(ctx, "u1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("zero-delta Record() created a record, Get() error = %v", err)
	}
}

func TestRecordConcurrent(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	// Concurrent increments for the same and different users must not
	// lose updates
	const goroutines = 10
	const perGoroutine = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "u1"
			if i%2 == 1 {
				user = "u2"
			}
			for j := 0; j < perGoroutine; j++ {
				if err := a.Record(ctx, user, 1, 1); err != nil {
					t.Errorf("Record() error = %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for _, user := range []string{"u1", "u2"} {
		got, err := a.Get(ctx, user)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", user, err)
		}
		want := int64(goroutines / 2 * perGoroutine)
		if got.Successful != want || got.Failed != want {
			t.Errorf("%s stats = %+v, want %d/%d", user, got, want, want)
		}
		if got.TotalSent != got.Successful+got.Failed {
			t.Errorf("%s TotalSent = %d, want %d", user, got.TotalSent, got.Successful+got.Failed)
		}
	}
}
