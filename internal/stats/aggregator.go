package stats

import (
	"context"
	"log/slog"
	"sync"

	"github.com/saltmail/bulletin/internal/models"
	"github.com/saltmail/bulletin/internal/store"
)

// Aggregator maintains per-user delivery counters. Updates for the same
// user are serialized through a per-key mutex so concurrent dispatch runs
// never lose increments; different users never contend.
type Aggregator struct {
	store  *store.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an aggregator backed by the store
func New(st *store.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:  st,
		logger: logger.With("component", "stats"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Record applies the run's deltas to the user's counters, creating a
// zero-initialized record if none exists yet
func (a *Aggregator) Record(ctx context.Context, userID string, succeeded, failed int64) error {
	if succeeded == 0 && failed == 0 {
		return nil
	}

	lock := a.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := a.store.IncrementStats(ctx, userID, succeeded, failed); err != nil {
		return err
	}

	a.logger.Debug("statistics updated", "user_id", userID, "succeeded", succeeded, "failed", failed)
	return nil
}

// Get returns the user's statistics record
func (a *Aggregator) Get(ctx context.Context, userID string) (*models.UserStats, error) {
	return a.store.GetStats(ctx, userID)
}

func (a *Aggregator) userLock(userID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	lock, ok := a.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[userID] = lock
	}
	return lock
}
