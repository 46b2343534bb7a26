package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/saltmail/bulletin/internal/models"
)

// AppendAttempt records one delivery attempt for a newsletter. The log is
// append-only; the same recipient may appear again on later runs, so
// duplicates are never rejected.
func (s *Store) AppendAttempt(ctx context.Context, a *models.DeliveryAttempt) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		nb, err := tx.Bucket(bucketAttempts).CreateBucketIfNotExists([]byte(a.NewsletterID))
		if err != nil {
			return fmt.Errorf("failed to create attempt bucket: %w", err)
		}

		seq, err := nb.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		return nb.Put(key, data)
	})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// ListAttempts returns all delivery attempts for a newsletter in
// insertion order
func (s *Store) ListAttempts(ctx context.Context, newsletterID string) ([]*models.DeliveryAttempt, error) {
	var attempts []*models.DeliveryAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		nb := tx.Bucket(bucketAttempts).Bucket([]byte(newsletterID))
		if nb == nil {
			return nil
		}
		c := nb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a models.DeliveryAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			attempts = append(attempts, &a)
		}
		return nil
	})
	return attempts, err
}

// ListUndelivered returns the newsletter's recipients that have no attempt
// recorded for its latest run. With no run recorded yet, every recipient is
// undelivered. Recipients deleted since the newsletter was created are
// skipped.
func (s *Store) ListUndelivered(ctx context.Context, newsletterID string) ([]*models.Recipient, error) {
	n, err := s.GetNewsletter(ctx, newsletterID)
	if err != nil {
		return nil, err
	}

	attempted := make(map[string]bool)
	if n.LastRunID != "" {
		attempts, err := s.ListAttempts(ctx, newsletterID)
		if err != nil {
			return nil, err
		}
		for _, a := range attempts {
			if a.RunID == n.LastRunID {
				attempted[a.RecipientEmail] = true
			}
		}
	}

	var undelivered []*models.Recipient
	for _, id := range n.RecipientIDs {
		r, err := s.GetRecipient(ctx, id)
		if err != nil {
			continue
		}
		if !attempted[r.Email] {
			undelivered = append(undelivered, r)
		}
	}
	return undelivered, nil
}

// IncrementStats applies counter deltas to a user's statistics record,
// creating a zeroed record first if none exists. The whole read-modify-write
// happens inside one transaction.
func (s *Store) IncrementStats(ctx context.Context, userID string, succeeded, failed int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketStats)

		stats := models.UserStats{UserID: userID}
		if data := sb.Get([]byte(userID)); data != nil {
			if err := json.Unmarshal(data, &stats); err != nil {
				return fmt.Errorf("failed to unmarshal stats: %w", err)
			}
		}

		stats.Successful += succeeded
		stats.Failed += failed
		stats.TotalSent += succeeded + failed
		stats.LastUpdate = time.Now()

		data, err := json.Marshal(&stats)
		if err != nil {
			return fmt.Errorf("failed to marshal stats: %w", err)
		}
		return sb.Put([]byte(userID), data)
	})
}

// GetStats retrieves a user's statistics record
func (s *Store) GetStats(ctx context.Context, userID string) (*models.UserStats, error) {
	var stats *models.UserStats
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStats).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		stats = &models.UserStats{}
		return json.Unmarshal(data, stats)
	})
	return stats, err
}

// Overview holds aggregate counts for the landing page
type Overview struct {
	TotalNewsletters  int64 `json:"total_newsletters"`
	ActiveNewsletters int64 `json:"active_newsletters"`
	UniqueRecipients  int64 `json:"unique_recipients"`
}

// GetOverview returns aggregate counts. Active means status running.
func (s *Store) GetOverview(ctx context.Context) (*Overview, error) {
	ov := &Overview{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNewsletters).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n models.Newsletter
			if err := json.Unmarshal(v, &n); err != nil {
				continue
			}
			ov.TotalNewsletters++
			if n.Status == models.StatusRunning {
				ov.ActiveNewsletters++
			}
		}
		// Emails are unique by index, so the index size is the distinct count
		ov.UniqueRecipients = int64(tx.Bucket(bucketEmailIndex).Stats().KeyN)
		return nil
	})
	return ov, err
}
