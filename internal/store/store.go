package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/saltmail/bulletin/internal/models"
)

var (
	bucketRecipients  = []byte("recipients")
	bucketEmailIndex  = []byte("recipients_by_email")
	bucketTemplates   = []byte("templates")
	bucketNewsletters = []byte("newsletters")
	bucketAttempts    = []byte("attempts")
	bucketStats       = []byte("stats")
)

// Store persists recipients, templates, newsletters, delivery attempts
// and per-user statistics in BoltDB
type Store struct {
	db *bolt.DB
}

// New opens (or creates) the store at the given path
func New(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRecipients, bucketEmailIndex, bucketTemplates,
			bucketNewsletters, bucketAttempts, bucketStats,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRecipient stores a new recipient. Email addresses are unique;
// a duplicate returns ErrDuplicateEmail.
func (s *Store) CreateRecipient(ctx context.Context, r *models.Recipient) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketEmailIndex)
		if idx.Get([]byte(r.Email)) != nil {
			return models.ErrDuplicateEmail
		}

		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal recipient: %w", err)
		}
		if err := tx.Bucket(bucketRecipients).Put([]byte(r.ID), data); err != nil {
			return fmt.Errorf("failed to store recipient: %w", err)
		}
		return idx.Put([]byte(r.Email), []byte(r.ID))
	})
}

// GetRecipient retrieves a recipient by ID
func (s *Store) GetRecipient(ctx context.Context, id string) (*models.Recipient, error) {
	var r *models.Recipient
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecipients).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		r = &models.Recipient{}
		return json.Unmarshal(data, r)
	})
	return r, err
}

// ListRecipients returns recipients, optionally filtered by owner.
// An empty ownerID returns all recipients.
func (s *Store) ListRecipients(ctx context.Context, ownerID string) ([]*models.Recipient, error) {
	var recipients []*models.Recipient
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecipients).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r models.Recipient
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if ownerID != "" && r.OwnerID != ownerID {
				continue
			}
			recipients = append(recipients, &r)
		}
		return nil
	})
	return recipients, err
}

// UpdateRecipient updates an existing recipient, maintaining the email index
func (s *Store) UpdateRecipient(ctx context.Context, r *models.Recipient) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRecipients)
		data := rb.Get([]byte(r.ID))
		if data == nil {
			return models.ErrNotFound
		}
		var old models.Recipient
		if err := json.Unmarshal(data, &old); err != nil {
			return fmt.Errorf("failed to unmarshal recipient: %w", err)
		}

		idx := tx.Bucket(bucketEmailIndex)
		if old.Email != r.Email {
			if idx.Get([]byte(r.Email)) != nil {
				return models.ErrDuplicateEmail
			}
			if err := idx.Delete([]byte(old.Email)); err != nil {
				return err
			}
			if err := idx.Put([]byte(r.Email), []byte(r.ID)); err != nil {
				return err
			}
		}

		r.CreatedAt = old.CreatedAt
		r.UpdatedAt = time.Now()
		updated, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal recipient: %w", err)
		}
		return rb.Put([]byte(r.ID), updated)
	})
}

// DeleteRecipient removes a recipient. Delivery attempts referencing the
// recipient keep their denormalized email and are not touched.
func (s *Store) DeleteRecipient(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRecipients)
		data := rb.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var r models.Recipient
		if err := json.Unmarshal(data, &r); err == nil {
			tx.Bucket(bucketEmailIndex).Delete([]byte(r.Email))
		}
		return rb.Delete([]byte(id))
	})
}

// CreateTemplate stores a new message template
func (s *Store) CreateTemplate(ctx context.Context, t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return tx.Bucket(bucketTemplates).Put([]byte(t.ID), data)
	})
}

// GetTemplate retrieves a template by ID
func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t *models.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		t = &models.Template{}
		return json.Unmarshal(data, t)
	})
	return t, err
}

// ListTemplates returns all templates
func (s *Store) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	var templates []*models.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t models.Template
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			templates = append(templates, &t)
		}
		return nil
	})
	return templates, err
}

// UpdateTemplate updates an existing template
func (s *Store) UpdateTemplate(ctx context.Context, t *models.Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTemplates)
		data := tb.Get([]byte(t.ID))
		if data == nil {
			return models.ErrNotFound
		}
		var old models.Template
		if err := json.Unmarshal(data, &old); err != nil {
			return fmt.Errorf("failed to unmarshal template: %w", err)
		}
		t.CreatedAt = old.CreatedAt
		t.UpdatedAt = time.Now()
		updated, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return tb.Put([]byte(t.ID), updated)
	})
}

// DeleteTemplate removes a template
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTemplates)
		if tb.Get([]byte(id)) == nil {
			return models.ErrNotFound
		}
		return tb.Delete([]byte(id))
	})
}

// CreateNewsletter stores a new newsletter in the created status
func (s *Store) CreateNewsletter(ctx context.Context, n *models.Newsletter) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Status = models.StatusCreated
	n.CreatedAt = time.Now()

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal newsletter: %w", err)
		}
		return tx.Bucket(bucketNewsletters).Put([]byte(n.ID), data)
	})
}

// GetNewsletter retrieves a newsletter by ID
func (s *Store) GetNewsletter(ctx context.Context, id string) (*models.Newsletter, error) {
	var n *models.Newsletter
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNewsletters).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		n = &models.Newsletter{}
		return json.Unmarshal(data, n)
	})
	return n, err
}

// ListNewsletters returns newsletters, optionally filtered by owner
func (s *Store) ListNewsletters(ctx context.Context, ownerID string) ([]*models.Newsletter, error) {
	var newsletters []*models.Newsletter
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNewsletters).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n models.Newsletter
			if err := json.Unmarshal(v, &n); err != nil {
				continue
			}
			if ownerID != "" && n.OwnerID != ownerID {
				continue
			}
			newsletters = append(newsletters, &n)
		}
		return nil
	})
	return newsletters, err
}

// DeleteNewsletter removes a newsletter and its attempt log
func (s *Store) DeleteNewsletter(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nb := tx.Bucket(bucketNewsletters)
		if nb.Get([]byte(id)) == nil {
			return models.ErrNotFound
		}
		ab := tx.Bucket(bucketAttempts)
		if ab.Bucket([]byte(id)) != nil {
			if err := ab.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return nb.Delete([]byte(id))
	})
}

// TransitionStatus performs a compare-and-set transition of a newsletter's
// status inside a single transaction. A runID may be supplied when entering
// the running status; it is recorded as the newsletter's latest run. The
// completion timestamp is set on the transition to finished.
//
// Returns ErrInvalidTransition if the from->to edge is not permitted,
// ErrConflict if the stored status no longer matches from.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to models.NewsletterStatus, runID string) error {
	if !models.ValidTransition(from, to) {
		return models.ErrInvalidTransition
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		nb := tx.Bucket(bucketNewsletters)
		data := nb.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var n models.Newsletter
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("failed to unmarshal newsletter: %w", err)
		}

		if n.Status != from {
			return models.ErrConflict
		}

		n.Status = to
		if to == models.StatusRunning {
			n.CompletedAt = time.Time{}
			if runID != "" {
				n.LastRunID = runID
			}
		}
		if to == models.StatusFinished {
			n.CompletedAt = time.Now()
		}

		updated, err := json.Marshal(&n)
		if err != nil {
			return fmt.Errorf("failed to marshal newsletter: %w", err)
		}
		return nb.Put([]byte(id), updated)
	})
}

// ResetRun forces a stuck running newsletter back to created so it can be
// dispatched again. This is an operator action for interrupted runs.
func (s *Store) ResetRun(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nb := tx.Bucket(bucketNewsletters)
		data := nb.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var n models.Newsletter
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("failed to unmarshal newsletter: %w", err)
		}
		if n.Status != models.StatusRunning {
			return models.ErrInvalidTransition
		}

		n.Status = models.StatusCreated
		updated, err := json.Marshal(&n)
		if err != nil {
			return fmt.Errorf("failed to marshal newsletter: %w", err)
		}
		return nb.Put([]byte(id), updated)
	})
}
