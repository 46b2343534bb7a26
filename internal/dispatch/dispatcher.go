package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saltmail/bulletin/internal/metrics"
	"github.com/saltmail/bulletin/internal/models"
	"github.com/saltmail/bulletin/internal/stats"
	"github.com/saltmail/bulletin/internal/store"
)

// Transport sends one message to one address. Implementations report
// failures as *smtp.DeliveryError when they can classify them.
type Transport interface {
	Send(ctx context.Context, from, to, subject, body string) error
}

// TemporaryChecker reports whether a send error is worth retrying
type TemporaryChecker func(err error) bool

// Config contains dispatcher tuning knobs
type Config struct {
	From          string
	Workers       int
	MaxRetries    int
	RetryInterval time.Duration
	SendTimeout   time.Duration
}

// Dispatcher runs newsletters: it drives the status lifecycle, fans
// recipients out over a bounded worker pool, retries transient transport
// failures per recipient and records exactly one terminal attempt per
// recipient per run.
type Dispatcher struct {
	store       *store.Store
	transport   Transport
	aggregator  *stats.Aggregator
	metrics     *metrics.Metrics
	isTemporary TemporaryChecker
	cfg         Config
	logger      *slog.Logger
}

// New creates a dispatcher. metrics may be nil.
func New(st *store.Store, transport Transport, agg *stats.Aggregator, m *metrics.Metrics, cfg Config, isTemp TemporaryChecker, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Dispatcher{
		store:       st,
		transport:   transport,
		aggregator:  agg,
		metrics:     m,
		isTemporary: isTemp,
		cfg:         cfg,
		logger:      logger.With("component", "dispatcher"),
	}
}

// Options controls a single dispatch call
type Options struct {
	// Resume continues an interrupted run: the newsletter must be in the
	// running status and only recipients without an attempt for the latest
	// run are processed.
	Resume bool
}

// Dispatch delivers a newsletter to all of its recipients.
//
// The newsletter must be in the created or finished status; dispatching a
// running newsletter returns ErrConflict with no side effects. Per-recipient
// transport failures never abort the run: they are retried with exponential
// backoff and recorded as failed attempts once retries are exhausted.
//
// If ctx is cancelled mid-run, in-flight sends finish, no new recipients are
// started, the newsletter stays running and the partial result is returned
// together with the context error. ListUndelivered identifies what is left.
func (d *Dispatcher) Dispatch(ctx context.Context, newsletterID string, opts Options) (*models.RunResult, error) {
	n, err := d.store.GetNewsletter(ctx, newsletterID)
	if err != nil {
		return nil, err
	}

	tmpl, err := d.store.GetTemplate(ctx, n.TemplateID)
	if err != nil {
		return nil, err
	}

	var runID string
	var recipients []*models.Recipient

	if opts.Resume && n.Status == models.StatusRunning {
		if n.LastRunID == "" {
			return nil, models.ErrInvalidTransition
		}
		runID = n.LastRunID
		recipients, err = d.store.ListUndelivered(ctx, newsletterID)
		if err != nil {
			return nil, err
		}
	} else {
		if n.Status == models.StatusRunning {
			return nil, models.ErrConflict
		}

		runID = uuid.NewString()
		// Mutual-exclusion gate: the compare-and-set fails if a racing
		// dispatch moved the newsletter to running first.
		if err := d.store.TransitionStatus(ctx, newsletterID, n.Status, models.StatusRunning, runID); err != nil {
			return nil, err
		}

		for _, id := range n.RecipientIDs {
			r, err := d.store.GetRecipient(ctx, id)
			if err != nil {
				d.logger.Warn("skipping missing recipient", "newsletter_id", newsletterID, "recipient_id", id)
				continue
			}
			recipients = append(recipients, r)
		}
	}

	d.logger.Info("dispatch started",
		"newsletter_id", newsletterID,
		"run_id", runID,
		"recipients", len(recipients),
		"resume", opts.Resume,
	)
	if d.metrics != nil {
		d.metrics.RunsStartedTotal.Inc()
	}
	started := time.Now()

	result := &models.RunResult{RunID: runID}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.cfg.Workers)

loop:
	for _, rcpt := range recipients {
		// Stop launching new work units once cancellation is raised;
		// recipients not yet attempted stay absent from the attempt log.
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			// Cancelled while waiting for a worker slot
			<-sem
			break
		}
		wg.Add(1)

		go func(rcpt *models.Recipient) {
			defer func() {
				<-sem
				wg.Done()
			}()

			attempt := d.deliver(ctx, n, tmpl, rcpt, runID)

			mu.Lock()
			result.Attempts = append(result.Attempts, attempt)
			if attempt.Outcome == models.OutcomeSuccessful {
				result.Succeeded++
			} else {
				result.Failed++
			}
			mu.Unlock()
		}(rcpt)
	}

	wg.Wait()

	if ctx.Err() != nil {
		d.logger.Warn("dispatch cancelled",
			"newsletter_id", newsletterID,
			"run_id", runID,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
		)
		if d.metrics != nil {
			d.metrics.RunsCompletedTotal.WithLabelValues("cancelled").Inc()
		}
		return result, ctx.Err()
	}

	// The terminal transition happens strictly after the last attempt is
	// recorded
	if err := d.store.TransitionStatus(ctx, newsletterID, models.StatusRunning, models.StatusFinished, ""); err != nil {
		return result, err
	}

	if d.aggregator != nil {
		if err := d.aggregator.Record(ctx, n.OwnerID, int64(result.Succeeded), int64(result.Failed)); err != nil {
			d.logger.Error("failed to record statistics", "user_id", n.OwnerID, "error", err)
		}
	}

	if d.metrics != nil {
		d.metrics.RunsCompletedTotal.WithLabelValues("finished").Inc()
		d.metrics.RunDurationSeconds.Observe(time.Since(started).Seconds())
	}

	d.logger.Info("dispatch finished",
		"newsletter_id", newsletterID,
		"run_id", runID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"duration", time.Since(started),
	)

	return result, nil
}

// ListUndelivered returns recipients of the newsletter with no recorded
// attempt for its latest run
func (d *Dispatcher) ListUndelivered(ctx context.Context, newsletterID string) ([]*models.Recipient, error) {
	return d.store.ListUndelivered(ctx, newsletterID)
}

// deliver sends to one recipient with retries and records the terminal
// outcome. One recipient's failures never affect another's slot.
func (d *Dispatcher) deliver(ctx context.Context, n *models.Newsletter, tmpl *models.Template, rcpt *models.Recipient, runID string) *models.DeliveryAttempt {
	logger := d.logger.With("newsletter_id", n.ID, "recipient", rcpt.Email)

	if d.metrics != nil {
		d.metrics.WorkersActive.Inc()
		defer d.metrics.WorkersActive.Dec()
	}

	var lastErr error
	for try := 1; try <= d.cfg.MaxRetries; try++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.transport.Send(sendCtx, d.cfg.From, rcpt.Email, tmpl.Subject, tmpl.Body)
		cancel()

		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err

		logger.Warn("delivery failed", "try", try, "error", err)
		if d.metrics != nil && try < d.cfg.MaxRetries {
			d.metrics.RetriesTotal.Inc()
		}

		if !d.isTemporary(err) {
			// Permanent rejection, retrying cannot help
			break
		}
		if try == d.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			// Cancellation during backoff: record the failure observed so
			// far as the terminal outcome for this recipient.
			try = d.cfg.MaxRetries
		case <-time.After(d.backoff(try)):
		}
	}

	attempt := &models.DeliveryAttempt{
		NewsletterID:   n.ID,
		RunID:          runID,
		RecipientEmail: rcpt.Email,
		Outcome:        models.OutcomeSuccessful,
		Timestamp:      time.Now(),
	}
	if lastErr != nil {
		attempt.Outcome = models.OutcomeFailed
		attempt.ErrorDetail = lastErr.Error()
	}

	// The attempt must be durably recorded before this slot takes more work
	if _, err := d.store.AppendAttempt(ctx, attempt); err != nil {
		logger.Error("failed to record attempt", "error", err)
	}

	if d.metrics != nil {
		d.metrics.AttemptsTotal.WithLabelValues(string(attempt.Outcome)).Inc()
	}

	if attempt.Outcome == models.OutcomeSuccessful {
		logger.Debug("delivered", "run_id", runID)
	}

	return attempt
}

// backoff calculates exponential backoff for the given try count, capped
// at one minute
func (d *Dispatcher) backoff(try int) time.Duration {
	multiplier := 1 << (try - 1)
	backoff := time.Duration(multiplier) * d.cfg.RetryInterval

	maxBackoff := time.Minute
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// IsPrecondition reports whether err is one of the precondition failures
// that occur before any work begins
func IsPrecondition(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrConflict) ||
		errors.Is(err, models.ErrInvalidTransition)
}
