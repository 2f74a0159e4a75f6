package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/biblioteca/circulation/internal/db"
	"github.com/biblioteca/circulation/internal/events"
	"github.com/biblioteca/circulation/internal/metrics"
)

// OverdueChecker re-derives the status of all open loans, staging fresh
// overdue transitions in the notification buffer, and returns the loans that
// are overdue afterwards. Implemented by the loan ledger.
type OverdueChecker interface {
	CheckAndUpdateOverdue(ctx context.Context) ([]*db.Loan, error)
}

// Sweeper periodically sweeps open loans for overdue transitions and drains
// the notification buffer into the event publisher. The sweep calls the same
// idempotent derivation the read paths use, so running it is an optimization
// for notification latency, never a correctness requirement.
type Sweeper struct {
	checker   OverdueChecker
	buffer    *Buffer
	publisher events.Publisher
	interval  time.Duration
	log       *zap.Logger
	stop      chan struct{}
	done      chan struct{}
}

// NewSweeper creates a sweeper. Interval must be positive.
func NewSweeper(checker OverdueChecker, buffer *Buffer, publisher events.Publisher, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		checker:   checker,
		buffer:    buffer,
		publisher: publisher,
		interval:  interval,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop in a goroutine. The first sweep runs immediately.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Sweep(context.Background())
		for {
			select {
			case <-ticker.C:
				s.Sweep(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep performs one pass: derive statuses, then drain and publish the
// buffered overdue notifications. It returns the number of notifications
// published.
func (s *Sweeper) Sweep(ctx context.Context) int {
	overdue, err := s.checker.CheckAndUpdateOverdue(ctx)
	if err != nil {
		s.log.Error("Overdue sweep failed", zap.Error(err))
		return 0
	}

	batch := s.buffer.Drain()
	if len(batch) == 0 {
		s.log.Debug("Overdue sweep found nothing to notify",
			zap.Int("overdue_loans", len(overdue)))
		return 0
	}

	published := 0
	for _, loan := range batch {
		if err := s.publisher.PublishLoanOverdue(ctx, loan); err != nil {
			s.log.Warn("Failed to publish overdue notification",
				zap.Uint("loan_id", loan.ID),
				zap.Error(err))
			continue
		}
		metrics.NotificationsPublished.Inc()
		published++
	}

	s.log.Info("Overdue sweep finished",
		zap.Int("overdue_loans", len(overdue)),
		zap.Int("notifications_published", published))
	return published
}
