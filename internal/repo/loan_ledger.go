package repo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/biblioteca/circulation/internal/db"
	"github.com/biblioteca/circulation/internal/events"
	"github.com/biblioteca/circulation/internal/metrics"
	"github.com/biblioteca/circulation/internal/notify"
)

var (
	// ErrLoanNotFound is returned when a loan is not found
	ErrLoanNotFound = errors.New("loan not found")

	// ErrBookUnavailable is returned when no copies are on the shelf
	ErrBookUnavailable = errors.New("book not available for loan")

	// ErrLoanLimitExceeded is returned when the borrower is at the simultaneous loan cap
	ErrLoanLimitExceeded = errors.New("borrower reached the maximum number of simultaneous loans")

	// ErrLoanAlreadyReturned is returned on a second return of the same loan
	ErrLoanAlreadyReturned = errors.New("loan already returned")
)

// LoanLedger owns loan records, date-driven status derivation, and fine
// computation. Loan status is not a stored fact: it is a view derived from
// the loan's dates and refreshed lazily before every read, so that a loan
// which silently became overdue is observed as such (and counted against the
// borrower's limit) without a background job having run.
type LoanLedger struct {
	db        *db.DB
	settings  *SettingsRepository
	buffer    *notify.Buffer
	publisher events.Publisher
	locks     isbnLocks
	log       *zap.Logger
}

// NewLoanLedger creates a new loan ledger
func NewLoanLedger(database *db.DB, settings *SettingsRepository, buffer *notify.Buffer, publisher events.Publisher, logger *zap.Logger) *LoanLedger {
	return &LoanLedger{
		db:        database,
		settings:  settings,
		buffer:    buffer,
		publisher: publisher,
		log:       logger,
	}
}

// deriveLoanStatus computes the status a loan should have at the given
// instant. Returned wins; otherwise a loan is overdue strictly after its due
// timestamp.
func deriveLoanStatus(loan *db.Loan, now time.Time) db.LoanStatus {
	switch {
	case loan.ReturnedAt != nil:
		return db.LoanReturned
	case now.After(loan.DueAt):
		return db.LoanOverdue
	default:
		return db.LoanActive
	}
}

// overdueDaysBetween returns the whole days by which returned postdates due,
// truncating partial days, never negative.
func overdueDaysBetween(due, returned time.Time) int {
	d := returned.Sub(due)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// deriveStatusTx re-derives one loan's status and persists it if it changed.
// It reports whether the stored status changed and whether the change was a
// fresh transition to overdue. Calling it again with the same instant is a
// no-op.
func deriveStatusTx(tx *gorm.DB, loan *db.Loan, now time.Time) (changed bool, freshOverdue bool, err error) {
	next := deriveLoanStatus(loan, now)
	if next == loan.Status {
		return false, false, nil
	}

	if err := tx.Model(&db.Loan{}).Where("id = ?", loan.ID).Update("status", next).Error; err != nil {
		return false, false, err
	}
	loan.Status = next
	return true, next == db.LoanOverdue, nil
}

// stageOverdue pushes freshly-overdue loans onto the notification buffer.
func (r *LoanLedger) stageOverdue(loans []*db.Loan) {
	for _, loan := range loans {
		metrics.OverdueTransitions.Inc()
		if !r.buffer.Push(loan) {
			r.log.Warn("Notification buffer full, overdue notification dropped",
				zap.Uint("loan_id", loan.ID))
		}
	}
}

// DeriveStatus re-derives the status of a single loan against the given
// instant, persisting the change and staging a notification if the loan just
// became overdue. It reports whether the stored status changed.
func (r *LoanLedger) DeriveStatus(ctx context.Context, loan *db.Loan, now time.Time) (bool, error) {
	changed, fresh, err := deriveStatusTx(r.db.WithContext(ctx), loan, now)
	if err != nil {
		r.log.Error("Failed to derive loan status", zap.Uint("loan_id", loan.ID), zap.Error(err))
		return false, err
	}
	if fresh {
		r.stageOverdue([]*db.Loan{loan})
	}
	return changed, nil
}

// deriveMany re-derives a set of loans outside a transaction, staging
// notifications for fresh overdue transitions.
func (r *LoanLedger) deriveMany(ctx context.Context, loans []*db.Loan, now time.Time) error {
	var fresh []*db.Loan
	for _, loan := range loans {
		_, f, err := deriveStatusTx(r.db.WithContext(ctx), loan, now)
		if err != nil {
			r.log.Error("Failed to derive loan status", zap.Uint("loan_id", loan.ID), zap.Error(err))
			return err
		}
		if f {
			fresh = append(fresh, loan)
		}
	}
	r.stageOverdue(fresh)
	return nil
}

// CreateLoan lends one copy of the book to the borrower. The stock check,
// the borrower-limit check (over re-derived statuses) and the decrement run
// atomically; a failed creation leaves the stock untouched. When loanedAt is
// nil the current time is used.
func (r *LoanLedger) CreateLoan(ctx context.Context, borrowerID, isbn string, loanedAt *time.Time) (*db.Loan, error) {
	unlock := r.locks.lock(isbn)
	defer unlock()

	now := time.Now()
	var loan *db.Loan
	var newlyOverdue []*db.Loan

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var book db.Book
		if err := tx.Where("isbn = ?", isbn).First(&book).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}

		var borrowers int64
		if err := tx.Model(&db.Borrower{}).Where("registration = ?", borrowerID).Count(&borrowers).Error; err != nil {
			return err
		}
		if borrowers == 0 {
			return ErrBorrowerNotFound
		}

		if book.Quantity <= 0 {
			return ErrBookUnavailable
		}

		// Re-derive every open loan of the borrower before counting: a loan
		// that silently became overdue still counts against the limit.
		var open []*db.Loan
		if err := tx.Where("borrower_id = ? AND returned_at IS NULL", borrowerID).Find(&open).Error; err != nil {
			return err
		}
		for _, l := range open {
			_, fresh, err := deriveStatusTx(tx, l, now)
			if err != nil {
				return err
			}
			if fresh {
				newlyOverdue = append(newlyOverdue, l)
			}
		}

		settings, err := getSettings(tx)
		if err != nil {
			return err
		}
		if len(open) >= settings.MaxLoansPerBorrower {
			return ErrLoanLimitExceeded
		}

		start := now
		if loanedAt != nil {
			start = *loanedAt
		}

		l := &db.Loan{
			BorrowerID: borrowerID,
			BookISBN:   isbn,
			LoanedAt:   start,
			DueAt:      start.AddDate(0, 0, settings.LoanPeriodDays),
			Status:     db.LoanActive,
		}
		if err := tx.Create(l).Error; err != nil {
			return err
		}

		// Guarded decrement keeps quantity non-negative even if the stock
		// check above raced on another engine.
		result := tx.Model(&db.Book{}).
			Where("isbn = ? AND quantity > 0", isbn).
			UpdateColumn("quantity", gorm.Expr("quantity - 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBookUnavailable
		}

		loan = l
		return nil
	})
	if err != nil {
		if !isDomainErr(err) {
			r.log.Error("Failed to create loan",
				zap.String("borrower", borrowerID),
				zap.String("isbn", isbn),
				zap.Error(err))
		}
		return nil, err
	}

	r.stageOverdue(newlyOverdue)
	metrics.LoansCreated.Inc()
	if err := r.publisher.PublishLoanCreated(ctx, loan); err != nil {
		r.log.Warn("Failed to publish loan created event", zap.Uint("loan_id", loan.ID), zap.Error(err))
	}

	r.log.Info("Loan created",
		zap.Uint("loan_id", loan.ID),
		zap.String("borrower", borrowerID),
		zap.String("isbn", isbn),
		zap.Time("due_at", loan.DueAt))
	return loan, nil
}

// ReturnLoan registers the return of a loan. Overdue days are the whole-day
// truncated difference between the return and due timestamps, never
// negative; the fine is overdue days times the configured daily rate. Both
// are set exactly once, here. The book's stock is restored in the same
// transaction. When returnedAt is nil the current time is used.
func (r *LoanLedger) ReturnLoan(ctx context.Context, loanID uint, returnedAt *time.Time) (*db.Loan, error) {
	now := time.Now()
	var loan db.Loan

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", loanID).First(&loan).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLoanNotFound
			}
			return err
		}

		if loan.ReturnedAt != nil || loan.Status == db.LoanReturned {
			return ErrLoanAlreadyReturned
		}

		ret := now
		if returnedAt != nil {
			ret = *returnedAt
		}

		settings, err := getSettings(tx)
		if err != nil {
			return err
		}

		days := overdueDaysBetween(loan.DueAt, ret)
		fine := int64(days) * settings.FinePerDay

		loan.ReturnedAt = &ret
		loan.OverdueDays = &days
		loan.FineAmount = &fine
		loan.Status = db.LoanReturned

		if err := tx.Save(&loan).Error; err != nil {
			return err
		}

		if err := tx.Model(&db.Book{}).
			Where("isbn = ?", loan.BookISBN).
			UpdateColumn("quantity", gorm.Expr("quantity + 1")).Error; err != nil {
			return err
		}

		// Final re-derivation; always RETURNED at this point.
		if _, _, err := deriveStatusTx(tx, &loan, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if !isDomainErr(err) {
			r.log.Error("Failed to return loan", zap.Uint("loan_id", loanID), zap.Error(err))
		}
		return nil, err
	}

	metrics.LoansReturned.Inc()
	metrics.FinesAssessed.Add(float64(*loan.FineAmount))
	if err := r.publisher.PublishLoanReturned(ctx, &loan); err != nil {
		r.log.Warn("Failed to publish loan returned event", zap.Uint("loan_id", loan.ID), zap.Error(err))
	}

	r.log.Info("Loan returned",
		zap.Uint("loan_id", loan.ID),
		zap.Int("overdue_days", *loan.OverdueDays),
		zap.Int64("fine_amount", *loan.FineAmount))
	return &loan, nil
}

// GetByID returns one loan with its status re-derived against the current time
func (r *LoanLedger) GetByID(ctx context.Context, loanID uint) (*db.Loan, error) {
	var loan db.Loan
	if err := r.db.WithContext(ctx).Where("id = ?", loanID).First(&loan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoanNotFound
		}
		r.log.Error("Failed to get loan", zap.Uint("loan_id", loanID), zap.Error(err))
		return nil, err
	}
	if _, err := r.DeriveStatus(ctx, &loan, time.Now()); err != nil {
		return nil, err
	}
	return &loan, nil
}

// openLoans fetches loans that have not been returned yet and re-derives
// their statuses so the result is consistent with the given instant.
func (r *LoanLedger) openLoans(ctx context.Context, now time.Time, conds ...interface{}) ([]*db.Loan, error) {
	query := r.db.WithContext(ctx).Where("returned_at IS NULL")
	if len(conds) > 0 {
		query = query.Where(conds[0], conds[1:]...)
	}

	var loans []*db.Loan
	if err := query.Order("id ASC").Find(&loans).Error; err != nil {
		r.log.Error("Failed to list open loans", zap.Error(err))
		return nil, err
	}
	if err := r.deriveMany(ctx, loans, now); err != nil {
		return nil, err
	}
	return loans, nil
}

func filterLoans(loans []*db.Loan, status db.LoanStatus) []*db.Loan {
	out := make([]*db.Loan, 0, len(loans))
	for _, l := range loans {
		if l.Status == status {
			out = append(out, l)
		}
	}
	return out
}

// GetActive returns loans that are active (not returned, not yet due)
func (r *LoanLedger) GetActive(ctx context.Context) ([]*db.Loan, error) {
	open, err := r.openLoans(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return filterLoans(open, db.LoanActive), nil
}

// GetOverdue returns loans that are overdue as of now
func (r *LoanLedger) GetOverdue(ctx context.Context) ([]*db.Loan, error) {
	return r.CheckAndUpdateOverdue(ctx)
}

// GetActiveAndOverdue returns all loans that are still out, re-derived
func (r *LoanLedger) GetActiveAndOverdue(ctx context.Context) ([]*db.Loan, error) {
	return r.openLoans(ctx, time.Now())
}

// GetReturned returns terminal loans
func (r *LoanLedger) GetReturned(ctx context.Context) ([]*db.Loan, error) {
	var loans []*db.Loan
	if err := r.db.WithContext(ctx).
		Where("returned_at IS NOT NULL").
		Order("id ASC").
		Find(&loans).Error; err != nil {
		r.log.Error("Failed to list returned loans", zap.Error(err))
		return nil, err
	}
	return loans, nil
}

// GetAll returns every loan, open ones re-derived against the current time
func (r *LoanLedger) GetAll(ctx context.Context) ([]*db.Loan, error) {
	var loans []*db.Loan
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&loans).Error; err != nil {
		r.log.Error("Failed to list loans", zap.Error(err))
		return nil, err
	}
	if err := r.deriveMany(ctx, loans, time.Now()); err != nil {
		return nil, err
	}
	return loans, nil
}

// GetActiveByBorrower returns the borrower's loans that are still active
func (r *LoanLedger) GetActiveByBorrower(ctx context.Context, borrowerID string) ([]*db.Loan, error) {
	open, err := r.openLoans(ctx, time.Now(), "borrower_id = ?", borrowerID)
	if err != nil {
		return nil, err
	}
	return filterLoans(open, db.LoanActive), nil
}

// CheckAndUpdateOverdue re-derives every open loan, staging notifications
// for fresh overdue transitions, and returns the loans overdue afterwards.
func (r *LoanLedger) CheckAndUpdateOverdue(ctx context.Context) ([]*db.Loan, error) {
	open, err := r.openLoans(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return filterLoans(open, db.LoanOverdue), nil
}

// OverdueNotifications returns the staged overdue notifications without
// consuming them.
func (r *LoanLedger) OverdueNotifications() []*db.Loan {
	return r.buffer.PeekAll()
}

// isDomainErr distinguishes expected business outcomes from infrastructure
// failures so the latter get error-level logs.
func isDomainErr(err error) bool {
	for _, domain := range []error{
		ErrBookNotFound, ErrBorrowerNotFound, ErrLoanNotFound,
		ErrBookUnavailable, ErrLoanLimitExceeded, ErrLoanAlreadyReturned,
		ErrReservationNotFound, ErrDuplicateReservation,
		ErrReservationQueueFull, ErrReservationNotActive,
	} {
		if errors.Is(err, domain) {
			return true
		}
	}
	return false
}
