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
)

var (
	// ErrReservationNotFound is returned when a reservation is not found
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrDuplicateReservation is returned when the borrower already holds an active reservation for the book
	ErrDuplicateReservation = errors.New("borrower already has an active reservation for this book")

	// ErrReservationQueueFull is returned when the book's queue is at capacity
	ErrReservationQueueFull = errors.New("book already has the maximum number of active reservations")

	// ErrReservationNotActive is returned on cancel/fulfill of a terminal reservation
	ErrReservationNotActive = errors.New("reservation is not active")
)

// MaxActiveReservationsPerBook bounds each book's waiting queue.
const MaxActiveReservationsPerBook = 5

// ReservationQueue manages each book's bounded FIFO of pending reservations.
// Active positions for a book are always exactly 1..count: creation appends
// at max+1, and leaving the queue shifts every later position down by one.
// Insertion order is authoritative; timestamps never decide ordering.
type ReservationQueue struct {
	db        *db.DB
	publisher events.Publisher
	locks     isbnLocks
	log       *zap.Logger
}

// NewReservationQueue creates a new reservation queue
func NewReservationQueue(database *db.DB, publisher events.Publisher, logger *zap.Logger) *ReservationQueue {
	return &ReservationQueue{
		db:        database,
		publisher: publisher,
		log:       logger,
	}
}

// CreateReservation appends a reservation to the book's queue. The position
// read and the insert are serialized per book so two concurrent requests
// cannot claim the same position. When reservedAt is nil the current time is
// used.
func (q *ReservationQueue) CreateReservation(ctx context.Context, isbn, borrowerID string, reservedAt *time.Time) (*db.Reservation, error) {
	unlock := q.locks.lock(isbn)
	defer unlock()

	var reservation *db.Reservation

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var books int64
		if err := tx.Model(&db.Book{}).Where("isbn = ?", isbn).Count(&books).Error; err != nil {
			return err
		}
		if books == 0 {
			return ErrBookNotFound
		}

		var borrowers int64
		if err := tx.Model(&db.Borrower{}).Where("registration = ?", borrowerID).Count(&borrowers).Error; err != nil {
			return err
		}
		if borrowers == 0 {
			return ErrBorrowerNotFound
		}

		var duplicates int64
		if err := tx.Model(&db.Reservation{}).
			Where("book_isbn = ? AND borrower_id = ? AND status = ?", isbn, borrowerID, db.ReservationActive).
			Count(&duplicates).Error; err != nil {
			return err
		}
		if duplicates > 0 {
			return ErrDuplicateReservation
		}

		var active int64
		if err := tx.Model(&db.Reservation{}).
			Where("book_isbn = ? AND status = ?", isbn, db.ReservationActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active >= MaxActiveReservationsPerBook {
			return ErrReservationQueueFull
		}

		var maxPosition int
		if err := tx.Model(&db.Reservation{}).
			Where("book_isbn = ? AND status = ?", isbn, db.ReservationActive).
			Select("COALESCE(MAX(queue_position), 0)").
			Scan(&maxPosition).Error; err != nil {
			return err
		}

		at := time.Now()
		if reservedAt != nil {
			at = *reservedAt
		}

		res := &db.Reservation{
			BookISBN:      isbn,
			BorrowerID:    borrowerID,
			ReservedAt:    at,
			QueuePosition: maxPosition + 1,
			Status:        db.ReservationActive,
		}
		if err := tx.Create(res).Error; err != nil {
			return err
		}

		if err := refreshBookCounter(tx, isbn); err != nil {
			return err
		}
		if err := refreshBorrowerCounter(tx, borrowerID); err != nil {
			return err
		}

		reservation = res
		return nil
	})
	if err != nil {
		if !isDomainErr(err) {
			q.log.Error("Failed to create reservation",
				zap.String("isbn", isbn),
				zap.String("borrower", borrowerID),
				zap.Error(err))
		}
		return nil, err
	}

	metrics.ReservationsCreated.Inc()
	if err := q.publisher.PublishReservationCreated(ctx, reservation); err != nil {
		q.log.Warn("Failed to publish reservation created event", zap.Uint("reservation_id", reservation.ID), zap.Error(err))
	}

	q.log.Info("Reservation created",
		zap.Uint("reservation_id", reservation.ID),
		zap.String("isbn", isbn),
		zap.String("borrower", borrowerID),
		zap.Int("queue_position", reservation.QueuePosition))
	return reservation, nil
}

// CancelReservation marks an active reservation cancelled and closes the gap
// it leaves in the queue.
func (q *ReservationQueue) CancelReservation(ctx context.Context, id uint) error {
	res, err := q.leaveQueue(ctx, id, db.ReservationCancelled)
	if err != nil {
		return err
	}

	metrics.ReservationsCancelled.Inc()
	if err := q.publisher.PublishReservationCancelled(ctx, res); err != nil {
		q.log.Warn("Failed to publish reservation cancelled event", zap.Uint("reservation_id", res.ID), zap.Error(err))
	}

	q.log.Info("Reservation cancelled",
		zap.Uint("reservation_id", res.ID),
		zap.String("isbn", res.BookISBN),
		zap.Int("queue_position", res.QueuePosition))
	return nil
}

// FulfillReservation marks an active reservation fulfilled (it produced a
// loan) and closes the gap it leaves in the queue.
func (q *ReservationQueue) FulfillReservation(ctx context.Context, id uint) (*db.Reservation, error) {
	res, err := q.leaveQueue(ctx, id, db.ReservationFulfilled)
	if err != nil {
		return nil, err
	}

	metrics.ReservationsFulfilled.Inc()
	if err := q.publisher.PublishReservationFulfilled(ctx, res); err != nil {
		q.log.Warn("Failed to publish reservation fulfilled event", zap.Uint("reservation_id", res.ID), zap.Error(err))
	}

	q.log.Info("Reservation fulfilled",
		zap.Uint("reservation_id", res.ID),
		zap.String("isbn", res.BookISBN),
		zap.Int("queue_position", res.QueuePosition))
	return res, nil
}

// leaveQueue flips an active reservation to a terminal status and renumbers
// the survivors: every active reservation of the same book behind the leaver
// moves up one position, preserving contiguity without reordering. The flip
// and the shift happen in one transaction so a failure never leaves a gapped
// queue. The leaver's own position is frozen as history.
func (q *ReservationQueue) leaveQueue(ctx context.Context, id uint, terminal db.ReservationStatus) (*db.Reservation, error) {
	// Read the ISBN first so the per-book lock can be taken before the
	// transaction, in the same order CreateReservation takes it.
	var peek db.Reservation
	if err := q.db.WithContext(ctx).Where("id = ?", id).First(&peek).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		q.log.Error("Failed to get reservation", zap.Uint("reservation_id", id), zap.Error(err))
		return nil, err
	}

	unlock := q.locks.lock(peek.BookISBN)
	defer unlock()

	var res db.Reservation
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&res).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationNotFound
			}
			return err
		}
		if res.Status != db.ReservationActive {
			return ErrReservationNotActive
		}

		res.Status = terminal
		if err := tx.Model(&db.Reservation{}).Where("id = ?", res.ID).Update("status", terminal).Error; err != nil {
			return err
		}

		if err := tx.Model(&db.Reservation{}).
			Where("book_isbn = ? AND status = ? AND queue_position > ?",
				res.BookISBN, db.ReservationActive, res.QueuePosition).
			UpdateColumn("queue_position", gorm.Expr("queue_position - 1")).Error; err != nil {
			return err
		}

		return refreshBookCounter(tx, res.BookISBN)
	})
	if err != nil {
		if !isDomainErr(err) {
			q.log.Error("Failed to update reservation", zap.Uint("reservation_id", id), zap.Error(err))
		}
		return nil, err
	}

	return &res, nil
}

// GetByID returns one reservation
func (q *ReservationQueue) GetByID(ctx context.Context, id uint) (*db.Reservation, error) {
	var res db.Reservation
	if err := q.db.WithContext(ctx).Where("id = ?", id).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		q.log.Error("Failed to get reservation", zap.Uint("reservation_id", id), zap.Error(err))
		return nil, err
	}
	return &res, nil
}

// ActiveByBook returns a book's active reservations in queue order
func (q *ReservationQueue) ActiveByBook(ctx context.Context, isbn string) ([]*db.Reservation, error) {
	var reservations []*db.Reservation
	if err := q.db.WithContext(ctx).
		Where("book_isbn = ? AND status = ?", isbn, db.ReservationActive).
		Order("queue_position ASC").
		Find(&reservations).Error; err != nil {
		q.log.Error("Failed to list reservations for book", zap.String("isbn", isbn), zap.Error(err))
		return nil, err
	}
	return reservations, nil
}

// ActiveByBorrower returns a borrower's active reservations, oldest first
func (q *ReservationQueue) ActiveByBorrower(ctx context.Context, borrowerID string) ([]*db.Reservation, error) {
	var reservations []*db.Reservation
	if err := q.db.WithContext(ctx).
		Where("borrower_id = ? AND status = ?", borrowerID, db.ReservationActive).
		Order("reserved_at ASC").
		Find(&reservations).Error; err != nil {
		q.log.Error("Failed to list reservations for borrower", zap.String("borrower", borrowerID), zap.Error(err))
		return nil, err
	}
	return reservations, nil
}

// GetAll returns every reservation, any status
func (q *ReservationQueue) GetAll(ctx context.Context) ([]*db.Reservation, error) {
	var reservations []*db.Reservation
	if err := q.db.WithContext(ctx).Order("id ASC").Find(&reservations).Error; err != nil {
		q.log.Error("Failed to list reservations", zap.Error(err))
		return nil, err
	}
	return reservations, nil
}

// refreshBookCounter recomputes the book's denormalized active-reservation
// count from the reservations table.
func refreshBookCounter(tx *gorm.DB, isbn string) error {
	var active int64
	if err := tx.Model(&db.Reservation{}).
		Where("book_isbn = ? AND status = ?", isbn, db.ReservationActive).
		Count(&active).Error; err != nil {
		return err
	}
	return tx.Model(&db.Book{}).Where("isbn = ?", isbn).
		Update("active_reservations", active).Error
}

// refreshBorrowerCounter recomputes the borrower's lifetime reservation
// count: every reservation ever made, any status. Cancelling never lowers
// it, the counter measures total activity rather than current load.
func refreshBorrowerCounter(tx *gorm.DB, borrowerID string) error {
	var total int64
	if err := tx.Model(&db.Reservation{}).
		Where("borrower_id = ?", borrowerID).
		Count(&total).Error; err != nil {
		return err
	}
	return tx.Model(&db.Borrower{}).Where("registration = ?", borrowerID).
		Update("reservations_count", total).Error
}
