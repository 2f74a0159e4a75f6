package repo

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/biblioteca/circulation/internal/db"
)

var (
	// ErrBorrowerNotFound is returned when a borrower is not found
	ErrBorrowerNotFound = errors.New("borrower not found")

	// ErrBorrowerAlreadyExists is returned when trying to register a borrower that already exists
	ErrBorrowerAlreadyExists = errors.New("borrower already exists")

	// ErrBorrowerInUse is returned when deleting a borrower that loans or reservations still reference
	ErrBorrowerInUse = errors.New("borrower is referenced by loans or reservations")
)

// BorrowerRepository handles persistence for borrowers, keyed by registration number
type BorrowerRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewBorrowerRepository creates a new borrower repository
func NewBorrowerRepository(database *db.DB, logger *zap.Logger) *BorrowerRepository {
	return &BorrowerRepository{
		db:  database,
		log: logger,
	}
}

// Get retrieves a borrower by registration number
func (r *BorrowerRepository) Get(ctx context.Context, registration string) (*db.Borrower, error) {
	var borrower db.Borrower
	err := r.db.WithContext(ctx).Where("registration = ?", registration).First(&borrower).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBorrowerNotFound
		}
		r.log.Error("Failed to get borrower", zap.String("registration", registration), zap.Error(err))
		return nil, err
	}

	return &borrower, nil
}

// Exists reports whether a borrower with the given registration exists
func (r *BorrowerRepository) Exists(ctx context.Context, registration string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.Borrower{}).Where("registration = ?", registration).Count(&count).Error
	if err != nil {
		r.log.Error("Failed to check borrower existence", zap.String("registration", registration), zap.Error(err))
		return false, err
	}
	return count > 0, nil
}

// Create registers a new borrower
func (r *BorrowerRepository) Create(ctx context.Context, borrower *db.Borrower) error {
	var existing db.Borrower
	err := r.db.WithContext(ctx).Where("registration = ?", borrower.Registration).First(&existing).Error
	if err == nil {
		return ErrBorrowerAlreadyExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		r.log.Error("Failed to check borrower existence", zap.String("registration", borrower.Registration), zap.Error(err))
		return err
	}

	if err := r.db.WithContext(ctx).Create(borrower).Error; err != nil {
		r.log.Error("Failed to create borrower", zap.String("registration", borrower.Registration), zap.Error(err))
		return err
	}

	r.log.Info("Borrower registered", zap.String("registration", borrower.Registration))
	return nil
}

// Save persists the given borrower, overwriting the stored row
func (r *BorrowerRepository) Save(ctx context.Context, borrower *db.Borrower) error {
	if err := r.db.WithContext(ctx).Save(borrower).Error; err != nil {
		r.log.Error("Failed to save borrower", zap.String("registration", borrower.Registration), zap.Error(err))
		return err
	}
	return nil
}

// List returns all registered borrowers
func (r *BorrowerRepository) List(ctx context.Context) ([]*db.Borrower, error) {
	var borrowers []*db.Borrower
	if err := r.db.WithContext(ctx).Order("registration ASC").Find(&borrowers).Error; err != nil {
		r.log.Error("Failed to list borrowers", zap.Error(err))
		return nil, err
	}
	return borrowers, nil
}

// Delete removes a borrower. Refused while any loan or reservation still
// references the registration.
func (r *BorrowerRepository) Delete(ctx context.Context, registration string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loans int64
		if err := tx.Model(&db.Loan{}).Where("borrower_id = ?", registration).Count(&loans).Error; err != nil {
			return err
		}
		var reservations int64
		if err := tx.Model(&db.Reservation{}).Where("borrower_id = ?", registration).Count(&reservations).Error; err != nil {
			return err
		}
		if loans > 0 || reservations > 0 {
			return ErrBorrowerInUse
		}

		result := tx.Where("registration = ?", registration).Delete(&db.Borrower{})
		if result.Error != nil {
			r.log.Error("Failed to delete borrower", zap.String("registration", registration), zap.Error(result.Error))
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBorrowerNotFound
		}

		r.log.Info("Borrower deleted", zap.String("registration", registration))
		return nil
	})
}
