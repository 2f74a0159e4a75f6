package repo

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/biblioteca/circulation/internal/db"
)

// ErrInvalidSettings is returned when a settings update carries out-of-range values
var ErrInvalidSettings = errors.New("invalid settings values")

const settingsID = int64(1)

// Default policy values applied when the settings row does not exist yet.
const (
	DefaultLoanPeriodDays      = 14
	DefaultMaxLoansPerBorrower = 3
	DefaultFinePerDay          = int64(100)
)

// SettingsRepository manages the single library_settings row holding the
// circulation policy. Values are read at call time, so an update applies to
// the next operation without restarting the service.
type SettingsRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(database *db.DB, logger *zap.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:  database,
		log: logger,
	}
}

// Get returns the current settings, creating the row with defaults if it
// does not exist yet.
func (r *SettingsRepository) Get(ctx context.Context) (*db.LibrarySettings, error) {
	settings := db.LibrarySettings{
		ID:                  settingsID,
		LoanPeriodDays:      DefaultLoanPeriodDays,
		MaxLoansPerBorrower: DefaultMaxLoansPerBorrower,
		FinePerDay:          DefaultFinePerDay,
	}
	err := r.db.WithContext(ctx).
		Where(db.LibrarySettings{ID: settingsID}).
		FirstOrCreate(&settings).Error
	if err != nil {
		r.log.Error("Failed to load library settings", zap.Error(err))
		return nil, err
	}
	return &settings, nil
}

// Update replaces the policy values. All three are validated together:
// period and loan limit must be at least 1, the fine rate non-negative.
func (r *SettingsRepository) Update(ctx context.Context, loanPeriodDays, maxLoansPerBorrower int, finePerDay int64) (*db.LibrarySettings, error) {
	if loanPeriodDays < 1 || maxLoansPerBorrower < 1 || finePerDay < 0 {
		return nil, ErrInvalidSettings
	}

	settings, err := r.Get(ctx)
	if err != nil {
		return nil, err
	}

	settings.LoanPeriodDays = loanPeriodDays
	settings.MaxLoansPerBorrower = maxLoansPerBorrower
	settings.FinePerDay = finePerDay

	if err := r.db.WithContext(ctx).Save(settings).Error; err != nil {
		r.log.Error("Failed to update library settings", zap.Error(err))
		return nil, err
	}

	r.log.Info("Library settings updated",
		zap.Int("loan_period_days", loanPeriodDays),
		zap.Int("max_loans_per_borrower", maxLoansPerBorrower),
		zap.Int64("fine_per_day", finePerDay))
	return settings, nil
}

// LoanPeriodDays returns the configured loan period
func (r *SettingsRepository) LoanPeriodDays(ctx context.Context) (int, error) {
	settings, err := r.Get(ctx)
	if err != nil {
		return 0, err
	}
	return settings.LoanPeriodDays, nil
}

// MaxLoansPerBorrower returns the configured simultaneous loan limit
func (r *SettingsRepository) MaxLoansPerBorrower(ctx context.Context) (int, error) {
	settings, err := r.Get(ctx)
	if err != nil {
		return 0, err
	}
	return settings.MaxLoansPerBorrower, nil
}

// FinePerDay returns the configured fine per overdue day in minor currency units
func (r *SettingsRepository) FinePerDay(ctx context.Context) (int64, error) {
	settings, err := r.Get(ctx)
	if err != nil {
		return 0, err
	}
	return settings.FinePerDay, nil
}

// getSettings reads (or lazily creates) the settings row on the given
// transaction handle, so policy reads join the caller's transaction.
func getSettings(tx *gorm.DB) (*db.LibrarySettings, error) {
	settings := db.LibrarySettings{
		ID:                  settingsID,
		LoanPeriodDays:      DefaultLoanPeriodDays,
		MaxLoansPerBorrower: DefaultMaxLoansPerBorrower,
		FinePerDay:          DefaultFinePerDay,
	}
	if err := tx.Where(db.LibrarySettings{ID: settingsID}).FirstOrCreate(&settings).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}
