package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(
		&Book{},
		&Borrower{},
		&Loan{},
		&Reservation{},
		&LibrarySettings{},
	); err != nil {
		return err
	}

	return createIndexes(db.DB)
}

func createIndexes(db *gorm.DB) error {
	// Composite indexes for the hot circulation queries. Plain syntax so the
	// same statements run on PostgreSQL and the SQLite test database.
	indexes := []string{
		// Open loans of one borrower (loan-limit check) and status sweeps
		`CREATE INDEX IF NOT EXISTS idx_loans_borrower_open ON loans(borrower_id, status)`,

		// Active queue of one book in position order
		`CREATE INDEX IF NOT EXISTS idx_reservations_queue ON reservations(book_isbn, status, queue_position)`,

		// One active reservation per (book, borrower) lookups
		`CREATE INDEX IF NOT EXISTS idx_reservations_pair ON reservations(book_isbn, borrower_id, status)`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}
