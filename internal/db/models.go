package db

import (
	"time"

	"gorm.io/gorm"
)

// LoanStatus is the lifecycle state of a loan. It is a derived view: the
// stored value is refreshed lazily from the loan's dates before every read.
type LoanStatus string

const (
	LoanActive   LoanStatus = "ACTIVE"
	LoanOverdue  LoanStatus = "OVERDUE"
	LoanReturned LoanStatus = "RETURNED"
)

// ReservationStatus is the lifecycle state of a reservation. ACTIVE may
// transition to CANCELLED or FULFILLED; both are terminal.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationFulfilled ReservationStatus = "FULFILLED"
)

// Book represents a title in the library catalog. Quantity is the number of
// copies currently on the shelf; it is decremented on loan and restored on
// return and never goes negative.
type Book struct {
	ISBN               string    `gorm:"primaryKey;type:varchar(50)" json:"isbn"`
	Title              string    `gorm:"type:varchar(255);not null;index:idx_books_title" json:"title"`
	Author             string    `gorm:"type:varchar(255);not null;index:idx_books_author" json:"author"`
	Synopsis           string    `gorm:"type:text" json:"synopsis,omitempty"`
	Quantity           int       `gorm:"not null;default:0" json:"quantity"`
	ActiveReservations int       `gorm:"not null;default:0" json:"active_reservations"` // denormalized, recomputed by the reservation queue
	EntryDate          time.Time `gorm:"not null" json:"entry_date"`
	CreatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Book model
func (Book) TableName() string {
	return "books"
}

// BeforeCreate hook to default the catalog entry date
func (b *Book) BeforeCreate(tx *gorm.DB) error {
	if b.EntryDate.IsZero() {
		b.EntryDate = time.Now()
	}
	return nil
}

// Borrower represents a person eligible to take loans, keyed by their
// registration number. ReservationsCount is the lifetime number of
// reservations ever created by the borrower, any status; it is never
// decremented.
type Borrower struct {
	Registration      string    `gorm:"primaryKey;type:varchar(50)" json:"registration"`
	Name              string    `gorm:"type:varchar(255);not null" json:"name"`
	Email             string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_borrowers_email" json:"email"`
	Phone             string    `gorm:"type:varchar(50)" json:"phone,omitempty"`
	ReservationsCount int       `gorm:"not null;default:0" json:"reservations_count"`
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Borrower model
func (Borrower) TableName() string {
	return "borrowers"
}

// Loan is one lending of a book copy to a borrower. Loans are never deleted;
// a returned loan keeps its overdue-day count and fine as an audit record.
// OverdueDays and FineAmount are set exactly once, at return time.
type Loan struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	BorrowerID  string     `gorm:"type:varchar(50);not null;index:idx_loans_borrower" json:"borrower_id"`
	BookISBN    string     `gorm:"type:varchar(50);not null;index:idx_loans_book" json:"book_isbn"`
	LoanedAt    time.Time  `gorm:"not null" json:"loaned_at"`
	DueAt       time.Time  `gorm:"not null" json:"due_at"`
	ReturnedAt  *time.Time `json:"returned_at,omitempty"`
	Status      LoanStatus `gorm:"type:varchar(10);not null;index:idx_loans_status" json:"status"`
	OverdueDays *int       `json:"overdue_days,omitempty"`
	FineAmount  *int64     `json:"fine_amount,omitempty"` // minor currency units
	CreatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Loan model
func (Loan) TableName() string {
	return "loans"
}

// Reservation is one position in a book's waiting queue. QueuePosition is
// 1-based and contiguous among the book's ACTIVE reservations; once the
// reservation leaves ACTIVE the position is frozen as history.
type Reservation struct {
	ID            uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	BookISBN      string            `gorm:"type:varchar(50);not null;index:idx_reservations_book" json:"book_isbn"`
	BorrowerID    string            `gorm:"type:varchar(50);not null;index:idx_reservations_borrower" json:"borrower_id"`
	ReservedAt    time.Time         `gorm:"not null" json:"reserved_at"`
	QueuePosition int               `gorm:"not null" json:"queue_position"`
	Status        ReservationStatus `gorm:"type:varchar(10);not null;index:idx_reservations_status" json:"status"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Reservation model
func (Reservation) TableName() string {
	return "reservations"
}

// LibrarySettings holds the circulation policy values. Exactly one row exists
// (id 1); values are read at call time so policy changes apply to the next
// operation without a restart.
type LibrarySettings struct {
	ID                  int64     `gorm:"primaryKey" json:"id"`
	LoanPeriodDays      int       `gorm:"not null;default:14" json:"loan_period_days"`
	MaxLoansPerBorrower int       `gorm:"not null;default:3" json:"max_loans_per_borrower"`
	FinePerDay          int64     `gorm:"not null;default:100" json:"fine_per_day"` // minor currency units per overdue day
	UpdatedAt           time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for LibrarySettings model
func (LibrarySettings) TableName() string {
	return "library_settings"
}
