package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biblioteca/circulation/internal/db"
)

func TestCreateLoan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 2)
	env.addBorrower(t, "2023001")

	loan, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", nil)
	require.NoError(t, err)

	assert.Equal(t, db.LoanActive, loan.Status)
	assert.Equal(t, "2023001", loan.BorrowerID)
	assert.Equal(t, "ISBN-1", loan.BookISBN)
	assert.Nil(t, loan.ReturnedAt)
	assert.Nil(t, loan.FineAmount)

	// Due date is loan date plus the default 14-day period
	assert.Equal(t, loan.LoanedAt.AddDate(0, 0, 14), loan.DueAt)

	// Stock decremented
	assert.Equal(t, 1, env.bookQuantity(t, "ISBN-1"))
}

func TestCreateLoanMissingBookOrBorrower(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBorrower(t, "2023001")

	_, err := env.ledger.CreateLoan(ctx, "2023001", "MISSING", nil)
	assert.ErrorIs(t, err, ErrBookNotFound)

	_, err = env.ledger.CreateLoan(ctx, "unknown", "ISBN-1", nil)
	assert.ErrorIs(t, err, ErrBorrowerNotFound)

	// Failed attempts never touched the stock
	assert.Equal(t, 1, env.bookQuantity(t, "ISBN-1"))
}

func TestCreateLoanNoStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBorrower(t, "2023001")
	env.addBorrower(t, "2023002")

	_, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", nil)
	require.NoError(t, err)

	_, err = env.ledger.CreateLoan(ctx, "2023002", "ISBN-1", nil)
	assert.ErrorIs(t, err, ErrBookUnavailable)
	assert.Equal(t, 0, env.bookQuantity(t, "ISBN-1"))
}

func TestLoanLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Default limit is 3 simultaneous loans
	for _, isbn := range []string{"ISBN-1", "ISBN-2", "ISBN-3", "ISBN-4"} {
		env.addBook(t, isbn, 2)
	}
	env.addBorrower(t, "2023001")

	loans := make([]*db.Loan, 0, 3)
	for _, isbn := range []string{"ISBN-1", "ISBN-2", "ISBN-3"} {
		loan, err := env.ledger.CreateLoan(ctx, "2023001", isbn, nil)
		require.NoError(t, err)
		loans = append(loans, loan)
	}

	_, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-4", nil)
	assert.ErrorIs(t, err, ErrLoanLimitExceeded)

	// Returning one loan frees a slot
	_, err = env.ledger.ReturnLoan(ctx, loans[0].ID, nil)
	require.NoError(t, err)

	_, err = env.ledger.CreateLoan(ctx, "2023001", "ISBN-4", nil)
	assert.NoError(t, err)
}

func TestLoanLimitCountsOverdue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, isbn := range []string{"ISBN-1", "ISBN-2", "ISBN-3", "ISBN-4"} {
		env.addBook(t, isbn, 1)
	}
	env.addBorrower(t, "2023001")

	// Three loans taken long ago, all silently overdue by now
	past := time.Now().AddDate(0, 0, -30)
	for _, isbn := range []string{"ISBN-1", "ISBN-2", "ISBN-3"} {
		_, err := env.ledger.CreateLoan(ctx, "2023001", isbn, &past)
		require.NoError(t, err)
	}

	_, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-4", nil)
	assert.ErrorIs(t, err, ErrLoanLimitExceeded)
}

func TestReturnLoanOnTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 2)
	env.addBorrower(t, "2023001")

	loan, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, env.bookQuantity(t, "ISBN-1"))

	returned, err := env.ledger.ReturnLoan(ctx, loan.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, db.LoanReturned, returned.Status)
	require.NotNil(t, returned.ReturnedAt)
	require.NotNil(t, returned.OverdueDays)
	require.NotNil(t, returned.FineAmount)
	assert.Equal(t, 0, *returned.OverdueDays)
	assert.Equal(t, int64(0), *returned.FineAmount)

	// Stock restored to the pre-loan value
	assert.Equal(t, 2, env.bookQuantity(t, "ISBN-1"))
}

func TestReturnLoanOverdueFine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBorrower(t, "2023001")

	// Loaned 20 days ago with a 14-day period: due 6 days ago
	loanedAt := time.Now().AddDate(0, 0, -20)
	loan, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", &loanedAt)
	require.NoError(t, err)

	returnedAt := loan.DueAt.Add(6 * 24 * time.Hour)
	returned, err := env.ledger.ReturnLoan(ctx, loan.ID, &returnedAt)
	require.NoError(t, err)

	// Default fine is 100 minor units per overdue day
	assert.Equal(t, 6, *returned.OverdueDays)
	assert.Equal(t, int64(600), *returned.FineAmount)
}

func TestReturnLoanTruncatesPartialDays(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBorrower(t, "2023001")

	loanedAt := time.Now().AddDate(0, 0, -15)
	loan, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", &loanedAt)
	require.NoError(t, err)

	// One day and six hours past due: a single whole overdue day
	returnedAt := loan.DueAt.Add(30 * time.Hour)
	returned, err := env.ledger.ReturnLoan(ctx, loan.ID, &returnedAt)
	require.NoError(t, err)

	assert.Equal(t, 1, *returned.OverdueDays)
	assert.Equal(t, int64(100), *returned.FineAmount)
}

func TestReturnLoanTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBorrower(t, "2023001")

	loan, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", nil)
	require.NoError(t, err)

	_, err = env.ledger.ReturnLoan(ctx, loan.ID, nil)
	require.NoError(t, err)

	_, err = env.ledger.ReturnLoan(ctx, loan.ID, nil)
	assert.ErrorIs(t, err, ErrLoanAlreadyReturned)

	// The double return must not have restored stock twice
	assert.Equal(t, 1, env.bookQuantity(t, "ISBN-1"))
}

func TestReturnLoanNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ledger.ReturnLoan(context.Background(), 9999, nil)
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestFineUsesCurrentSettings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBorrower(t, "2023001")

	loanedAt := time.Now().AddDate(0, 0, -20)
	loan, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", &loanedAt)
	require.NoError(t, err)

	// Raise the fine rate between loan and return; the rate at return
	// time applies
	_, err = env.settings.Update(ctx, 14, 3, 250)
	require.NoError(t, err)

	returnedAt := loan.DueAt.Add(6 * 24 * time.Hour)
	returned, err := env.ledger.ReturnLoan(ctx, loan.ID, &returnedAt)
	require.NoError(t, err)

	assert.Equal(t, 6, *returned.OverdueDays)
	assert.Equal(t, int64(1500), *returned.FineAmount)
}

func TestDeriveStatusOverdueDiscovery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBorrower(t, "2023001")

	loanedAt := time.Now().AddDate(0, 0, -20)
	loan, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", &loanedAt)
	require.NoError(t, err)
	require.Equal(t, db.LoanActive, loan.Status)

	now := time.Now()
	changed, err := env.ledger.DeriveStatus(ctx, loan, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, db.LoanOverdue, loan.Status)

	// The fresh transition was staged for notification
	assert.Equal(t, 1, env.buffer.Len())

	// Second derivation with the same instant is a no-op
	changed, err = env.ledger.DeriveStatus(ctx, loan, now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, env.buffer.Len())
}

func TestReturnedIffReturnTimestamp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBook(t, "ISBN-2", 1)
	env.addBorrower(t, "2023001")

	_, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", nil)
	require.NoError(t, err)
	closed, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-2", nil)
	require.NoError(t, err)
	_, err = env.ledger.ReturnLoan(ctx, closed.ID, nil)
	require.NoError(t, err)

	all, err := env.ledger.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, loan := range all {
		assert.Equal(t, loan.Status == db.LoanReturned, loan.ReturnedAt != nil,
			"loan %d: RETURNED status must coincide with a return timestamp", loan.ID)
	}
}

func TestBulkQueriesDeriveBeforeFiltering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBook(t, "ISBN-2", 1)
	env.addBook(t, "ISBN-3", 1)
	env.addBorrower(t, "2023001")

	// One current loan, one stored as ACTIVE but past due, one returned
	_, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", nil)
	require.NoError(t, err)

	past := time.Now().AddDate(0, 0, -20)
	overdueLoan, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-2", &past)
	require.NoError(t, err)

	returnedLoan, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-3", nil)
	require.NoError(t, err)
	_, err = env.ledger.ReturnLoan(ctx, returnedLoan.ID, nil)
	require.NoError(t, err)

	active, err := env.ledger.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ISBN-1", active[0].BookISBN)

	overdue, err := env.ledger.GetOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, overdueLoan.ID, overdue[0].ID)
	assert.Equal(t, db.LoanOverdue, overdue[0].Status)

	out, err := env.ledger.GetActiveAndOverdue(ctx)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	returned, err := env.ledger.GetReturned(ctx)
	require.NoError(t, err)
	require.Len(t, returned, 1)
	assert.Equal(t, returnedLoan.ID, returned[0].ID)

	byBorrower, err := env.ledger.GetActiveByBorrower(ctx, "2023001")
	require.NoError(t, err)
	require.Len(t, byBorrower, 1)
	assert.Equal(t, "ISBN-1", byBorrower[0].BookISBN)
}

func TestCheckAndUpdateOverdueStagesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "ISBN-1", 1)
	env.addBorrower(t, "2023001")

	past := time.Now().AddDate(0, 0, -20)
	_, err := env.ledger.CreateLoan(ctx, "2023001", "ISBN-1", &past)
	require.NoError(t, err)

	overdue, err := env.ledger.CheckAndUpdateOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, 1, env.buffer.Len())

	// Re-running the sweep does not stage the same loan again
	overdue, err = env.ledger.CheckAndUpdateOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, 1, env.buffer.Len())

	// And the peek-style listing matches the staged loan
	staged := env.ledger.OverdueNotifications()
	require.Len(t, staged, 1)
	assert.Equal(t, overdue[0].ID, staged[0].ID)
}

func TestOverdueDaysBetween(t *testing.T) {
	due := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, overdueDaysBetween(due, due))
	assert.Equal(t, 0, overdueDaysBetween(due, due.Add(-48*time.Hour)))
	assert.Equal(t, 0, overdueDaysBetween(due, due.Add(23*time.Hour)))
	assert.Equal(t, 1, overdueDaysBetween(due, due.Add(24*time.Hour)))
	assert.Equal(t, 6, overdueDaysBetween(due, due.Add(6*24*time.Hour+time.Minute)))
}
