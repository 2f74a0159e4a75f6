package repo

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/biblioteca/circulation/internal/db"
	"github.com/biblioteca/circulation/internal/events"
	"github.com/biblioteca/circulation/internal/notify"
	"github.com/biblioteca/circulation/pkg/logger"
)

func setupTestDB(t *testing.T) *db.DB {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// One connection keeps the in-memory database alive across the pool
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	database := &db.DB{DB: gormDB}
	require.NoError(t, db.RunMigrations(database))

	return database
}

type testEnv struct {
	db        *db.DB
	settings  *SettingsRepository
	buffer    *notify.Buffer
	ledger    *LoanLedger
	queue     *ReservationQueue
	books     *BookRepository
	borrowers *BorrowerRepository
}

func newTestEnv(t *testing.T) *testEnv {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "error")

	settings := NewSettingsRepository(database, log)
	buffer := notify.NewBuffer(notify.DefaultBufferCapacity)

	return &testEnv{
		db:        database,
		settings:  settings,
		buffer:    buffer,
		ledger:    NewLoanLedger(database, settings, buffer, events.NopPublisher{}, log),
		queue:     NewReservationQueue(database, events.NopPublisher{}, log),
		books:     NewBookRepository(database, log),
		borrowers: NewBorrowerRepository(database, log),
	}
}

func (e *testEnv) addBook(t *testing.T, isbn string, quantity int) {
	t.Helper()
	require.NoError(t, e.db.Create(&db.Book{
		ISBN:     isbn,
		Title:    "Title " + isbn,
		Author:   "Author " + isbn,
		Quantity: quantity,
	}).Error)
}

func (e *testEnv) addBorrower(t *testing.T, registration string) {
	t.Helper()
	require.NoError(t, e.db.Create(&db.Borrower{
		Registration: registration,
		Name:         "Borrower " + registration,
		Email:        registration + "@biblioteca.test",
	}).Error)
}

func (e *testEnv) bookQuantity(t *testing.T, isbn string) int {
	t.Helper()
	var book db.Book
	require.NoError(t, e.db.Where("isbn = ?", isbn).First(&book).Error)
	return book.Quantity
}
