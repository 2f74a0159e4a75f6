package repo

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/biblioteca/circulation/internal/db"
)

var (
	// ErrBookNotFound is returned when a book is not found
	ErrBookNotFound = errors.New("book not found")

	// ErrBookAlreadyExists is returned when trying to create a book that already exists
	ErrBookAlreadyExists = errors.New("book already exists")

	// ErrBookInUse is returned when deleting a book that loans or reservations still reference
	ErrBookInUse = errors.New("book is referenced by loans or reservations")
)

// BookRepository handles catalog persistence for books, keyed by ISBN
type BookRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewBookRepository creates a new book repository
func NewBookRepository(database *db.DB, logger *zap.Logger) *BookRepository {
	return &BookRepository{
		db:  database,
		log: logger,
	}
}

// Get retrieves a book by ISBN
func (r *BookRepository) Get(ctx context.Context, isbn string) (*db.Book, error) {
	var book db.Book
	err := r.db.WithContext(ctx).Where("isbn = ?", isbn).First(&book).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		r.log.Error("Failed to get book", zap.String("isbn", isbn), zap.Error(err))
		return nil, err
	}

	return &book, nil
}

// Exists reports whether a book with the given ISBN exists
func (r *BookRepository) Exists(ctx context.Context, isbn string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.Book{}).Where("isbn = ?", isbn).Count(&count).Error
	if err != nil {
		r.log.Error("Failed to check book existence", zap.String("isbn", isbn), zap.Error(err))
		return false, err
	}
	return count > 0, nil
}

// Create adds a new book to the catalog
func (r *BookRepository) Create(ctx context.Context, book *db.Book) error {
	var existing db.Book
	err := r.db.WithContext(ctx).Where("isbn = ?", book.ISBN).First(&existing).Error
	if err == nil {
		return ErrBookAlreadyExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		r.log.Error("Failed to check book existence", zap.String("isbn", book.ISBN), zap.Error(err))
		return err
	}

	if err := r.db.WithContext(ctx).Create(book).Error; err != nil {
		r.log.Error("Failed to create book", zap.String("isbn", book.ISBN), zap.Error(err))
		return err
	}

	r.log.Info("Book created", zap.String("isbn", book.ISBN), zap.String("title", book.Title))
	return nil
}

// Save persists the given book, overwriting the stored row
func (r *BookRepository) Save(ctx context.Context, book *db.Book) error {
	if err := r.db.WithContext(ctx).Save(book).Error; err != nil {
		r.log.Error("Failed to save book", zap.String("isbn", book.ISBN), zap.Error(err))
		return err
	}
	return nil
}

// List returns all books, optionally only those with copies on the shelf
func (r *BookRepository) List(ctx context.Context, availableOnly bool) ([]*db.Book, error) {
	query := r.db.WithContext(ctx).Model(&db.Book{})
	if availableOnly {
		query = query.Where("quantity > 0")
	}

	var books []*db.Book
	if err := query.Order("title ASC").Find(&books).Error; err != nil {
		r.log.Error("Failed to list books", zap.Error(err))
		return nil, err
	}
	return books, nil
}

// Delete removes a book from the catalog. Refused while any loan or
// reservation still references the ISBN, since both keep the book as part of
// their audit trail.
func (r *BookRepository) Delete(ctx context.Context, isbn string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loans int64
		if err := tx.Model(&db.Loan{}).Where("book_isbn = ?", isbn).Count(&loans).Error; err != nil {
			return err
		}
		var reservations int64
		if err := tx.Model(&db.Reservation{}).Where("book_isbn = ?", isbn).Count(&reservations).Error; err != nil {
			return err
		}
		if loans > 0 || reservations > 0 {
			return ErrBookInUse
		}

		result := tx.Where("isbn = ?", isbn).Delete(&db.Book{})
		if result.Error != nil {
			r.log.Error("Failed to delete book", zap.String("isbn", isbn), zap.Error(result.Error))
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBookNotFound
		}

		r.log.Info("Book deleted", zap.String("isbn", isbn))
		return nil
	})
}
