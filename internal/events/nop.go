package events

import (
	"context"

	"github.com/biblioteca/circulation/internal/db"
)

// NopPublisher discards all events. Used when no broker is configured and in
// tests that do not care about event output.
type NopPublisher struct{}

func (NopPublisher) PublishLoanCreated(context.Context, *db.Loan) error               { return nil }
func (NopPublisher) PublishLoanReturned(context.Context, *db.Loan) error              { return nil }
func (NopPublisher) PublishLoanOverdue(context.Context, *db.Loan) error               { return nil }
func (NopPublisher) PublishReservationCreated(context.Context, *db.Reservation) error { return nil }
func (NopPublisher) PublishReservationCancelled(context.Context, *db.Reservation) error {
	return nil
}
func (NopPublisher) PublishReservationFulfilled(context.Context, *db.Reservation) error {
	return nil
}
func (NopPublisher) IsHealthy() bool { return true }
func (NopPublisher) Close() error    { return nil }
