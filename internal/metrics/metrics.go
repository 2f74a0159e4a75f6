// Package metrics exposes Prometheus collectors for the circulation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoansCreated counts successful loan creations.
	LoansCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_loans_created_total",
		Help: "Number of loans created",
	})

	// LoansReturned counts successful loan returns.
	LoansReturned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_loans_returned_total",
		Help: "Number of loans returned",
	})

	// OverdueTransitions counts loans discovered overdue by status derivation.
	OverdueTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_loans_overdue_transitions_total",
		Help: "Number of loans that transitioned from active to overdue",
	})

	// FinesAssessed accumulates fine amounts, in minor currency units.
	FinesAssessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_fines_assessed_minor_units_total",
		Help: "Total fine amount assessed at return time, in minor currency units",
	})

	// ReservationsCreated counts successful reservation creations.
	ReservationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_reservations_created_total",
		Help: "Number of reservations created",
	})

	// ReservationsCancelled counts cancelled reservations.
	ReservationsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_reservations_cancelled_total",
		Help: "Number of reservations cancelled",
	})

	// ReservationsFulfilled counts fulfilled reservations.
	ReservationsFulfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_reservations_fulfilled_total",
		Help: "Number of reservations fulfilled",
	})

	// NotificationsDropped counts overdue notifications lost because the
	// buffer was full.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_notifications_dropped_total",
		Help: "Number of overdue notifications dropped by the full buffer",
	})

	// NotificationsPublished counts overdue notifications handed to the
	// event publisher.
	NotificationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_notifications_published_total",
		Help: "Number of overdue notifications published downstream",
	})
)
