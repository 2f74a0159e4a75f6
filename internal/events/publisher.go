package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/biblioteca/circulation/internal/db"
)

const (
	exchangeName = "biblioteca.circulation"
	exchangeType = "topic"

	// Event types
	EventTypeLoanCreated          = "circulation.loan.created"
	EventTypeLoanReturned         = "circulation.loan.returned"
	EventTypeLoanOverdue          = "circulation.loan.overdue"
	EventTypeReservationCreated   = "circulation.reservation.created"
	EventTypeReservationCancelled = "circulation.reservation.cancelled"
	EventTypeReservationFulfilled = "circulation.reservation.fulfilled"

	// Retry configuration
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Publisher emits circulation domain events for downstream consumers
// (the notification mailer, reporting). Delivery is best effort: the rules
// engine never fails an operation because an event could not be published.
type Publisher interface {
	PublishLoanCreated(ctx context.Context, loan *db.Loan) error
	PublishLoanReturned(ctx context.Context, loan *db.Loan) error
	PublishLoanOverdue(ctx context.Context, loan *db.Loan) error
	PublishReservationCreated(ctx context.Context, res *db.Reservation) error
	PublishReservationCancelled(ctx context.Context, res *db.Reservation) error
	PublishReservationFulfilled(ctx context.Context, res *db.Reservation) error
	IsHealthy() bool
	Close() error
}

// AMQPPublisher publishes circulation events to a RabbitMQ topic exchange
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
}

// Event represents a domain event
type Event struct {
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	EventVersion string                 `json:"event_version"`
	Timestamp    string                 `json:"timestamp"`
	Payload      map[string]interface{} `json:"payload"`
}

// NewAMQPPublisher creates a new event publisher
func NewAMQPPublisher(url string, log *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	if err := channel.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Enable publisher confirms for reliability
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	log.Info("Connected to RabbitMQ", zap.String("exchange", exchangeName))

	return &AMQPPublisher{
		conn:    conn,
		channel: channel,
		log:     log,
	}, nil
}

func loanPayload(loan *db.Loan) map[string]interface{} {
	payload := map[string]interface{}{
		"loan_id":     loan.ID,
		"borrower_id": loan.BorrowerID,
		"book_isbn":   loan.BookISBN,
		"loaned_at":   loan.LoanedAt.UTC().Format(time.RFC3339),
		"due_at":      loan.DueAt.UTC().Format(time.RFC3339),
		"status":      loan.Status,
	}
	if loan.ReturnedAt != nil {
		payload["returned_at"] = loan.ReturnedAt.UTC().Format(time.RFC3339)
	}
	if loan.OverdueDays != nil {
		payload["overdue_days"] = *loan.OverdueDays
	}
	if loan.FineAmount != nil {
		payload["fine_amount"] = *loan.FineAmount
	}
	return payload
}

func reservationPayload(res *db.Reservation) map[string]interface{} {
	return map[string]interface{}{
		"reservation_id": res.ID,
		"book_isbn":      res.BookISBN,
		"borrower_id":    res.BorrowerID,
		"reserved_at":    res.ReservedAt.UTC().Format(time.RFC3339),
		"queue_position": res.QueuePosition,
		"status":         res.Status,
	}
}

// PublishLoanCreated publishes a loan created event
func (p *AMQPPublisher) PublishLoanCreated(ctx context.Context, loan *db.Loan) error {
	return p.publish(ctx, EventTypeLoanCreated, loanPayload(loan))
}

// PublishLoanReturned publishes a loan returned event
func (p *AMQPPublisher) PublishLoanReturned(ctx context.Context, loan *db.Loan) error {
	return p.publish(ctx, EventTypeLoanReturned, loanPayload(loan))
}

// PublishLoanOverdue publishes a loan overdue event
func (p *AMQPPublisher) PublishLoanOverdue(ctx context.Context, loan *db.Loan) error {
	return p.publish(ctx, EventTypeLoanOverdue, loanPayload(loan))
}

// PublishReservationCreated publishes a reservation created event
func (p *AMQPPublisher) PublishReservationCreated(ctx context.Context, res *db.Reservation) error {
	return p.publish(ctx, EventTypeReservationCreated, reservationPayload(res))
}

// PublishReservationCancelled publishes a reservation cancelled event
func (p *AMQPPublisher) PublishReservationCancelled(ctx context.Context, res *db.Reservation) error {
	return p.publish(ctx, EventTypeReservationCancelled, reservationPayload(res))
}

// PublishReservationFulfilled publishes a reservation fulfilled event
func (p *AMQPPublisher) PublishReservationFulfilled(ctx context.Context, res *db.Reservation) error {
	return p.publish(ctx, EventTypeReservationFulfilled, reservationPayload(res))
}

func (p *AMQPPublisher) publish(ctx context.Context, eventType string, payload map[string]interface{}) error {
	event := Event{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: "1.0.0",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Payload:      payload,
	}
	return p.publishWithRetry(ctx, eventType, event)
}

// publishWithRetry publishes an event with exponential backoff retry
func (p *AMQPPublisher) publishWithRetry(ctx context.Context, routingKey string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error("Failed to marshal event", zap.Error(err))
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}

		// Publish with confirmation
		confirms := p.channel.NotifyPublish(make(chan amqp.Confirmation, 1))

		err := p.channel.PublishWithContext(
			ctx,
			exchangeName,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				MessageId:    event.EventID,
				Body:         body,
				Headers: amqp.Table{
					"event_type":    event.EventType,
					"event_version": event.EventVersion,
				},
			},
		)

		if err != nil {
			lastErr = err
			p.log.Warn("Failed to publish event, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		// Wait for confirmation
		select {
		case confirm := <-confirms:
			if confirm.Ack {
				p.log.Debug("Event published",
					zap.String("event_id", event.EventID),
					zap.String("event_type", event.EventType),
				)
				return nil
			}
			lastErr = fmt.Errorf("event not acknowledged")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			lastErr = fmt.Errorf("confirmation timeout")
		}

		p.log.Warn("Event publish not confirmed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	p.log.Error("Failed to publish event after retries",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Int("attempts", maxRetries),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed to publish event after %d attempts: %w", maxRetries, lastErr)
}

// IsHealthy checks if the publisher connection is healthy
func (p *AMQPPublisher) IsHealthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Close closes the publisher connection
func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.log.Error("Failed to close channel", zap.Error(err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.Error("Failed to close connection", zap.Error(err))
			return err
		}
	}
	p.log.Info("Publisher closed")
	return nil
}
