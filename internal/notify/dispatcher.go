package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/orders"
)

const defaultPublishTimeout = 3 * time.Second

// Publisher puts a message on the notification queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTimeout bounds a single enqueue.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.nowFunc = now }
}

// Dispatcher implements orders.Notifier on top of a queue Publisher.
// It enqueues once per event and never reports failure to the lifecycle.
type Dispatcher struct {
	pub     Publisher
	logger  *zap.Logger
	timeout time.Duration
	nowFunc func() time.Time
	newID   func() string
}

// NewDispatcher returns a Dispatcher publishing through pub.
func NewDispatcher(pub Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pub:     pub,
		logger:  zap.NewNop(),
		timeout: defaultPublishTimeout,
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NotifyOrder enqueues a notification for a committed order transition.
func (d *Dispatcher) NotifyOrder(ctx context.Context, event orders.Event, o orders.Order) {
	msg := Message{
		EventID:    d.newID(),
		Event:      event,
		OrderID:    o.ID,
		OwnerID:    o.OwnerID,
		Recipient:  o.ContactEmail,
		Status:     o.Status,
		Total:      o.Total.StringFixed(2),
		Items:      o.Items,
		Shipment:   o.Shipment,
		OccurredAt: d.nowFunc().UTC(),
	}

	// the transition is already committed; a cancelled request must not drop the notification
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	if err := d.pub.Publish(pubCtx, msg); err != nil {
		d.logger.Error("notification enqueue failed",
			zap.String("order_id", o.ID),
			zap.String("event", string(event)),
			zap.String("event_id", msg.EventID),
			zap.Error(err),
		)
		return
	}
	d.logger.Info("notification enqueued",
		zap.String("order_id", o.ID),
		zap.String("event", string(event)),
		zap.String("event_id", msg.EventID),
	)
}

// Sender is satisfied by the SQS publisher in internal/aws.
type Sender interface {
	Send(ctx context.Context, messageBody string, attributes map[string]string) error
}

// SQSPublisher publishes notifications as JSON SQS messages.
type SQSPublisher struct {
	sender Sender
}

// NewSQSPublisher wraps an SQS sender.
func NewSQSPublisher(sender Sender) *SQSPublisher {
	return &SQSPublisher{sender: sender}
}

// Publish implements Publisher.
func (p *SQSPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return p.sender.Send(ctx, string(body), msg.Attributes())
}
