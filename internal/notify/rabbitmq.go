package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dialAttempts        = 5
	defaultRequeueDelay = 2 * time.Second
)

// ChannelPublisher is the publishing half of an AMQP channel.
type ChannelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type amqpConsumer interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// RabbitConn owns a connection and channel with the notification queue declared.
type RabbitConn struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Queue   string
}

// DialRabbit connects to url and declares a durable queue. Startup races with the broker are retried.
func DialRabbit(url, queue string, logger *zap.Logger) (*RabbitConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var conn *amqp.Connection
	var err error
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq dial failed", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not declare queue: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not set qos: %w", err)
	}
	return &RabbitConn{Conn: conn, Channel: ch, Queue: queue}, nil
}

// Close closes the channel and connection.
func (r *RabbitConn) Close() error {
	if r == nil || r.Conn == nil {
		return nil
	}
	return r.Conn.Close()
}

// Redialer opens a fresh channel after the broker closed the previous one.
type Redialer func() (ChannelPublisher, error)

// RabbitPublisher publishes notifications to a queue through the default exchange.
type RabbitPublisher struct {
	mu     sync.Mutex
	ch     ChannelPublisher
	queue  string
	redial Redialer
	logger *zap.Logger
	conn   *RabbitConn
}

// NewRabbitPublisher returns a Publisher bound to queue.
func NewRabbitPublisher(ch ChannelPublisher, queue string) *RabbitPublisher {
	return &RabbitPublisher{ch: ch, queue: queue, logger: zap.NewNop()}
}

// WithRedial makes Publish reopen the channel once when the broker has closed it.
func (p *RabbitPublisher) WithRedial(redial Redialer, logger *zap.Logger) *RabbitPublisher {
	p.redial = redial
	if logger != nil {
		p.logger = logger
	}
	return p
}

// DialRabbitPublisher connects to url and returns a publisher that redials after a broker restart.
// Close releases the current connection.
func DialRabbitPublisher(url, queue string, logger *zap.Logger) (*RabbitPublisher, error) {
	conn, err := DialRabbit(url, queue, logger)
	if err != nil {
		return nil, err
	}
	p := NewRabbitPublisher(conn.Channel, queue)
	p.conn = conn
	return p.WithRedial(func() (ChannelPublisher, error) {
		next, err := DialRabbit(url, queue, logger)
		if err != nil {
			return nil, err
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.conn = next
		return next.Channel, nil
	}, logger), nil
}

// Close closes the publisher's connection, if it owns one.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}

// Publish implements Publisher with persistent delivery.
func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	headers := amqp.Table{}
	for k, v := range msg.Attributes() {
		headers[k] = v
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.EventID,
		Timestamp:    msg.OccurredAt,
		Headers:      headers,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.publish(ctx, publishing)
	if errors.Is(err, amqp.ErrClosed) && p.redial != nil {
		p.logger.Warn("rabbitmq channel closed, redialing", zap.String("event_id", msg.EventID))
		ch, dialErr := p.redial()
		if dialErr != nil {
			return fmt.Errorf("publish notification: %w", errors.Join(err, dialErr))
		}
		p.ch = ch
		err = p.publish(ctx, publishing)
	}
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (p *RabbitPublisher) publish(ctx context.Context, msg amqp.Publishing) error {
	return p.ch.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		msg,
	)
}

// Handler processes one decoded notification.
type Handler func(ctx context.Context, msg Message) error

// RabbitConsumer delivers queue messages to a Handler with manual acknowledgements.
type RabbitConsumer struct {
	ch           amqpConsumer
	queue        string
	logger       *zap.Logger
	requeueDelay time.Duration
}

// NewRabbitConsumer returns a consumer for queue.
func NewRabbitConsumer(ch amqpConsumer, queue string, logger *zap.Logger) *RabbitConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitConsumer{ch: ch, queue: queue, logger: logger, requeueDelay: defaultRequeueDelay}
}

// Run consumes until ctx is done or the delivery channel closes. Handler failures are requeued
// after a short delay; undecodable bodies are dropped.
func (c *RabbitConsumer) Run(ctx context.Context, handle Handler) error {
	deliveries, err := c.ch.Consume(
		c.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("could not start consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.deliver(ctx, d, handle)
		}
	}
}

func (c *RabbitConsumer) deliver(ctx context.Context, d amqp.Delivery, handle Handler) {
	msg, err := DecodeMessage(d.Body)
	if err != nil {
		c.logger.Error("dropping undecodable notification", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := handle(ctx, msg); err != nil {
		c.logger.Warn("notification failed, requeueing",
			zap.String("event_id", msg.EventID),
			zap.String("order_id", msg.OrderID),
			zap.Error(err),
		)
		c.backoff(ctx)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// backoff keeps a failing message from cycling straight back to this consumer.
func (c *RabbitConsumer) backoff(ctx context.Context) {
	if c.requeueDelay <= 0 {
		return
	}
	t := time.NewTimer(c.requeueDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
