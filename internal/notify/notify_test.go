package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/orders"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
)

func paidOrder() orders.Order {
	return orders.Order{
		ID:           "order-1",
		OwnerID:      "user-1",
		ContactEmail: "ash@example.com",
		Shipment: orders.Shipment{
			RecipientName: "Ash Ketchum",
			Street:        "1 Route 1",
			City:          "Pallet Town",
			PostalCode:    "00001",
			Country:       "JP",
		},
		Total:  decimal.NewFromInt(80),
		Items:  []pricing.LineItem{{Title: "Booster Box", UnitPrice: decimal.NewFromInt(35), Quantity: 2}},
		Status: orders.StatusPaid,
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	msgs    []Message
	ctxErrs []error
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.err
}

func TestDispatcher_EnqueuesMessage(t *testing.T) {
	pub := &fakePublisher{}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := NewDispatcher(pub, WithClock(func() time.Time { return now }))

	d.NotifyOrder(context.Background(), orders.EventPaymentConfirmed, paidOrder())

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	require.NotEmpty(t, msg.EventID)
	require.Equal(t, orders.EventPaymentConfirmed, msg.Event)
	require.Equal(t, "ash@example.com", msg.Recipient)
	require.Equal(t, "80.00", msg.Total)
	require.Equal(t, now, msg.OccurredAt)
}

func TestDispatcher_SurvivesCancelledRequest(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.NotifyOrder(ctx, orders.EventShipped, paidOrder())

	require.Len(t, pub.msgs, 1)
	require.NoError(t, pub.ctxErrs[0])
}

func TestDispatcher_FailureIsLoggedNotRetried(t *testing.T) {
	pub := &fakePublisher{err: errors.New("queue unavailable")}
	core, logs := observer.New(zapcore.InfoLevel)
	d := NewDispatcher(pub, WithLogger(zap.New(core)))

	d.NotifyOrder(context.Background(), orders.EventPaymentConfirmed, paidOrder())

	require.Len(t, pub.msgs, 1, "one enqueue attempt")
	require.Equal(t, 1, logs.FilterMessage("notification enqueue failed").Len())
}

type fakeSender struct {
	body  string
	attrs map[string]string
}

func (f *fakeSender) Send(ctx context.Context, body string, attrs map[string]string) error {
	f.body, f.attrs = body, attrs
	return nil
}

func TestSQSPublisher_RoundTrip(t *testing.T) {
	sender := &fakeSender{}
	pub := NewSQSPublisher(sender)
	d := NewDispatcher(pub)

	d.NotifyOrder(context.Background(), orders.EventShipped, paidOrder())

	msg, err := DecodeMessage([]byte(sender.body))
	require.NoError(t, err)
	require.Equal(t, orders.EventShipped, msg.Event)
	require.Equal(t, "order-1", msg.OrderID)
	require.Equal(t, msg.EventID, sender.attrs["event_id"])
	require.Equal(t, "shipped", sender.attrs["event"])
}

func TestDecodeMessage_RejectsIncomplete(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"order_id":"order-1"}`))
	require.Error(t, err)

	_, err = DecodeMessage([]byte(`not json`))
	require.Error(t, err)

	_, err = DecodeMessage([]byte(`{"event_id":"e","event":"shipped","order_id":"o","status":"lost"}`))
	require.Error(t, err, "status outside the order domain")
}

type fakeChannel struct {
	published  []amqp.Publishing
	key        string
	deliveries chan amqp.Delivery
	closed     bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.closed {
		return amqp.ErrClosed
	}
	f.key = key
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

type fakeAck struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	requeue []bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestRabbitPublisher(t *testing.T) {
	ch := &fakeChannel{}
	pub := NewRabbitPublisher(ch, "order-notifications")
	msg := Message{EventID: "evt-1", Event: orders.EventShipped, OrderID: "order-1"}

	require.NoError(t, pub.Publish(context.Background(), msg))
	require.Equal(t, "order-notifications", ch.key)
	require.Len(t, ch.published, 1)
	require.Equal(t, "evt-1", ch.published[0].MessageId)
	require.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	require.Equal(t, "order-1", ch.published[0].Headers["order_id"])

	var decoded Message
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &decoded))
	require.Equal(t, msg.EventID, decoded.EventID)
}

func TestRabbitPublisher_RedialsClosedChannel(t *testing.T) {
	dead := &fakeChannel{closed: true}
	fresh := &fakeChannel{}
	dials := 0
	pub := NewRabbitPublisher(dead, "order-notifications").WithRedial(func() (ChannelPublisher, error) {
		dials++
		return fresh, nil
	}, nil)

	require.NoError(t, pub.Publish(context.Background(), Message{EventID: "evt-1", Event: orders.EventShipped}))
	require.NoError(t, pub.Publish(context.Background(), Message{EventID: "evt-2", Event: orders.EventShipped}))
	require.Equal(t, 1, dials)
	require.Len(t, fresh.published, 2)
}

func TestRabbitPublisher_RedialFailure(t *testing.T) {
	pub := NewRabbitPublisher(&fakeChannel{closed: true}, "q").WithRedial(func() (ChannelPublisher, error) {
		return nil, errors.New("connection refused")
	}, nil)

	err := pub.Publish(context.Background(), Message{EventID: "evt-1", Event: orders.EventShipped})
	require.ErrorIs(t, err, amqp.ErrClosed)
	require.ErrorContains(t, err, "connection refused")

	// without a redialer the closed channel error is returned as is
	err = NewRabbitPublisher(&fakeChannel{closed: true}, "q").Publish(context.Background(), Message{EventID: "evt-1"})
	require.ErrorIs(t, err, amqp.ErrClosed)
}

func TestRabbitConsumer_DelaysRequeue(t *testing.T) {
	ack := &fakeAck{}
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 1)}
	b, err := json.Marshal(Message{EventID: "busy", Event: orders.EventShipped})
	require.NoError(t, err)
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: b}
	close(ch.deliveries)

	consumer := NewRabbitConsumer(ch, "q", nil)
	consumer.requeueDelay = 50 * time.Millisecond
	start := time.Now()
	require.NoError(t, consumer.Run(context.Background(), func(context.Context, Message) error {
		return errors.New("in flight elsewhere")
	}))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, []bool{true}, ack.requeue)
}

func TestRabbitConsumer_AcksAndRequeues(t *testing.T) {
	ack := &fakeAck{}
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 3)}
	body := func(id string) []byte {
		b, _ := json.Marshal(Message{EventID: id, Event: orders.EventShipped, OrderID: "order-" + id})
		return b
	}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body("ok")}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: body("fail")}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte("garbage")}
	close(ch.deliveries)

	var handled []string
	consumer := NewRabbitConsumer(ch, "order-notifications", nil)
	consumer.requeueDelay = 0
	err := consumer.Run(context.Background(), func(ctx context.Context, msg Message) error {
		handled = append(handled, msg.EventID)
		if msg.EventID == "fail" {
			return errors.New("ses throttled")
		}
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []string{"ok", "fail"}, handled)
	require.Equal(t, []uint64{1}, ack.acks)
	require.Equal(t, []uint64{2, 3}, ack.nacks)
	require.Equal(t, []bool{true, false}, ack.requeue, "handler failures requeue, poison messages do not")
}

func TestRabbitConsumer_StopsOnContext(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewRabbitConsumer(ch, "q", nil).Run(ctx, func(context.Context, Message) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestRenderEmail(t *testing.T) {
	msg := Message{
		EventID:  "evt-1",
		Event:    orders.EventPaymentConfirmed,
		OrderID:  "order-1",
		Total:    "80.00",
		Items:    paidOrder().Items,
		Shipment: paidOrder().Shipment,
	}
	subject, body, err := RenderEmail(msg)
	require.NoError(t, err)
	require.Equal(t, "Payment received for order order-1", subject)
	require.Contains(t, body, "80.00")
	require.Contains(t, body, "2 x Booster Box")

	msg.Event = orders.EventShipped
	subject, body, err = RenderEmail(msg)
	require.NoError(t, err)
	require.Equal(t, "Order order-1 has shipped", subject)
	require.True(t, strings.Contains(body, "00001 Pallet Town"))

	msg.Event = "refunded"
	_, _, err = RenderEmail(msg)
	require.ErrorIs(t, err, ErrUnknownEvent)
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{}, nil
}

func TestEmailSender(t *testing.T) {
	ses := &fakeSES{}
	sender := NewEmailSender(ses, "shop@example.com")
	msg := Message{EventID: "evt-1", Event: orders.EventShipped, OrderID: "order-1", Recipient: "ash@example.com", Shipment: paidOrder().Shipment}

	require.NoError(t, sender.Send(context.Background(), msg))
	require.Equal(t, "shop@example.com", *ses.input.FromEmailAddress)
	require.Equal(t, []string{"ash@example.com"}, ses.input.Destination.ToAddresses)
	require.Equal(t, "Order order-1 has shipped", *ses.input.Content.Simple.Subject.Data)

	msg.Recipient = ""
	require.Error(t, sender.Send(context.Background(), msg))

	ses.err = errors.New("throttled")
	msg.Recipient = "ash@example.com"
	require.ErrorContains(t, sender.Send(context.Background(), msg), "throttled")
}
