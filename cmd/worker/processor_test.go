package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/idempotency"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/notify"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/orders"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/testutil"
)

type fakeSender struct {
	sent     []notify.Message
	failures []error
	onSend   func()
}

func (s *fakeSender) Send(ctx context.Context, msg notify.Message) error {
	if s.onSend != nil {
		s.onSend()
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *fakeSender, *idempotency.Store) {
	t.Helper()
	dynamo := testutil.NewMemoryDynamo(map[string]string{"idempotency": "idempotency_key"})
	store := idempotency.NewStore(dynamo, "idempotency", time.Hour)
	sender := &fakeSender{}
	return NewProcessor(store, sender, nil), sender, store
}

func message(eventID string) notify.Message {
	return notify.Message{
		EventID:    eventID,
		Event:      orders.EventPaymentConfirmed,
		OrderID:    "order-1",
		OwnerID:    "user-1",
		Recipient:  "buyer@example.com",
		Status:     orders.StatusPaid,
		Total:      "120.00",
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func sqsEvent(t *testing.T, msgs ...notify.Message) events.SQSEvent {
	t.Helper()
	ev := events.SQSEvent{}
	for i, m := range msgs {
		body, err := json.Marshal(m)
		require.NoError(t, err)
		ev.Records = append(ev.Records, events.SQSMessage{MessageId: fmt.Sprintf("m-%d", i), Body: string(body)})
	}
	return ev
}

func TestProcess_SendsOncePerEvent(t *testing.T) {
	p, sender, store := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, message("evt-1")))
	require.NoError(t, p.Process(ctx, message("evt-1")))
	require.Len(t, sender.sent, 1)
	require.Equal(t, "buyer@example.com", sender.sent[0].Recipient)

	rec, err := store.Get(ctx, idempotency.ScopeEmail, "evt-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.StatusDone, rec.Status)
	require.Equal(t, "order-1", rec.ResourceID)
}

func TestProcess_FailedSendIsRetried(t *testing.T) {
	p, sender, store := newTestProcessor(t)
	ctx := context.Background()
	sender.failures = []error{errors.New("ses throttled")}

	require.Error(t, p.Process(ctx, message("evt-1")))
	rec, err := store.Get(ctx, idempotency.ScopeEmail, "evt-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.StatusFailed, rec.Status)
	require.Equal(t, "ses throttled", rec.Note)

	require.NoError(t, p.Process(ctx, message("evt-1")))
	require.Len(t, sender.sent, 1)
}

func TestProcess_InFlightEventIsRedelivered(t *testing.T) {
	p, sender, store := newTestProcessor(t)
	ctx := context.Background()
	_, err := store.CreateIfNotExists(ctx, idempotency.Claim{Scope: idempotency.ScopeEmail, Key: "evt-1"})
	require.NoError(t, err)

	require.ErrorIs(t, p.Process(ctx, message("evt-1")), errInFlight)
	require.Empty(t, sender.sent)
}

// contextDedupe fails like the DynamoDB client does once the caller's context is done.
type contextDedupe struct {
	*idempotency.Store
}

func (d contextDedupe) MarkDone(ctx context.Context, scope, key, body string, status int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.Store.MarkDone(ctx, scope, key, body, status)
}

func (d contextDedupe) MarkFailed(ctx context.Context, scope, key, note string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.Store.MarkFailed(ctx, scope, key, note)
}

func TestProcess_ReleasesClaimAfterCancellation(t *testing.T) {
	dynamo := testutil.NewMemoryDynamo(map[string]string{"idempotency": "idempotency_key"})
	store := idempotency.NewStore(dynamo, "idempotency", time.Hour)
	sender := &fakeSender{failures: []error{context.Canceled}}
	p := NewProcessor(contextDedupe{store}, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender.onSend = cancel

	require.ErrorIs(t, p.Process(ctx, message("evt-1")), context.Canceled)
	rec, err := store.Get(context.Background(), idempotency.ScopeEmail, "evt-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.StatusFailed, rec.Status)

	sender.onSend = nil
	require.NoError(t, p.Process(context.Background(), message("evt-1")))
	require.Len(t, sender.sent, 1)
}

func TestProcess_TakesOverAbandonedClaim(t *testing.T) {
	dynamo := testutil.NewMemoryDynamo(map[string]string{"idempotency": "idempotency_key"})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := idempotency.NewStore(dynamo, "idempotency", time.Hour,
		idempotency.WithLease(time.Minute),
		idempotency.WithClock(func() time.Time { return now }),
	)
	sender := &fakeSender{}
	p := NewProcessor(store, sender, nil)
	ctx := context.Background()

	_, err := store.CreateIfNotExists(ctx, idempotency.Claim{Scope: idempotency.ScopeEmail, Key: "evt-1"})
	require.NoError(t, err)
	require.ErrorIs(t, p.Process(ctx, message("evt-1")), errInFlight)

	now = now.Add(2 * time.Minute)
	require.NoError(t, p.Process(ctx, message("evt-1")))
	require.Len(t, sender.sent, 1)
}

func TestProcess_UnknownEventIsNotRetried(t *testing.T) {
	p, sender, _ := newTestProcessor(t)
	sender.failures = []error{fmt.Errorf("render: %w", notify.ErrUnknownEvent)}

	require.NoError(t, p.Process(context.Background(), message("evt-1")))
	require.Empty(t, sender.sent)
}

func TestHandleSQS_ReportsOnlyFailedRecords(t *testing.T) {
	p, sender, _ := newTestProcessor(t)
	sender.failures = []error{nil, errors.New("ses down")}

	ev := sqsEvent(t, message("evt-1"), message("evt-2"))
	ev.Records = append(ev.Records, events.SQSMessage{MessageId: "m-bad", Body: "{not json"})

	resp, err := p.HandleSQS(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "m-1"}}, resp.BatchItemFailures)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "evt-1", sender.sent[0].EventID)
}
