package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/idempotency"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/notify"
)

// errInFlight asks the queue to redeliver later while another attempt holds the event.
var errInFlight = errors.New("notification is being delivered by another attempt")

// Processor delivers queued order notifications at most once per event id.
type Processor struct {
	dedupe DedupeStore
	sender Sender
	logger *zap.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(dedupe DedupeStore, sender Sender, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{dedupe: dedupe, sender: sender, logger: logger}
}

// HandleSQS processes a batch and reports failed records individually so only they are redelivered.
func (p *Processor) HandleSQS(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		msg, err := notify.DecodeMessage([]byte(rec.Body))
		if err != nil {
			// redelivery cannot fix a malformed body
			p.logger.Error("dropping undecodable notification", zap.String("message_id", rec.MessageId), zap.Error(err))
			continue
		}
		if err := p.Process(ctx, msg); err != nil {
			p.logger.Warn("notification failed",
				zap.String("message_id", rec.MessageId),
				zap.String("event_id", msg.EventID),
				zap.String("order_id", msg.OrderID),
				zap.Error(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

// Process sends the email for msg unless it was already sent.
func (p *Processor) Process(ctx context.Context, msg notify.Message) error {
	if msg.EventID == "" {
		return fmt.Errorf("notification for order %s has no event id", msg.OrderID)
	}
	log := p.logger.With(zap.String("event_id", msg.EventID), zap.String("order_id", msg.OrderID), zap.String("event", string(msg.Event)))

	created, err := p.dedupe.CreateIfNotExists(ctx, idempotency.Claim{
		Scope:      idempotency.ScopeEmail,
		Key:        msg.EventID,
		ResourceID: msg.OrderID,
	})
	if err != nil {
		return fmt.Errorf("claim notification: %w", err)
	}
	if !created {
		rec, err := p.dedupe.Get(ctx, idempotency.ScopeEmail, msg.EventID)
		if err != nil {
			return fmt.Errorf("load notification record: %w", err)
		}
		if rec == nil {
			return errInFlight
		}
		if rec.Status == idempotency.StatusDone {
			log.Info("duplicate notification skipped")
			return nil
		}
		ok, err := p.dedupe.Reclaim(ctx, idempotency.ScopeEmail, msg.EventID)
		if err != nil {
			return fmt.Errorf("reclaim notification: %w", err)
		}
		if !ok {
			return errInFlight
		}
	}

	if err := p.sender.Send(ctx, msg); err != nil {
		if errors.Is(err, notify.ErrUnknownEvent) {
			log.Error("no email template for event, skipping", zap.Error(err))
			p.done(ctx, msg, "skipped")
			return nil
		}
		if markErr := p.dedupe.MarkFailed(context.WithoutCancel(ctx), idempotency.ScopeEmail, msg.EventID, err.Error()); markErr != nil {
			log.Warn("idempotency mark failed failed", zap.Error(markErr))
		}
		return err
	}
	p.done(ctx, msg, "sent")
	log.Info("notification sent", zap.String("recipient", msg.Recipient))
	return nil
}

func (p *Processor) done(ctx context.Context, msg notify.Message, outcome string) {
	if err := p.dedupe.MarkDone(context.WithoutCancel(ctx), idempotency.ScopeEmail, msg.EventID, outcome, 0); err != nil {
		p.logger.Warn("idempotency mark done failed", zap.String("event_id", msg.EventID), zap.Error(err))
	}
}
