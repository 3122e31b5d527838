package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/idempotency"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/observability"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/payments"
)

const maxWebhookBody = 64 << 10

// Webhook outcomes reported to the metrics counter.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

const webhookAck = `{"received":true}`

type webhookHandler struct {
	orders  OrderService
	idem    IdempotencyStore
	gateway payments.Gateway
	metrics *observability.HTTPMetrics
	logger  *zap.Logger
}

func (h *webhookHandler) register(r gin.IRoutes) {
	r.POST("/webhooks/stripe", h.handle)
}

// handle verifies a gateway callback and applies it at most once per event id. Errors that a retry
// cannot fix are acknowledged so the gateway stops redelivering.
func (h *webhookHandler) handle(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.metrics.ObserveWebhook("unknown", outcomeRejected)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
		return
	}
	event, err := h.gateway.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		h.metrics.ObserveWebhook("unknown", outcomeRejected)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	log := h.logger.With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	if !handledEvent(event.Type) {
		log.Debug("webhook event ignored")
		h.metrics.ObserveWebhook(event.Type, outcomeIgnored)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	claim := idempotency.Claim{Scope: idempotency.ScopeStripeEvent, Key: event.ID}
	if event.Session != nil {
		claim.ResourceID = event.Session.OrderID
	}
	created, err := h.idem.CreateIfNotExists(ctx, claim)
	if err != nil {
		log.Error("webhook claim failed", zap.Error(err))
		h.metrics.ObserveWebhook(event.Type, outcomeFailed)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if !created {
		proceed, status := h.resume(ctx, event.ID, log)
		if !proceed {
			outcome := outcomeDuplicate
			if status >= 500 {
				outcome = outcomeFailed
			}
			h.metrics.ObserveWebhook(event.Type, outcome)
			c.JSON(status, gin.H{"received": status < 300, "duplicate": status < 300})
			return
		}
	}

	outcome, err := h.apply(ctx, event, log)
	if err != nil {
		log.Error("webhook processing failed", zap.Error(err))
		if markErr := h.idem.MarkFailed(context.WithoutCancel(ctx), idempotency.ScopeStripeEvent, event.ID, err.Error()); markErr != nil {
			log.Warn("idempotency mark failed failed", zap.Error(markErr))
		}
		h.metrics.ObserveWebhook(event.Type, outcomeFailed)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if err := h.idem.MarkDone(context.WithoutCancel(ctx), idempotency.ScopeStripeEvent, event.ID, webhookAck, http.StatusOK); err != nil {
		log.Warn("idempotency mark done failed", zap.Error(err))
	}
	h.metrics.ObserveWebhook(event.Type, outcome)
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(webhookAck))
}

// resume decides what to do with an event id seen before. It returns true when this delivery
// should process the event, otherwise the status to answer with.
func (h *webhookHandler) resume(ctx context.Context, eventID string, log *zap.Logger) (bool, int) {
	rec, err := h.idem.Get(ctx, idempotency.ScopeStripeEvent, eventID)
	if err != nil || rec == nil {
		log.Error("webhook idempotency lookup failed", zap.Error(err))
		return false, http.StatusInternalServerError
	}
	if rec.Status == idempotency.StatusDone {
		log.Info("duplicate webhook acknowledged")
		return false, http.StatusOK
	}
	ok, err := h.idem.Reclaim(ctx, idempotency.ScopeStripeEvent, eventID)
	if err != nil {
		log.Error("webhook reclaim failed", zap.Error(err))
		return false, http.StatusInternalServerError
	}
	if ok {
		return true, 0
	}
	// another delivery is processing it; a non-2xx makes the gateway retry later
	return false, http.StatusConflict
}

func handledEvent(eventType string) bool {
	switch eventType {
	case payments.EventCheckoutCompleted, payments.EventAsyncPaymentSucceeded, payments.EventCheckoutExpired:
		return true
	}
	return false
}

func (h *webhookHandler) apply(ctx context.Context, event payments.WebhookEvent, log *zap.Logger) (string, error) {
	if event.Session == nil || event.Session.OrderID == "" {
		log.Warn("webhook without order reference")
		return outcomeIgnored, nil
	}
	session := event.Session
	log = log.With(zap.String("order_id", session.OrderID), zap.String("session_id", session.ID))

	switch event.Type {
	case payments.EventCheckoutExpired:
		_, err := h.orders.Cancel(ctx, session.OrderID, domain.GatewayActor)
		switch {
		case err == nil:
			return outcomeProcessed, nil
		case errors.Is(err, domain.ErrIllegalTransition):
			log.Info("expired session for order that is no longer pending")
			return outcomeIgnored, nil
		case errors.Is(err, domain.ErrNotFound):
			log.Warn("expired session for unknown order")
			return outcomeIgnored, nil
		}
		return "", err

	default:
		if !session.Paid {
			log.Info("checkout completed, payment still pending")
			return outcomeIgnored, nil
		}
		_, err := h.orders.ConfirmPayment(ctx, session.OrderID, domain.GatewayActor)
		switch {
		case err == nil:
			return outcomeProcessed, nil
		case errors.Is(err, domain.ErrIllegalTransition):
			log.Error("payment received for cancelled order", zap.Int64("amount_total", session.AmountTotal), zap.String("currency", session.Currency))
			return outcomeIgnored, nil
		case errors.Is(err, domain.ErrNotFound):
			log.Error("payment received for unknown order", zap.Int64("amount_total", session.AmountTotal))
			return outcomeIgnored, nil
		}
		return "", err
	}
}
