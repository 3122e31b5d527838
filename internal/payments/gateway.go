// Package payments adapts the hosted checkout provider used to collect order payments.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
)

// Webhook event kinds the lifecycle reacts to.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutExpired       = "checkout.session.expired"
)

// ErrInvalidSignature is returned when a webhook payload cannot be authenticated.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// CheckoutRequest describes the hosted checkout page for one order.
type CheckoutRequest struct {
	OrderID        string
	CustomerEmail  string
	Currency       string
	Items          pricing.Cart
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// Session is the provider's checkout session reduced to what the lifecycle needs.
type Session struct {
	ID          string
	OrderID     string
	RedirectURL string
	Paid        bool
	AmountTotal int64
	Currency    string
	ExpiresAt   time.Time
}

// WebhookEvent is a verified provider callback.
type WebhookEvent struct {
	ID      string
	Type    string
	Session *Session
}

// Gateway is the payment provider port.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (Session, error)
	LookupSession(ctx context.Context, sessionID string) (Session, error)
	ParseWebhook(payload []byte, signatureHeader string) (WebhookEvent, error)
}
