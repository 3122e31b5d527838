package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
)

const sessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeConfig configures the StripeGateway.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        *zap.Logger
	Clock         func() time.Time

	sessions stripeSessionAPI
}

// StripeGateway implements Gateway with Stripe Checkout.
type StripeGateway struct {
	sessions      stripeSessionAPI
	webhookSecret string
	clock         func() time.Time
	logger        *zap.Logger
}

// NewStripeGateway constructs a Stripe-backed Gateway.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	sessions := cfg.sessions
	if sessions == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sessions = client.New(apiKey, cfg.Backends).CheckoutSessions
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StripeGateway{
		sessions:      sessions,
		webhookSecret: cfg.WebhookSecret,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// CreateCheckoutSession creates a payment-mode Checkout session whose client reference is the order id.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (Session, error) {
	if req.OrderID == "" {
		return Session{}, errors.New("stripe: order id is required")
	}
	currency := strings.ToLower(defaultString(req.Currency, "eur"))

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL(req.SuccessURL)),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		Metadata:          map[string]string{"order_id": req.OrderID},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"order_id": req.OrderID},
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.LineItems = lineItems(req.Items, currency)

	session, err := g.sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	g.logger.Info("checkout session created",
		zap.String("session_id", session.ID),
		zap.String("order_id", req.OrderID),
		zap.Int64("amount_total", session.AmountTotal),
	)
	out := toSession(session)
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = g.clock().Add(24 * time.Hour)
	}
	return out, nil
}

// LookupSession fetches a Checkout session by id.
func (g *StripeGateway) LookupSession(ctx context.Context, sessionID string) (Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Session{}, errors.New("stripe: session id is required")
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := g.sessions.Get(sessionID, params)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: lookup checkout session: %w", err)
	}
	return toSession(session), nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes checkout session events.
func (g *StripeGateway) ParseWebhook(payload []byte, signatureHeader string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(out.Type, "checkout.session.") || event.Data == nil {
		return out, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	s := toSession(&session)
	out.Session = &s
	return out, nil
}

func lineItems(cart pricing.Cart, currency string) []*stripe.CheckoutSessionLineItemParams {
	items := make([]*stripe.CheckoutSessionLineItemParams, 0, len(cart))
	for _, item := range cart {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Title),
		}
		if item.Image != "" {
			product.Images = []*string{stripe.String(item.Image)}
		}
		items = append(items, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(item.Quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				UnitAmount:  stripe.Int64(pricing.MinorUnits(item.UnitPrice)),
				ProductData: product,
			},
		})
	}
	return items
}

func toSession(s *stripe.CheckoutSession) Session {
	out := Session{
		ID:          s.ID,
		OrderID:     s.ClientReferenceID,
		RedirectURL: s.URL,
		Paid:        s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal: s.AmountTotal,
		Currency:    strings.ToUpper(string(s.Currency)),
	}
	if out.OrderID == "" {
		out.OrderID = s.Metadata["order_id"]
	}
	if s.ExpiresAt != 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	return out
}

func successURL(raw string) string {
	if raw == "" || strings.Contains(raw, sessionIDPlaceholder) {
		return raw
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "session_id=" + sessionIDPlaceholder
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
