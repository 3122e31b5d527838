package payments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
)

const testSecret = "whsec_test"

type fakeSessions struct {
	created *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
	gets    []string
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.created = params
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeSessions) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.gets = append(f.gets, id)
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func newTestGateway(t *testing.T, sessions *fakeSessions) *StripeGateway {
	t.Helper()
	g, err := NewStripeGateway(StripeConfig{
		WebhookSecret: testSecret,
		Clock:         func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) },
		sessions:      sessions,
	})
	require.NoError(t, err)
	return g
}

func TestNewStripeGateway_RequiresSecrets(t *testing.T) {
	_, err := NewStripeGateway(StripeConfig{WebhookSecret: testSecret})
	require.Error(t, err)

	_, err = NewStripeGateway(StripeConfig{APIKey: "sk_test"})
	require.Error(t, err)
}

func TestCreateCheckoutSession(t *testing.T) {
	sessions := &fakeSessions{session: &stripe.CheckoutSession{
		ID:                "cs_test_1",
		URL:               "https://checkout.stripe.com/c/pay/cs_test_1",
		ClientReferenceID: "order-1",
		AmountTotal:       8000,
	}}
	g := newTestGateway(t, sessions)

	got, err := g.CreateCheckoutSession(context.Background(), CheckoutRequest{
		OrderID:       "order-1",
		CustomerEmail: "ash@example.com",
		Items: pricing.Cart{
			{Title: "Booster Box", UnitPrice: decimal.RequireFromString("35"), Quantity: 2},
			{Title: "Sleeves", UnitPrice: decimal.RequireFromString("9.99"), Quantity: 1, Image: "https://img/sleeves.png"},
		},
		SuccessURL:     "https://shop.example/checkout/success",
		CancelURL:      "https://shop.example/cart",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", got.ID)
	require.Equal(t, "order-1", got.OrderID)
	require.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", got.RedirectURL)
	require.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), got.ExpiresAt)

	p := sessions.created
	require.Equal(t, "order-1", *p.ClientReferenceID)
	require.Equal(t, "order-1", p.Metadata["order_id"])
	require.Equal(t, "https://shop.example/checkout/success?session_id={CHECKOUT_SESSION_ID}", *p.SuccessURL)
	require.Equal(t, "key-1", *p.IdempotencyKey)
	require.Len(t, p.LineItems, 2)
	require.Equal(t, int64(3500), *p.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, int64(2), *p.LineItems[0].Quantity)
	require.Equal(t, int64(999), *p.LineItems[1].PriceData.UnitAmount)
	require.Equal(t, "eur", *p.LineItems[1].PriceData.Currency)
}

func TestCreateCheckoutSession_ProviderError(t *testing.T) {
	g := newTestGateway(t, &fakeSessions{err: errors.New("card_declined")})

	_, err := g.CreateCheckoutSession(context.Background(), CheckoutRequest{OrderID: "order-1"})
	require.ErrorContains(t, err, "card_declined")
}

func TestLookupSession(t *testing.T) {
	sessions := &fakeSessions{session: &stripe.CheckoutSession{
		ID:            "cs_test_2",
		Metadata:      map[string]string{"order_id": "order-2"},
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Currency:      stripe.CurrencyEUR,
	}}
	g := newTestGateway(t, sessions)

	got, err := g.LookupSession(context.Background(), "cs_test_2")
	require.NoError(t, err)
	require.True(t, got.Paid)
	require.Equal(t, "order-2", got.OrderID, "falls back to metadata")
	require.Equal(t, "EUR", got.Currency)
	require.Equal(t, []string{"cs_test_2"}, sessions.gets)
}

func signedPayload(t *testing.T, payload []byte, secret string) *webhook.SignedPayload {
	t.Helper()
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
}

func checkoutEvent(t *testing.T, id, kind string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   kind,
		"data": map[string]any{
			"object": map[string]any{
				"id":                  "cs_test_3",
				"object":              "checkout.session",
				"client_reference_id": "order-3",
				"payment_status":      "paid",
			},
		},
	})
	require.NoError(t, err)
	return body
}

func TestParseWebhook(t *testing.T) {
	g := newTestGateway(t, &fakeSessions{})
	payload := checkoutEvent(t, "evt_1", EventCheckoutCompleted)
	signed := signedPayload(t, payload, testSecret)

	ev, err := g.ParseWebhook(signed.Payload, signed.Header)
	require.NoError(t, err)
	require.Equal(t, "evt_1", ev.ID)
	require.Equal(t, EventCheckoutCompleted, ev.Type)
	require.NotNil(t, ev.Session)
	require.Equal(t, "order-3", ev.Session.OrderID)
	require.True(t, ev.Session.Paid)
}

func TestParseWebhook_BadSignature(t *testing.T) {
	g := newTestGateway(t, &fakeSessions{})
	payload := checkoutEvent(t, "evt_2", EventCheckoutCompleted)
	signed := signedPayload(t, payload, "whsec_other")

	_, err := g.ParseWebhook(signed.Payload, signed.Header)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseWebhook_OtherEventsHaveNoSession(t *testing.T) {
	g := newTestGateway(t, &fakeSessions{})
	body, err := json.Marshal(map[string]any{
		"id": "evt_3", "object": "event", "type": "charge.refunded",
		"data": map[string]any{"object": map[string]any{"id": "ch_1", "object": "charge"}},
	})
	require.NoError(t, err)
	signed := signedPayload(t, body, testSecret)

	ev, err := g.ParseWebhook(signed.Payload, signed.Header)
	require.NoError(t, err)
	require.Equal(t, "charge.refunded", ev.Type)
	require.Nil(t, ev.Session)
}
