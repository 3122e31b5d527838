// Package handlers exposes the order and offer lifecycles over HTTP.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/idempotency"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/observability"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/offers"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/orders"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/payments"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/validation"
)

// OrderService is the order lifecycle as seen by the HTTP layer.
type OrderService interface {
	CreateOrder(ctx context.Context, actor domain.Actor, cmd orders.CreateOrderCommand) (orders.Order, error)
	Get(ctx context.Context, orderID string, actor domain.Actor) (orders.Order, error)
	ListMine(ctx context.Context, actor domain.Actor) ([]orders.Order, error)
	ConfirmPayment(ctx context.Context, orderID string, actor domain.Actor) (orders.Order, error)
	MarkShipped(ctx context.Context, orderID string, actor domain.Actor) (orders.Order, error)
	Cancel(ctx context.Context, orderID string, actor domain.Actor) (orders.Order, error)
}

// OfferService is the resale offer lifecycle as seen by the HTTP layer.
type OfferService interface {
	CreateOffer(ctx context.Context, actor domain.Actor, cmd offers.CreateOfferCommand) (offers.Offer, error)
	UpdateOffer(ctx context.Context, offerID string, actor domain.Actor, update offers.OfferUpdate) (offers.Offer, error)
	Decide(ctx context.Context, offerID string, actor domain.Actor, decision offers.Decision) (offers.Offer, error)
	ConfirmShipment(ctx context.Context, offerID string, actor domain.Actor, trackingNumber string) (offers.Offer, error)
	ConfirmPayout(ctx context.Context, offerID string, actor domain.Actor) (offers.Offer, error)
	DeleteOffer(ctx context.Context, offerID string, actor domain.Actor) (offers.Offer, error)
	Get(ctx context.Context, offerID string, actor domain.Actor) (offers.Offer, error)
	ListMine(ctx context.Context, actor domain.Actor) ([]offers.Offer, error)
	ListByStatus(ctx context.Context, actor domain.Actor, status offers.Status) ([]offers.Offer, error)
}

// IdempotencyStore claims request keys and remembers their outcome.
type IdempotencyStore interface {
	CreateIfNotExists(ctx context.Context, c idempotency.Claim) (bool, error)
	Reclaim(ctx context.Context, scope, key string) (bool, error)
	Get(ctx context.Context, scope, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, scope, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, scope, key, note string) error
}

// CheckoutSettings configures the hosted checkout pages.
type CheckoutSettings struct {
	SuccessURL string
	CancelURL  string
	Currency   string
}

// Deps groups dependencies for the router.
type Deps struct {
	Logger      *zap.Logger
	Metrics     *observability.HTTPMetrics
	Auth        *Authenticator
	Orders      OrderService
	Offers      OfferService
	Idempotency IdempotencyStore
	Gateway     payments.Gateway
	Checkout    CheckoutSettings
}

// NewRouter builds the gin engine with every lifecycle route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Auth == nil {
		d.Auth = NewAuthenticator("", d.Logger)
	}

	r := gin.New()
	r.Use(gin.Recovery(), observability.RequestLogger(d.Logger, d.Metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	v := validation.New()
	(&webhookHandler{
		orders:  d.Orders,
		idem:    d.Idempotency,
		gateway: d.Gateway,
		metrics: d.Metrics,
		logger:  d.Logger,
	}).register(r)

	api := r.Group("/", d.Auth.Middleware())
	(&ordersHandler{
		orders:   d.Orders,
		idem:     d.Idempotency,
		gateway:  d.Gateway,
		checkout: d.Checkout,
		validate: v,
		logger:   d.Logger,
	}).register(api)
	(&offersHandler{
		offers:   d.Offers,
		validate: v,
		logger:   d.Logger,
	}).register(api)

	return r
}
