package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/idempotency"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/orders"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/payments"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/validation"
)

const maxCheckoutBody = 1 << 20

type ordersHandler struct {
	orders   OrderService
	idem     IdempotencyStore
	gateway  payments.Gateway
	checkout CheckoutSettings
	validate *validatorv10.Validate
	logger   *zap.Logger
}

type checkoutResponse struct {
	OrderID     string        `json:"order_id"`
	Status      orders.Status `json:"status"`
	Total       string        `json:"total"`
	CheckoutURL string        `json:"checkout_url"`
	SessionID   string        `json:"session_id"`
}

func (h *ordersHandler) register(r gin.IRoutes) {
	r.POST("/checkout", RequireActor(), h.createCheckout)
	r.GET("/checkout/success", h.checkoutSuccess)
	r.GET("/orders/:id", RequireActor(), h.getOrder)
	r.GET("/me/orders", RequireActor(), h.listMine)
	r.POST("/orders/:id/cancel", RequireActor(), h.cancel)
	r.POST("/admin/orders/:id/ship", RequireActor(), h.ship)
}

// createCheckout creates a pending order and its hosted payment page. The Idempotency-Key header is
// scoped to the caller; a repeated key with the same body replays the stored response.
func (h *ordersHandler) createCheckout(c *gin.Context) {
	ctx := c.Request.Context()
	actor := actorFrom(c)

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCheckoutBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var req validation.CheckoutRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}
	cart, err := pricing.DecodeCart(req.Items)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	scopedKey := actor.ID + ":" + key
	fingerprint := idempotency.Fingerprint(raw)
	orderID := uuid.NewString()

	created, err := h.idem.CreateIfNotExists(ctx, idempotency.Claim{
		Scope:       idempotency.ScopeCheckout,
		Key:         scopedKey,
		ResourceID:  orderID,
		Fingerprint: fingerprint,
	})
	if err != nil {
		h.logger.Error("idempotency claim failed", zap.String("actor", actor.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
		return
	}
	if !created {
		rec, err := h.idem.Get(ctx, idempotency.ScopeCheckout, scopedKey)
		if err != nil || rec == nil {
			h.logger.Error("idempotency lookup failed", zap.String("actor", actor.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
			return
		}
		if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reused"})
			return
		}
		switch rec.Status {
		case idempotency.StatusDone:
			c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
			return
		default:
			// failed attempts and abandoned leases are taken over; a live attempt keeps the key
			ok, err := h.idem.Reclaim(ctx, idempotency.ScopeCheckout, scopedKey)
			if err != nil {
				h.logger.Error("idempotency reclaim failed", zap.String("actor", actor.ID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
				return
			}
			if !ok {
				c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "order_id": rec.ResourceID})
				return
			}
			orderID = rec.ResourceID
		}
	}

	order, err := h.orders.CreateOrder(ctx, actor, orders.CreateOrderCommand{
		OrderID:      orderID,
		ContactEmail: req.Email,
		Shipment: orders.Shipment{
			RecipientName: req.Shipment.RecipientName,
			Street:        req.Shipment.Street,
			City:          req.Shipment.City,
			PostalCode:    req.Shipment.PostalCode,
			Country:       req.Shipment.Country,
		},
		Cart: cart,
	})
	if errors.Is(err, orders.ErrAlreadyExists) {
		// a previous attempt created the order before failing
		order, err = h.orders.Get(ctx, orderID, actor)
	}
	if err != nil {
		h.fail(c, scopedKey, err.Error())
		writeError(c, h.logger, err)
		return
	}
	if order.Status != orders.StatusPending {
		err := fmt.Errorf("%w: order %s is %s", domain.ErrIllegalTransition, order.ID, order.Status)
		h.fail(c, scopedKey, err.Error())
		writeError(c, h.logger, err)
		return
	}

	session, err := h.gateway.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		OrderID:        order.ID,
		CustomerEmail:  order.ContactEmail,
		Currency:       h.checkout.Currency,
		Items:          order.Items,
		SuccessURL:     h.checkout.SuccessURL,
		CancelURL:      h.checkout.CancelURL,
		IdempotencyKey: "checkout-" + order.ID,
	})
	if err != nil {
		h.logger.Error("checkout session failed", zap.String("order_id", order.ID), zap.Error(err))
		h.fail(c, scopedKey, fmt.Sprintf("gateway: %v", err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_gateway_unavailable", "order_id": order.ID})
		return
	}

	body, err := json.Marshal(checkoutResponse{
		OrderID:     order.ID,
		Status:      order.Status,
		Total:       order.Total.StringFixed(2),
		CheckoutURL: session.RedirectURL,
		SessionID:   session.ID,
	})
	if err != nil {
		h.fail(c, scopedKey, err.Error())
		writeError(c, h.logger, err)
		return
	}
	if err := h.idem.MarkDone(context.WithoutCancel(ctx), idempotency.ScopeCheckout, scopedKey, string(body), http.StatusCreated); err != nil {
		h.logger.Warn("idempotency mark done failed", zap.String("order_id", order.ID), zap.Error(err))
	}

	c.Header("Location", "/orders/"+order.ID)
	c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
}

// fail releases the checkout key so the client may retry with the same key. The release
// outlives a disconnected client.
func (h *ordersHandler) fail(c *gin.Context, scopedKey, note string) {
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.idem.MarkFailed(ctx, idempotency.ScopeCheckout, scopedKey, note); err != nil {
		h.logger.Warn("idempotency mark failed failed", zap.Error(err))
	}
}

// checkoutSuccess handles the payment page redirect. It may race the webhook; the conditional
// write in ConfirmPayment makes the second caller a no-op.
func (h *ordersHandler) checkoutSuccess(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "msg": "session_id is required"})
		return
	}
	session, err := h.gateway.LookupSession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("checkout session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_gateway_unavailable"})
		return
	}
	if session.OrderID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if !session.Paid {
		c.JSON(http.StatusAccepted, gin.H{"order_id": session.OrderID, "status": orders.StatusPending})
		return
	}

	order, err := h.orders.ConfirmPayment(c.Request.Context(), session.OrderID, domain.GatewayActor)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": order.ID, "status": order.Status})
}

func (h *ordersHandler) getOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *ordersHandler) listMine(c *gin.Context) {
	list, err := h.orders.ListMine(c.Request.Context(), actorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func (h *ordersHandler) cancel(c *gin.Context) {
	order, err := h.orders.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *ordersHandler) ship(c *gin.Context) {
	order, err := h.orders.MarkShipped(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
