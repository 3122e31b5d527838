package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/offers"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/validation"
)

type offersHandler struct {
	offers   OfferService
	validate *validatorv10.Validate
	logger   *zap.Logger
}

func (h *offersHandler) register(r gin.IRoutes) {
	r.POST("/offers", RequireActor(), h.create)
	r.GET("/offers/:id", RequireActor(), h.get)
	r.PATCH("/offers/:id", RequireActor(), h.update)
	r.GET("/me/offers", RequireActor(), h.listMine)
	r.POST("/offers/:id/shipment", RequireActor(), h.confirmShipment)

	r.GET("/admin/offers", RequireActor(), h.listByStatus)
	r.POST("/admin/offers/:id/decision", RequireActor(), h.decide)
	r.POST("/admin/offers/:id/payout", RequireActor(), h.payout)
	r.DELETE("/admin/offers/:id", RequireActor(), h.remove)
}

func (h *offersHandler) create(c *gin.Context) {
	var req validation.CreateOfferRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	offer, err := h.offers.CreateOffer(c.Request.Context(), actorFrom(c), offers.CreateOfferCommand{
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		Images:      req.Images,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Header("Location", "/offers/"+offer.ID)
	c.JSON(http.StatusCreated, offer)
}

func (h *offersHandler) get(c *gin.Context) {
	offer, err := h.offers.Get(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *offersHandler) update(c *gin.Context) {
	var req validation.UpdateOfferRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	offer, err := h.offers.UpdateOffer(c.Request.Context(), c.Param("id"), actorFrom(c), offers.OfferUpdate{
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		Images:      req.Images,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *offersHandler) listMine(c *gin.Context) {
	list, err := h.offers.ListMine(c.Request.Context(), actorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list})
}

// confirmShipment accepts an empty body; the tracking number is optional.
func (h *offersHandler) confirmShipment(c *gin.Context) {
	var req validation.ShipmentConfirmationRequest
	if c.Request.ContentLength != 0 {
		if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
			return
		}
	}
	offer, err := h.offers.ConfirmShipment(c.Request.Context(), c.Param("id"), actorFrom(c), req.TrackingNumber)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

// listByStatus is the review queue; it defaults to offers awaiting a decision.
func (h *offersHandler) listByStatus(c *gin.Context) {
	status := offers.Status(c.DefaultQuery("status", string(offers.StatusWaiting)))
	list, err := h.offers.ListByStatus(c.Request.Context(), actorFrom(c), status)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list, "status": status})
}

func (h *offersHandler) decide(c *gin.Context) {
	var req validation.DecisionRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	decision, err := offers.ParseDecision(req.Decision)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	offer, err := h.offers.Decide(c.Request.Context(), c.Param("id"), actorFrom(c), decision)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *offersHandler) payout(c *gin.Context) {
	offer, err := h.offers.ConfirmPayout(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *offersHandler) remove(c *gin.Context) {
	offer, err := h.offers.DeleteOffer(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "offer_id": offer.ID, "status": offer.Status})
}
