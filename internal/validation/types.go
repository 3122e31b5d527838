package validation

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ShipmentAddress is the delivery destination captured at checkout.
type ShipmentAddress struct {
	RecipientName string `json:"recipient_name" validate:"required,max=120"`
	Street        string `json:"street" validate:"required,max=200"`
	City          string `json:"city" validate:"required,max=120"`
	PostalCode    string `json:"postal_code" validate:"required,max=20"`
	Country       string `json:"country" validate:"required,iso3166_1_alpha2"`
}

// CheckoutRequest is the payload for POST /checkout.
// Items stays raw so the pricing package can report malformed carts itself.
type CheckoutRequest struct {
	Email    string          `json:"email" validate:"required,email"`
	Shipment ShipmentAddress `json:"shipment"`
	Items    json.RawMessage `json:"items"`
}

// CreateOfferRequest is the payload for POST /offers.
type CreateOfferRequest struct {
	Title       string          `json:"title" validate:"max=200"`
	Description string          `json:"description" validate:"max=5000"`
	Price       decimal.Decimal `json:"price"`
	Images      []string        `json:"images" validate:"max=20,dive,url"`
}

// UpdateOfferRequest is the payload for PATCH /offers/:id; absent fields are unchanged.
type UpdateOfferRequest struct {
	Title       *string          `json:"title,omitempty" validate:"omitempty,max=200"`
	Description *string          `json:"description,omitempty" validate:"omitempty,max=5000"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Images      []string         `json:"images,omitempty" validate:"omitempty,max=20,dive,url"`
}

// DecisionRequest is the payload for POST /admin/offers/:id/decision.
type DecisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=accept deny"`
}

// ShipmentConfirmationRequest is the payload for POST /offers/:id/shipment.
type ShipmentConfirmationRequest struct {
	TrackingNumber string `json:"tracking_number" validate:"omitempty,max=64,alphanum"`
}
