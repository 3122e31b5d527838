package offers

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
)

// Status is the closed set of resale offer states.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusExpedition Status = "expedition"
	StatusSended     Status = "sended"
	StatusPaid       Status = "paid"
	StatusDeny       Status = "deny"
)

// ParseStatus converts a raw value into a Status. Unknown values are an error.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.TrimSpace(raw)); s {
	case StatusWaiting, StatusExpedition, StatusSended, StatusPaid, StatusDeny:
		return s, nil
	default:
		return "", fmt.Errorf("%w: offer status %q", domain.ErrUnknownStatus, raw)
	}
}

func (s Status) String() string { return string(s) }

// UnmarshalText rejects values outside the status domain.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Decision is an operator's review outcome for a waiting offer.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionDeny   Decision = "deny"
)

// ParseDecision validates a raw decision.
func ParseDecision(raw string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(raw))); d {
	case DecisionAccept, DecisionDeny:
		return d, nil
	default:
		return "", fmt.Errorf("%w: decision must be accept or deny, got %q", domain.ErrInvalidInput, raw)
	}
}

func (d Decision) target() (Status, error) {
	switch d {
	case DecisionAccept:
		return StatusExpedition, nil
	case DecisionDeny:
		return StatusDeny, nil
	default:
		return "", fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidInput, string(d))
	}
}

// Offer is a user's submission to sell cards to the operator.
type Offer struct {
	ID             string          `json:"offer_id"`
	OwnerID        string          `json:"owner_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Price          decimal.Decimal `json:"price"`
	Images         []string        `json:"images"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Content is the owner-editable part of an offer.
type Content struct {
	Title       string
	Description string
	Price       decimal.Decimal
	Images      []string
}

// CreateOfferCommand carries a new submission.
type CreateOfferCommand = Content

// OfferUpdate is a partial content edit; nil fields are left unchanged.
type OfferUpdate struct {
	Title       *string
	Description *string
	Price       *decimal.Decimal
	Images      []string
}

func (u OfferUpdate) apply(o Offer) Content {
	c := Content{Title: o.Title, Description: o.Description, Price: o.Price, Images: o.Images}
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	if u.Price != nil {
		c.Price = *u.Price
	}
	if u.Images != nil {
		c.Images = u.Images
	}
	return c
}
