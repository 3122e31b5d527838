package orders

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
)

// Status is the closed set of order lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
)

// ParseStatus converts a raw value into a Status. Unknown values are an error.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.TrimSpace(raw)); s {
	case StatusPending, StatusPaid, StatusShipped, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: order status %q", domain.ErrUnknownStatus, raw)
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

// Event names a notification emitted after a committed transition.
type Event string

const (
	EventPaymentConfirmed Event = "payment_confirmed"
	EventShipped          Event = "shipped"
)

// Shipment is the delivery destination captured at checkout.
type Shipment struct {
	RecipientName string `json:"recipient_name" dynamodbav:"recipient_name"`
	Street        string `json:"street" dynamodbav:"street"`
	City          string `json:"city" dynamodbav:"city"`
	PostalCode    string `json:"postal_code" dynamodbav:"postal_code"`
	Country       string `json:"country" dynamodbav:"country"`
}

func (s Shipment) validate() error {
	missing := make([]string, 0, 5)
	for name, v := range map[string]string{
		"recipient_name": s.RecipientName,
		"street":         s.Street,
		"city":           s.City,
		"postal_code":    s.PostalCode,
		"country":        s.Country,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: shipment fields required: %s", domain.ErrInvalidInput, strings.Join(sortStrings(missing), ", "))
	}
	return nil
}

func sortStrings(in []string) []string {
	sort.Strings(in)
	return in
}

// Order is a storefront purchase.
type Order struct {
	ID           string             `json:"order_id"`
	OwnerID      string             `json:"owner_id"`
	ContactEmail string             `json:"contact_email"`
	Shipment     Shipment           `json:"shipment"`
	Total        decimal.Decimal    `json:"total"`
	Items        []pricing.LineItem `json:"items"`
	Status       Status             `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// CreateOrderCommand carries checkout input. OrderID is optional and lets callers pre-assign an id
// (the checkout handler binds it to an idempotency key before creation).
type CreateOrderCommand struct {
	OrderID      string
	ContactEmail string
	Shipment     Shipment
	Cart         pricing.Cart
}
