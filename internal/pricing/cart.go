package pricing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
)

// LineItem is a single cart entry as submitted by the storefront.
type LineItem struct {
	Title     string          `json:"title"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
	Image     string          `json:"image,omitempty"`
}

// Cart is an ordered list of line items.
type Cart []LineItem

// rawLineItem keeps price and quantity optional so missing fields can be told apart from zero.
type rawLineItem struct {
	Title     string           `json:"title"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
	Quantity  *json.Number     `json:"quantity"`
	Image     string           `json:"image,omitempty"`
}

// DecodeCart parses a JSON cart payload. Anything other than a JSON array of line items is
// rejected with domain.ErrInvalidCart.
func DecodeCart(raw []byte) (Cart, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: items must be a list", domain.ErrInvalidCart)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var items []rawLineItem
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCart, err)
	}

	cart := make(Cart, 0, len(items))
	for i, it := range items {
		if it.UnitPrice == nil {
			return nil, fmt.Errorf("%w: item %d: unit_price is required", domain.ErrInvalidCart, i)
		}
		if it.Quantity == nil {
			return nil, fmt.Errorf("%w: item %d: quantity is required", domain.ErrInvalidCart, i)
		}
		qty, err := it.Quantity.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: quantity must be an integer", domain.ErrInvalidCart, i)
		}
		cart = append(cart, LineItem{
			Title:     it.Title,
			UnitPrice: *it.UnitPrice,
			Quantity:  qty,
			Image:     it.Image,
		})
	}
	return cart, nil
}

// Validate checks the structural rules of a cart without computing its total.
func (c Cart) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: cart is empty", domain.ErrInvalidCart)
	}
	for i, it := range c {
		if strings.TrimSpace(it.Title) == "" {
			return fmt.Errorf("%w: item %d: title is required", domain.ErrInvalidCart, i)
		}
		if !it.UnitPrice.IsPositive() {
			return fmt.Errorf("%w: item %d: unit_price must be positive", domain.ErrInvalidCart, i)
		}
		if !it.UnitPrice.Equal(it.UnitPrice.Round(2)) {
			return fmt.Errorf("%w: item %d: unit_price has more than two decimals", domain.ErrInvalidCart, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: quantity must be positive", domain.ErrInvalidCart, i)
		}
	}
	return nil
}

// Total returns Σ(unit_price × quantity). It fails with domain.ErrInvalidCart for malformed carts
// and with domain.ErrInvalidAmount when the sum is not at least one minor unit.
func Total(c Cart) (decimal.Decimal, error) {
	if err := c.Validate(); err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, it := range c {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)))
	}
	if !total.IsPositive() || MinorUnits(total) <= 0 {
		return decimal.Zero, fmt.Errorf("%w: total %s", domain.ErrInvalidAmount, total.String())
	}
	return total, nil
}

// MinorUnits converts an amount to the smallest currency unit (cents), rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
