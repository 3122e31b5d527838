// Package notify carries order notifications from the lifecycle to the email worker.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/orders"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
)

// Message is the queue payload for one order event.
type Message struct {
	EventID    string             `json:"event_id"`
	Event      orders.Event       `json:"event"`
	OrderID    string             `json:"order_id"`
	OwnerID    string             `json:"owner_id"`
	Recipient  string             `json:"recipient"`
	Status     orders.Status      `json:"status,omitempty"`
	Total      string             `json:"total"`
	Items      []pricing.LineItem `json:"items"`
	Shipment   orders.Shipment    `json:"shipment"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Attributes are the routing attributes sent next to the body.
func (m Message) Attributes() map[string]string {
	return map[string]string{
		"event_id": m.EventID,
		"event":    string(m.Event),
		"order_id": m.OrderID,
	}
}

// DecodeMessage parses a queue body and rejects payloads without an event or order.
func DecodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode notification: %w", err)
	}
	if m.EventID == "" || m.OrderID == "" || m.Event == "" {
		return Message{}, fmt.Errorf("decode notification: event_id, event and order_id are required")
	}
	return m, nil
}
