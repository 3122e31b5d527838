package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/aws"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
)

// OwnerIndex is the GSI keyed by owner_id.
const OwnerIndex = "owner_id-index"

// ErrStatusMismatch is returned when a conditional status update finds a different current status.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// ErrAlreadyExists is returned when an order id is reused.
var ErrAlreadyExists = errors.New("order already exists")

// record is the shape persisted in the orders table. Money is kept as decimal strings.
type record struct {
	OrderID      string       `dynamodbav:"order_id"`
	OwnerID      string       `dynamodbav:"owner_id"`
	ContactEmail string       `dynamodbav:"contact_email"`
	Shipment     Shipment     `dynamodbav:"shipment"`
	Total        string       `dynamodbav:"total"`
	Items        []recordLine `dynamodbav:"items"`
	Status       string       `dynamodbav:"status"`
	CreatedAt    time.Time    `dynamodbav:"created_at"`
	UpdatedAt    time.Time    `dynamodbav:"updated_at"`
}

type recordLine struct {
	Title     string `dynamodbav:"title"`
	UnitPrice string `dynamodbav:"unit_price"`
	Quantity  int64  `dynamodbav:"quantity"`
	Image     string `dynamodbav:"image,omitempty"`
}

func toRecord(o Order) record {
	lines := make([]recordLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, recordLine{
			Title:     it.Title,
			UnitPrice: it.UnitPrice.String(),
			Quantity:  it.Quantity,
			Image:     it.Image,
		})
	}
	return record{
		OrderID:      o.ID,
		OwnerID:      o.OwnerID,
		ContactEmail: o.ContactEmail,
		Shipment:     o.Shipment,
		Total:        o.Total.String(),
		Items:        lines,
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func fromRecord(r record) (Order, error) {
	status, err := ParseStatus(r.Status)
	if err != nil {
		return Order{}, fmt.Errorf("order %s: %w", r.OrderID, err)
	}
	total, err := decimal.NewFromString(r.Total)
	if err != nil {
		return Order{}, fmt.Errorf("order %s: parse total: %w", r.OrderID, err)
	}
	items := make([]pricing.LineItem, 0, len(r.Items))
	for _, l := range r.Items {
		price, err := decimal.NewFromString(l.UnitPrice)
		if err != nil {
			return Order{}, fmt.Errorf("order %s: parse unit price: %w", r.OrderID, err)
		}
		items = append(items, pricing.LineItem{Title: l.Title, UnitPrice: price, Quantity: l.Quantity, Image: l.Image})
	}
	return Order{
		ID:           r.OrderID,
		OwnerID:      r.OwnerID,
		ContactEmail: r.ContactEmail,
		Shipment:     r.Shipment,
		Total:        total,
		Items:        items,
		Status:       status,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func unmarshalOrder(item map[string]types.AttributeValue) (Order, error) {
	var r record
	if err := attributevalue.UnmarshalMap(item, &r); err != nil {
		return Order{}, fmt.Errorf("unmarshal order: %w", err)
	}
	return fromRecord(r)
}

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create inserts a new order. The write fails with ErrAlreadyExists if order_id is taken.
func (s *Store) Create(ctx context.Context, order Order) error {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	item, err := attributevalue.MarshalMap(toRecord(order))
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	o, err := unmarshalOrder(out.Item)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateStatus conditionally moves the order from expectedStatus to newStatus in a single write and
// returns the updated order. Returns ErrStatusMismatch if the item is missing or the condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, expectedStatus, newStatus Status) (*Order, error) {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              orderKey(orderID),
		UpdateExpression: awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(newStatus)},
			":expected": &types.AttributeValueMemberS{Value: string(expectedStatus)},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ConditionExpression: awsString("attribute_exists(order_id) AND #s = :expected"),
		ReturnValues:        types.ReturnValueAllNew,
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionalFailure(err) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	o, err := unmarshalOrder(out.Attributes)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListByOwner returns the owner's orders via the owner GSI, following every result page.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]Order, error) {
	pages := dyn.NewQueryPaginator(s.client, &dyn.QueryInput{
		TableName:                &s.tableName,
		IndexName:                awsString(OwnerIndex),
		KeyConditionExpression:   awsString("#o = :owner"),
		ExpressionAttributeNames: map[string]string{"#o": "owner_id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: ownerID},
		},
		ScanIndexForward: awsBool(false),
	})
	result := []Order{}
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query orders: %w", err)
		}
		for _, item := range out.Items {
			o, err := unmarshalOrder(item)
			if err != nil {
				return nil, err
			}
			result = append(result, o)
		}
	}
	return result, nil
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
