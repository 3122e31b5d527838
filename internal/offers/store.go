package offers

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
)

// Secondary indexes on the offers table.
const (
	OwnerIndex  = "owner_id-index"
	StatusIndex = "status-index"
)

// ErrStatusMismatch is returned when a conditional write finds the offer missing, in another
// status, or owned by someone else.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// ErrAlreadyExists is returned when an offer id is reused.
var ErrAlreadyExists = errors.New("offer already exists")

type record struct {
	OfferID        string    `dynamodbav:"offer_id"`
	OwnerID        string    `dynamodbav:"owner_id"`
	Title          string    `dynamodbav:"title"`
	Description    string    `dynamodbav:"description"`
	Price          string    `dynamodbav:"price"`
	Images         []string  `dynamodbav:"images"`
	TrackingNumber string    `dynamodbav:"tracking_number,omitempty"`
	Status         string    `dynamodbav:"status"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
}

func toRecord(o Offer) record {
	return record{
		OfferID:        o.ID,
		OwnerID:        o.OwnerID,
		Title:          o.Title,
		Description:    o.Description,
		Price:          o.Price.String(),
		Images:         o.Images,
		TrackingNumber: o.TrackingNumber,
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func unmarshalOffer(item map[string]types.AttributeValue) (Offer, error) {
	var r record
	if err := attributevalue.UnmarshalMap(item, &r); err != nil {
		return Offer{}, fmt.Errorf("unmarshal offer: %w", err)
	}
	status, err := ParseStatus(r.Status)
	if err != nil {
		return Offer{}, fmt.Errorf("offer %s: %w", r.OfferID, err)
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return Offer{}, fmt.Errorf("offer %s: parse price: %w", r.OfferID, err)
	}
	return Offer{
		ID:             r.OfferID,
		OwnerID:        r.OwnerID,
		Title:          r.Title,
		Description:    r.Description,
		Price:          price,
		Images:         r.Images,
		TrackingNumber: r.TrackingNumber,
		Status:         status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// StatusOption adds attributes to a status update.
type StatusOption func(expr *updateExpr)

// WithTrackingNumber stores the carrier tracking number together with the status change.
func WithTrackingNumber(tracking string) StatusOption {
	return func(u *updateExpr) {
		if tracking != "" {
			u.set("tracking_number", &types.AttributeValueMemberS{Value: tracking})
		}
	}
}

type updateExpr struct {
	clauses []string
	names   map[string]string
	values  map[string]types.AttributeValue
}

func (u *updateExpr) set(attr string, v types.AttributeValue) {
	n := fmt.Sprintf("#f%d", len(u.clauses))
	p := fmt.Sprintf(":f%d", len(u.clauses))
	u.names[n] = attr
	u.values[p] = v
	u.clauses = append(u.clauses, n+" = "+p)
}

func (u *updateExpr) expression() string {
	out := "SET "
	for i, c := range u.clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// Store encapsulates operations on the offers table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new offers Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create inserts a new offer.
func (s *Store) Create(ctx context.Context, offer Offer) error {
	now := s.nowFunc().UTC()
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = now
	}
	offer.UpdatedAt = now

	item, err := attributevalue.MarshalMap(toRecord(offer))
	if err != nil {
		return fmt.Errorf("marshal offer item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(offer_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an offer by offer_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, offerID string) (*Offer, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            offerKey(offerID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	o, err := unmarshalOffer(out.Item)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateContent overwrites the editable fields, guarded so the write only lands while the offer is
// waiting and still owned by ownerID.
func (s *Store) UpdateContent(ctx context.Context, offerID, ownerID string, c Content) (*Offer, error) {
	images, err := attributevalue.Marshal(c.Images)
	if err != nil {
		return nil, fmt.Errorf("marshal images: %w", err)
	}
	u := &updateExpr{
		names: map[string]string{"#s": "status", "#o": "owner_id"},
		values: map[string]types.AttributeValue{
			":waiting": &types.AttributeValueMemberS{Value: string(StatusWaiting)},
			":owner":   &types.AttributeValueMemberS{Value: ownerID},
		},
	}
	u.set("title", &types.AttributeValueMemberS{Value: c.Title})
	u.set("description", &types.AttributeValueMemberS{Value: c.Description})
	u.set("price", &types.AttributeValueMemberS{Value: c.Price.String()})
	u.set("images", images)
	u.set("updated_at", &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)})

	return s.update(ctx, offerID, u, "attribute_exists(offer_id) AND #s = :waiting AND #o = :owner")
}

// UpdateStatus conditionally moves the offer from expectedStatus to newStatus in a single write.
// Returns ErrStatusMismatch if the item is missing or the condition failed.
func (s *Store) UpdateStatus(ctx context.Context, offerID string, expectedStatus, newStatus Status, opts ...StatusOption) (*Offer, error) {
	u := &updateExpr{
		names: map[string]string{"#s": "status"},
		values: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: string(expectedStatus)},
		},
	}
	u.set("status", &types.AttributeValueMemberS{Value: string(newStatus)})
	u.set("updated_at", &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)})
	for _, opt := range opts {
		opt(u)
	}
	return s.update(ctx, offerID, u, "attribute_exists(offer_id) AND #s = :expected")
}

func (s *Store) update(ctx context.Context, offerID string, u *updateExpr, condition string) (*Offer, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       offerKey(offerID),
		UpdateExpression:          awsString(u.expression()),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
		ConditionExpression:       awsString(condition),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	o, err := unmarshalOffer(out.Attributes)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Delete removes the offer and returns what was stored. Returns (nil, nil) if it did not exist.
func (s *Store) Delete(ctx context.Context, offerID string) (*Offer, error) {
	out, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:           &s.tableName,
		Key:                 offerKey(offerID),
		ConditionExpression: awsString("attribute_exists(offer_id)"),
		ReturnValues:        types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("delete item: %w", err)
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}
	o, err := unmarshalOffer(out.Attributes)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListByOwner returns the owner's offers via the owner GSI.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]Offer, error) {
	return s.query(ctx, OwnerIndex, "owner_id", ownerID)
}

// ListByStatus returns offers currently in status via the status GSI.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Offer, error) {
	return s.query(ctx, StatusIndex, "status", string(status))
}

func (s *Store) query(ctx context.Context, index, attr, value string) ([]Offer, error) {
	pages := dyn.NewQueryPaginator(s.client, &dyn.QueryInput{
		TableName:                &s.tableName,
		IndexName:                awsString(index),
		KeyConditionExpression:   awsString("#k = :v"),
		ExpressionAttributeNames: map[string]string{"#k": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
		},
		ScanIndexForward: awsBool(false),
	})
	result := []Offer{}
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query offers: %w", err)
		}
		for _, item := range out.Items {
			o, err := unmarshalOffer(item)
			if err != nil {
				return nil, err
			}
			result = append(result, o)
		}
	}
	return result, nil
}

func offerKey(offerID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"offer_id": &types.AttributeValueMemberS{Value: offerID},
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
