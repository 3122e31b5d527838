package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/aws"
)

// ErrKeyNotFound is returned when a completion targets a key that was never claimed.
var ErrKeyNotFound = errors.New("idempotency key not found")

// DefaultLease is how long an IN_PROGRESS claim is honoured before another attempt may take it over.
const DefaultLease = 2 * time.Minute

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	lease     time.Duration
	nowFunc   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLease overrides DefaultLease.
func WithLease(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// NewStore returns a configured Store. ttlWindow sets expires_at for the table's TTL.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration, opts ...Option) *Store {
	s := &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		lease:     DefaultLease,
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fingerprint hashes a request body so a reused key with a different payload can be told apart.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CreateIfNotExists records an IN_PROGRESS attempt if the key is unused or its record has
// outlived the TTL window. Returns (true, nil) when created and (false, nil) when a live record exists.
func (s *Store) CreateIfNotExists(ctx context.Context, c Claim) (bool, error) {
	now := s.nowFunc().UTC()
	rec := Record{
		Key:            c.pk(),
		Status:         StatusInProgress,
		ResourceID:     c.ResourceID,
		Fingerprint:    c.Fingerprint,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
		LeaseExpiresAt: now.Add(s.lease).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	created, err := s.put(ctx, item, "attribute_not_exists(idempotency_key)", nil)
	if err != nil || created {
		return created, err
	}

	existing, err := s.read(ctx, c.Scope, c.Key)
	if err != nil {
		return false, err
	}
	if existing == nil || !existing.expired(now) {
		return false, nil
	}
	// replace the expired record only if nobody else did first
	return s.put(ctx, item, "expires_at = :old", map[string]types.AttributeValue{
		":old": &types.AttributeValueMemberN{Value: strconv.FormatInt(existing.ExpiresAt, 10)},
	})
}

func (s *Store) put(ctx context.Context, item map[string]types.AttributeValue, condition string, values map[string]types.AttributeValue) (bool, error) {
	_, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                 &s.tableName,
		Item:                      item,
		ConditionExpression:       awsString(condition),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Reclaim moves a FAILED attempt, or an IN_PROGRESS attempt whose lease has lapsed, back to a
// fresh IN_PROGRESS lease so the client may retry with the same key.
// Returns (false, nil) while another attempt still holds the key.
func (s *Store) Reclaim(ctx context.Context, scope, key string) (bool, error) {
	now := s.nowFunc().UTC()
	ok, err := s.renew(ctx, scope, key, "#s = :from", map[string]types.AttributeValue{
		":from": &types.AttributeValueMemberS{Value: StatusFailed},
	}, now)
	if err != nil || ok {
		return ok, err
	}
	return s.renew(ctx, scope, key, "#s = :from AND lease_expires_at < :now", map[string]types.AttributeValue{
		":from": &types.AttributeValueMemberS{Value: StatusInProgress},
		":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
	}, now)
}

func (s *Store) renew(ctx context.Context, scope, key, condition string, values map[string]types.AttributeValue, now time.Time) (bool, error) {
	values[":progress"] = &types.AttributeValueMemberS{Value: StatusInProgress}
	values[":ua"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)}
	values[":lease"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.lease).Unix(), 10)}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 recordKey(scope, key),
		UpdateExpression:    awsString("SET #s = :progress, updated_at = :ua, lease_expires_at = :lease"),
		ConditionExpression: awsString("attribute_exists(idempotency_key) AND " + condition),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("update item (reclaim): %w", err)
	}
	return true, nil
}

// Get retrieves an idempotency record. A missing or expired record returns (nil, nil).
func (s *Store) Get(ctx context.Context, scope, key string) (*Record, error) {
	rec, err := s.read(ctx, scope, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.expired(s.nowFunc()) {
		return nil, nil
	}
	return rec, nil
}

func (s *Store) read(ctx context.Context, scope, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            recordKey(scope, key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone sets status to DONE and stores the response to replay for duplicates.
func (s *Store) MarkDone(ctx context.Context, scope, key, responseBody string, responseStatus int) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 recordKey(scope, key),
		UpdateExpression:    awsString("SET #s = :done, response_body = :rb, response_status = :rs, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(idempotency_key)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":rb":   &types.AttributeValueMemberS{Value: responseBody},
			":rs":   &types.AttributeValueMemberN{Value: strconv.Itoa(responseStatus)},
			":ua":   &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// MarkFailed marks the attempt FAILED with a note so a retry can reclaim it.
func (s *Store) MarkFailed(ctx context.Context, scope, key, note string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 recordKey(scope, key),
		UpdateExpression:    awsString("SET #s = :failed, note = :n, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(idempotency_key)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":n":      &types.AttributeValueMemberS{Value: note},
			":ua":     &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

func recordKey(scope, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: pk(scope, key)},
	}
}

func isConditionalFailure(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
