package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Scopes partition the idempotency table by kind of key.
const (
	ScopeCheckout    = "checkout"
	ScopeStripeEvent = "stripe_event"
	ScopeEmail       = "email"
)

// Record is the shape persisted in the idempotency DynamoDB table.
type Record struct {
	Key            string    `dynamodbav:"idempotency_key"` // PK, "<scope>#<key>"
	Status         string    `dynamodbav:"status"`
	ResourceID     string    `dynamodbav:"resource_id,omitempty"`
	Fingerprint    string    `dynamodbav:"fingerprint,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	LeaseExpiresAt int64     `dynamodbav:"lease_expires_at,omitempty"`
	Note           string    `dynamodbav:"note,omitempty"`
}

// expired reports whether the table's TTL has lapsed; the sweeper may not have removed it yet.
func (r Record) expired(now time.Time) bool {
	return r.ExpiresAt > 0 && r.ExpiresAt <= now.Unix()
}

// Claim describes a new attempt for a key.
type Claim struct {
	Scope       string
	Key         string
	ResourceID  string
	Fingerprint string
}

func (c Claim) pk() string { return pk(c.Scope, c.Key) }

func pk(scope, key string) string { return scope + "#" + key }
