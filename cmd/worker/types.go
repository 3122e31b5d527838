package main

import (
	"context"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/idempotency"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/notify"
)

// DedupeStore remembers which notifications were already delivered.
type DedupeStore interface {
	CreateIfNotExists(ctx context.Context, c idempotency.Claim) (bool, error)
	Reclaim(ctx context.Context, scope, key string) (bool, error)
	Get(ctx context.Context, scope, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, scope, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, scope, key, note string) error
}

// Sender delivers one notification to its recipient.
type Sender interface {
	Send(ctx context.Context, msg notify.Message) error
}
