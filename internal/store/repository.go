// Package store persists conversations. Two implementations exist: a
// PostgreSQL store for production and an in-memory store for development and
// as a degraded fallback when the database is unreachable.
package store

import (
	"context"
	"errors"

	"github.com/karenhq/karen/api/schemas"
)

var (
	// ErrNotFound means no conversation exists under the requested ID.
	ErrNotFound = errors.New("conversation not found")
	// ErrVersionConflict means the conversation was modified concurrently.
	// Callers should reload and retry the turn.
	ErrVersionConflict = errors.New("conversation version conflict")
)

// Repository is the persistence contract the conversation manager depends on.
// Save performs an optimistic-concurrency write: the conversation's Version
// must be exactly one greater than the stored version (or 1 for a new row).
type Repository interface {
	Save(ctx context.Context, conv *schemas.Conversation) error
	Get(ctx context.Context, id string) (*schemas.Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]schemas.ConversationSummary, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
