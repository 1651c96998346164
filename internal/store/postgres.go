package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
)

var fastjson = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists conversations in a single JSONB-heavy table.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres creates the store and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store.postgres"),
	}, nil
}

// Save upserts the conversation with an optimistic version check. A version of
// 1 inserts; anything higher updates the row only if the stored version is
// exactly one behind.
func (s *PostgresStore) Save(ctx context.Context, conv *schemas.Conversation) error {
	messages, err := fastjson.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	metadata, err := fastjson.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()

	if conv.Version <= 1 {
		query := `
        INSERT INTO conversations (id, user_id, state, messages, metadata, session_id, version, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
    `
		_, err := s.pool.Exec(ctx, query,
			conv.ID, conv.UserID, string(conv.State), messages, metadata, conv.SessionID, conv.Version, now)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		return nil
	}

	query := `
        UPDATE conversations
        SET state = $2, messages = $3, metadata = $4, session_id = $5, version = $6, updated_at = $7
        WHERE id = $1 AND version = $8;
    `
	tag, err := s.pool.Exec(ctx, query,
		conv.ID, string(conv.State), messages, metadata, conv.SessionID, conv.Version, now, conv.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn("Stale conversation write rejected",
			zap.String("conversation_id", conv.ID),
			zap.Int64("version", conv.Version))
		return ErrVersionConflict
	}
	return nil
}

// Get loads one conversation by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*schemas.Conversation, error) {
	query := `
        SELECT id, user_id, state, messages, metadata, session_id, version
        FROM conversations
        WHERE id = $1;
    `
	var (
		conv      schemas.Conversation
		stateStr  string
		messages  []byte
		metadata  []byte
		sessionID string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&conv.ID, &conv.UserID, &stateStr, &messages, &metadata, &sessionID, &conv.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}

	conv.State = schemas.State(stateStr)
	conv.SessionID = sessionID
	if err := fastjson.Unmarshal(messages, &conv.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	if err := fastjson.Unmarshal(metadata, &conv.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &conv, nil
}

// ListByUser returns summaries of all conversations for one user, newest
// activity first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]schemas.ConversationSummary, error) {
	query := `
        SELECT id, state, metadata
        FROM conversations
        WHERE user_id = $1
        ORDER BY updated_at DESC;
    `
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var summaries []schemas.ConversationSummary
	for rows.Next() {
		var (
			summary  schemas.ConversationSummary
			stateStr string
			metadata []byte
		)
		if err := rows.Scan(&summary.ID, &stateStr, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		summary.State = schemas.State(stateStr)

		var md schemas.Metadata
		if err := fastjson.Unmarshal(metadata, &md); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		summary.Issue = md.Issue
		summary.Service = md.Service
		summary.StartTime = md.StartTime
		summary.LastUpdateTime = md.LastUpdateTime
		summary.CompletionTime = md.CompletionTime

		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return summaries, nil
}

// Delete removes one conversation.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
