package store

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
)

// MemoryStore is the in-process Repository. It is the store of record when no
// database is configured, and the degraded fallback when persistence fails at
// runtime.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*schemas.Conversation
	log           *zap.Logger
}

// NewMemory creates an empty in-memory store.
func NewMemory(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*schemas.Conversation),
		log:           logger.Named("store.memory"),
	}
}

// clone deep-copies a conversation via JSON so callers never share mutable
// state with the map.
func clone(conv *schemas.Conversation) (*schemas.Conversation, error) {
	data, err := fastjson.Marshal(conv)
	if err != nil {
		return nil, err
	}
	var copied schemas.Conversation
	if err := fastjson.Unmarshal(data, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}

// Save stores a deep copy, enforcing the same version discipline as the
// PostgreSQL store.
func (s *MemoryStore) Save(_ context.Context, conv *schemas.Conversation) error {
	copied, err := clone(conv)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conversations[conv.ID]; ok && conv.Version != existing.Version+1 {
		return ErrVersionConflict
	}
	s.conversations[conv.ID] = copied
	return nil
}

// Get returns a deep copy of the stored conversation.
func (s *MemoryStore) Get(_ context.Context, id string) (*schemas.Conversation, error) {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return clone(conv)
}

// ListByUser returns summaries sorted by most recent activity.
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]schemas.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []schemas.ConversationSummary
	for _, conv := range s.conversations {
		if conv.UserID != userID {
			continue
		}
		summaries = append(summaries, schemas.ConversationSummary{
			ID:             conv.ID,
			State:          conv.State,
			Issue:          conv.Metadata.Issue,
			Service:        conv.Metadata.Service,
			StartTime:      conv.Metadata.StartTime,
			LastUpdateTime: conv.Metadata.LastUpdateTime,
			CompletionTime: conv.Metadata.CompletionTime,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastUpdateTime.After(summaries[j].LastUpdateTime)
	})
	return summaries, nil
}

// Delete removes one conversation.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Len reports the number of stored conversations. Used by monitoring.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}
