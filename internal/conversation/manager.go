// Package conversation implements the assistant's state machine: one manager
// drives every conversation from first contact through automation to
// completion, consulting the AI gateway for decisions and the adapter
// registry for browser work.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/adapters"
	"github.com/karenhq/karen/internal/config"
	"github.com/karenhq/karen/internal/llmutil"
	"github.com/karenhq/karen/internal/store"
)

// ErrConversationNotFound mirrors the store sentinel at this layer.
var ErrConversationNotFound = errors.New("conversation not found")

// AdapterRegistry hands out site adapters bound to one conversation each, so
// concurrent conversations about the same service never share a browser page.
type AdapterRegistry interface {
	Get(service, conversationID string) adapters.SiteAdapter
	Release(ctx context.Context, conversationID string)
	ServiceURL(service string) string
}

// Manager owns conversation lifecycle. All turns for one conversation are
// serialized by a per-conversation mutex; concurrent turns on different
// conversations proceed independently.
type Manager struct {
	repo     store.Repository
	fallback *store.MemoryStore
	llm      schemas.LLMClient
	registry AdapterRegistry
	cfg      config.AutomationConfig
	clock    schemas.Clock
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*convLock
}

// convLock is a reference-counted per-conversation mutex. Counting waiters
// lets the registry entry be dropped as soon as the last turn finishes, so
// the lock map does not grow with every conversation ever touched.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager wires the state machine. When repo is already the in-memory
// store there is nothing to degrade to, so no separate fallback is kept.
func NewManager(repo store.Repository, llm schemas.LLMClient, registry AdapterRegistry, cfg config.AutomationConfig, logger *zap.Logger) *Manager {
	var fallback *store.MemoryStore
	if _, isMemory := repo.(*store.MemoryStore); !isMemory {
		fallback = store.NewMemory(logger)
	}
	return &Manager{
		repo:     repo,
		fallback: fallback,
		llm:      llm,
		registry: registry,
		cfg:      cfg,
		clock:    schemas.RealClock{},
		logger:   logger.Named("conversation"),
		locks:    make(map[string]*convLock),
	}
}

// acquire blocks until this goroutine owns the conversation's turn lock.
func (m *Manager) acquire(id string) *convLock {
	m.mu.Lock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &convLock{}
		m.locks[id] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return lock
}

// release unlocks and evicts the entry once no turn holds or awaits it.
func (m *Manager) release(id string, lock *convLock) {
	lock.mu.Unlock()

	m.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, id)
	}
	m.mu.Unlock()
}

// Initialize creates a fresh conversation for the user.
func (m *Manager) Initialize(ctx context.Context, userID string) (*schemas.Conversation, error) {
	now := m.clock.Now()
	conv := &schemas.Conversation{
		ID:       uuid.NewString(),
		UserID:   userID,
		State:    schemas.StateInitial,
		Messages: []schemas.Message{},
		Metadata: schemas.Metadata{
			StartTime:      now,
			LastUpdateTime: now,
		},
		Version: 1,
	}
	if err := m.persist(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	m.logger.Info("Conversation created.",
		zap.String("conversation_id", conv.ID), zap.String("user_id", userID))
	return conv, nil
}

// ProcessMessage runs one full turn: append the user message, dispatch by
// state, append the assistant message, persist. Failures never propagate; the
// turn always yields a Reply, with Error set and the state forced to ERROR
// where the transition is allowed.
func (m *Manager) ProcessMessage(ctx context.Context, conversationID string, msg schemas.IncomingMessage) schemas.Reply {
	lock := m.acquire(conversationID)
	defer m.release(conversationID, lock)

	conv, err := m.load(ctx, conversationID)
	if err != nil {
		m.logger.Warn("Message for unknown conversation.",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return schemas.Reply{
			Text:      "I'm sorry, I couldn't find this conversation. Please start a new one.",
			Timestamp: m.clock.Now(),
			Error:     true,
		}
	}

	if msg.SystemPrompt != "" {
		conv.Metadata.SystemPrompt = msg.SystemPrompt
	}
	conv.Messages = append(conv.Messages, schemas.Message{
		Role: schemas.RoleUser, Content: msg.Text, Timestamp: m.clock.Now(),
	})

	replyText, turnErr := m.dispatch(ctx, conv, msg.Text)
	if turnErr != nil {
		m.logger.Error("Turn failed.",
			zap.String("conversation_id", conv.ID),
			zap.String("state", string(conv.State)),
			zap.Error(turnErr))
		if conv.State.CanTransitionTo(schemas.StateError) {
			conv.State = schemas.StateError
		}
		conv.Metadata.ErrorDetail = turnErr.Error()
		replyText = fmt.Sprintf(
			"I'm sorry, something went wrong while handling that: %s. You can still ask me about what happened so far.",
			turnErr)
	}

	now := m.clock.Now()
	conv.Messages = append(conv.Messages, schemas.Message{
		Role: schemas.RoleAssistant, Content: replyText, Timestamp: now,
	})
	conv.Metadata.LastUpdateTime = now
	conv.Version++

	if err := m.persist(ctx, conv); err != nil {
		m.logger.Error("Failed to persist conversation after turn.",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	return schemas.Reply{
		Text:      replyText,
		Timestamp: now,
		State:     conv.State,
		Metadata:  m.replyMetadata(conv),
		Error:     turnErr != nil,
	}
}

func (m *Manager) replyMetadata(conv *schemas.Conversation) map[string]interface{} {
	md := map[string]interface{}{
		"conversationId": conv.ID,
	}
	if conv.Metadata.Service != "" {
		md["service"] = conv.Metadata.Service
	}
	if conv.State == schemas.StateAutomating || conv.State == schemas.StateCompleted {
		md["currentStep"] = conv.Metadata.CurrentStep
		md["screenshots"] = conv.Metadata.Screenshots
	}
	return md
}

func (m *Manager) dispatch(ctx context.Context, conv *schemas.Conversation, text string) (string, error) {
	switch conv.State {
	case schemas.StateInitial:
		return m.handleInitial(ctx, conv, text)
	case schemas.StateGatheringInfo:
		return m.handleGathering(ctx, conv, text)
	case schemas.StateProcessing:
		return m.handleProcessing(ctx, conv)
	case schemas.StateAutomating:
		return m.handleAutomating(ctx, conv)
	case schemas.StateCompleted, schemas.StateError:
		return m.handleFollowUp(ctx, conv)
	default:
		return "", fmt.Errorf("conversation in unknown state %q", conv.State)
	}
}

func (m *Manager) systemPrompt(conv *schemas.Conversation) string {
	if conv.Metadata.SystemPrompt != "" {
		return conv.Metadata.SystemPrompt
	}
	return defaultSystemPrompt
}

// handleInitial classifies the opening message into issue/service/details and
// always moves on to information gathering.
func (m *Manager) handleInitial(ctx context.Context, conv *schemas.Conversation, text string) (string, error) {
	raw, err := m.llm.Generate(ctx, schemas.GenerationRequest{
		Messages: []schemas.Message{{
			Role:    schemas.RoleUser,
			Content: fmt.Sprintf(initialExtractionPrompt, text),
		}},
		SystemPrompt: m.systemPrompt(conv),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	if err != nil {
		return "", fmt.Errorf("initial classification failed: %w", err)
	}

	conv.State = schemas.StateGatheringInfo

	ext, perr := llmutil.ParseJSONResponse[initialExtraction](raw)
	if perr != nil {
		conv.Metadata.ExtractedInfo.AppendNote(strings.TrimSpace(raw))
		m.logger.Warn("Initial extraction was not valid JSON, keeping raw notes.",
			zap.String("conversation_id", conv.ID))
		return "Thanks for reaching out. Could you tell me which company this is about and what went wrong?", nil
	}

	conv.Metadata.Issue = ext.Issue
	conv.Metadata.Service = strings.ToLower(strings.TrimSpace(ext.Service))
	stripControlKeys(&ext.KeyDetails)
	conv.Metadata.ExtractedInfo.Merge(ext.KeyDetails)

	if conv.Metadata.Service == "" {
		return fmt.Sprintf(
			"I understand: %s. Which company is this with? Any specifics like order numbers or dates will help too.",
			ext.Issue), nil
	}
	return fmt.Sprintf(
		"I understand you're having an issue with %s: %s. Could you share specifics like an order number, dates, or amounts so I can act on it?",
		conv.Metadata.Service, ext.Issue), nil
}

// handleGathering extracts new facts, then decides whether enough is known. A
// hasEnoughInfo flag in the extraction short-circuits the separate
// sufficiency call.
func (m *Manager) handleGathering(ctx context.Context, conv *schemas.Conversation, text string) (string, error) {
	raw, err := m.llm.Generate(ctx, schemas.GenerationRequest{
		Messages: []schemas.Message{{
			Role: schemas.RoleUser,
			Content: fmt.Sprintf(gatherExtractionPrompt,
				conv.Metadata.Issue, conv.Metadata.Service,
				summarizeFacts(conv.Metadata.ExtractedInfo), text),
		}},
		SystemPrompt: m.systemPrompt(conv),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	if err != nil {
		return "", fmt.Errorf("fact extraction failed: %w", err)
	}

	info, perr := llmutil.ParseJSONResponse[schemas.ExtractedInfo](raw)
	if perr != nil {
		conv.Metadata.ExtractedInfo.AppendNote(strings.TrimSpace(raw))
		m.logger.Warn("Fact extraction was not valid JSON, keeping raw notes.",
			zap.String("conversation_id", conv.ID))
		return "Thanks. Could you share concrete details — an order number, dates, or amounts — so I can move forward?", nil
	}

	signals, _ := llmutil.ParseJSONResponse[factSignals](raw)
	stripControlKeys(info)
	conv.Metadata.ExtractedInfo.Merge(*info)

	enough := signals != nil && signals.HasEnoughInfo
	if !enough {
		sufficient, ask, serr := m.checkSufficiency(ctx, conv)
		if serr != nil {
			return "", serr
		}
		if !sufficient {
			return ask, nil
		}
	}

	conv.State = schemas.StateProcessing
	return m.handleProcessing(ctx, conv)
}

// checkSufficiency runs the separate yes/no call. Undecodable output counts
// as insufficient and asks for clarification.
func (m *Manager) checkSufficiency(ctx context.Context, conv *schemas.Conversation) (bool, string, error) {
	raw, err := m.llm.Generate(ctx, schemas.GenerationRequest{
		Messages: []schemas.Message{{
			Role: schemas.RoleUser,
			Content: fmt.Sprintf(sufficiencyPrompt,
				conv.Metadata.Issue, conv.Metadata.Service,
				summarizeFacts(conv.Metadata.ExtractedInfo)),
		}},
		SystemPrompt: m.systemPrompt(conv),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.1, ForceJSONFormat: true},
	})
	if err != nil {
		return false, "", fmt.Errorf("sufficiency check failed: %w", err)
	}

	signal, perr := llmutil.ParseJSONResponse[sufficiencySignal](raw)
	if perr != nil {
		m.logger.Warn("Sufficiency answer was not valid JSON, treating as insufficient.",
			zap.String("conversation_id", conv.ID))
		return false, "I'm close, but could you add any remaining details about your issue?", nil
	}
	if signal.Sufficient {
		return true, "", nil
	}
	if len(signal.Missing) > 0 {
		return false, fmt.Sprintf("Almost there. I still need: %s.", strings.Join(signal.Missing, ", ")), nil
	}
	return false, "Could you share a bit more detail so I can act on this for you?", nil
}

// handleProcessing generates the automation plan and resolves the service
// URL, then hands off to automation.
func (m *Manager) handleProcessing(ctx context.Context, conv *schemas.Conversation) (string, error) {
	raw, err := m.llm.Generate(ctx, schemas.GenerationRequest{
		Messages: []schemas.Message{{
			Role: schemas.RoleUser,
			Content: fmt.Sprintf(planPrompt,
				conv.Metadata.Issue, conv.Metadata.Service,
				summarizeFacts(conv.Metadata.ExtractedInfo)),
		}},
		SystemPrompt: m.systemPrompt(conv),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.7},
	})
	if err != nil {
		return "", fmt.Errorf("plan generation failed: %w", err)
	}

	conv.Metadata.AutomationPlan = llmutil.StripCodeFences(raw)
	conv.Metadata.ServiceURL = m.registry.ServiceURL(conv.Metadata.Service)
	conv.State = schemas.StateAutomating

	return fmt.Sprintf(
		"I have everything I need. Here's my plan:\n%s\nI'll start working on this at %s. Send me any message to check progress.",
		conv.Metadata.AutomationPlan, conv.Metadata.ServiceURL), nil
}

// handleAutomating bootstraps the browser session on the first turn, then
// reports step progress until the step threshold completes the task. The
// adapter is bound to this conversation; failures release it so a dead page
// never lingers.
func (m *Manager) handleAutomating(ctx context.Context, conv *schemas.Conversation) (string, error) {
	adapter := m.registry.Get(conv.Metadata.Service, conv.ID)

	if conv.SessionID == "" {
		issue := conv.Metadata.Issue
		if facts := summarizeFacts(conv.Metadata.ExtractedInfo); facts != "(none yet)" {
			issue = fmt.Sprintf("%s (details: %s)", issue, facts)
		}

		envelope := adapter.HandleCustomerIssue(ctx, issue)
		if envelope.ScreenshotURL != "" {
			conv.Metadata.Screenshots = append(conv.Metadata.Screenshots, envelope.ScreenshotURL)
		}
		if !envelope.Success {
			m.registry.Release(ctx, conv.ID)
			return "", fmt.Errorf("automation bootstrap failed: %s", envelope.Error)
		}
		conv.SessionID = adapter.SessionID()

		return fmt.Sprintf(
			"I'm on it. %s I'll keep working through the remaining steps — send me any message for a progress update.",
			envelope.Message), nil
	}

	step := conv.Metadata.CurrentStep + 1
	path, err := adapter.Screenshot(ctx, fmt.Sprintf("step_%d", step))
	if err != nil {
		m.registry.Release(ctx, conv.ID)
		return "", fmt.Errorf("progress capture failed: %w", err)
	}
	conv.Metadata.Screenshots = append(conv.Metadata.Screenshots, path)
	conv.Metadata.CurrentStep = step

	if step >= m.cfg.MaxSteps {
		conv.State = schemas.StateCompleted
		if conv.Metadata.CompletionTime == nil {
			now := m.clock.Now()
			conv.Metadata.CompletionTime = &now
		}
		m.registry.Release(ctx, conv.ID)
		return fmt.Sprintf(
			"All done! I've completed the automated steps for your %s issue. Feel free to ask me anything about what happened.",
			conv.Metadata.Service), nil
	}

	return fmt.Sprintf(
		"Progress update: step %d of %d complete. Send another message for the next update.",
		step, m.cfg.MaxSteps), nil
}

// handleFollowUp answers questions after the primary flow ended, using only
// the trailing slice of the history.
func (m *Manager) handleFollowUp(ctx context.Context, conv *schemas.Conversation) (string, error) {
	recent := conv.Messages
	if n := m.cfg.FollowUpContext; n > 0 && len(recent) > n {
		recent = recent[len(recent)-n:]
	}

	raw, err := m.llm.Generate(ctx, schemas.GenerationRequest{
		Messages:     recent,
		SystemPrompt: m.systemPrompt(conv) + "\n\n" + followUpPrompt,
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.7},
	})
	if err != nil {
		return "", fmt.Errorf("follow-up answer failed: %w", err)
	}
	return llmutil.StripCodeFences(raw), nil
}

// load prefers the primary store but takes the fallback copy when it is
// newer, which happens after a degraded persist.
func (m *Manager) load(ctx context.Context, id string) (*schemas.Conversation, error) {
	primary, perr := m.repo.Get(ctx, id)

	if m.fallback != nil {
		if degraded, err := m.fallback.Get(ctx, id); err == nil {
			if primary == nil || degraded.Version > primary.Version {
				return degraded, nil
			}
		}
	}
	if perr != nil {
		if errors.Is(perr, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, perr
	}
	return primary, nil
}

// persist writes to the primary store, mirroring into the in-memory fallback
// so turns keep working through a database outage. A primary failure degrades
// with a warning as long as the mirror took the write.
func (m *Manager) persist(ctx context.Context, conv *schemas.Conversation) error {
	err := m.repo.Save(ctx, conv)
	if m.fallback == nil {
		return err
	}

	ferr := m.fallback.Save(ctx, conv)
	if err == nil {
		return nil
	}
	m.logger.Warn("Persistence failed, degrading to in-memory store.",
		zap.String("conversation_id", conv.ID), zap.Error(err))
	if ferr != nil {
		return fmt.Errorf("primary save failed (%v) and fallback save failed: %w", err, ferr)
	}
	return nil
}

// History returns the full message log.
func (m *Manager) History(ctx context.Context, id string) ([]schemas.Message, error) {
	conv, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// Metadata returns the task metadata and current state.
func (m *Manager) Metadata(ctx context.Context, id string) (schemas.Metadata, schemas.State, error) {
	conv, err := m.load(ctx, id)
	if err != nil {
		return schemas.Metadata{}, "", err
	}
	return conv.Metadata, conv.State, nil
}

// ListUserConversations returns up to limit summaries, newest activity first.
func (m *Manager) ListUserConversations(ctx context.Context, userID string, limit int) ([]schemas.ConversationSummary, error) {
	summaries, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}
