// Package httpapi exposes the assistant over HTTP: conversation lifecycle,
// history access, and monitoring endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/conversation"
)

// ConversationService is the slice of the conversation manager the handlers
// need.
type ConversationService interface {
	Initialize(ctx context.Context, userID string) (*schemas.Conversation, error)
	ProcessMessage(ctx context.Context, conversationID string, msg schemas.IncomingMessage) schemas.Reply
	History(ctx context.Context, conversationID string) ([]schemas.Message, error)
	Metadata(ctx context.Context, conversationID string) (schemas.Metadata, schemas.State, error)
	ListUserConversations(ctx context.Context, userID string, limit int) ([]schemas.ConversationSummary, error)
}

// BrowserMonitor reports live browser session stats.
type BrowserMonitor interface {
	Stats() map[string]interface{}
}

// StorePinger checks persistence reachability for the health endpoint.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// apiResponse is the uniform JSON envelope for every endpoint.
type apiResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Handlers routes HTTP requests into the conversation manager.
type Handlers struct {
	log           *zap.Logger
	conversations ConversationService
	browser       BrowserMonitor
	store         StorePinger
}

// NewHandlers wires the handler set.
func NewHandlers(logger *zap.Logger, conversations ConversationService, browser BrowserMonitor, store StorePinger) *Handlers {
	return &Handlers{
		log:           logger.Named("httpapi"),
		conversations: conversations,
		browser:       browser,
		store:         store,
	}
}

// RegisterRoutes mounts every endpoint on the router.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/conversations", h.HandleCreateConversation)
		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Post("/messages", h.HandlePostMessage)
			r.Get("/history", h.HandleGetHistory)
			r.Get("/metadata", h.HandleGetMetadata)
		})
		r.Get("/users/{userID}/conversations", h.HandleListConversations)
		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/health", h.HandleHealth)
			r.Get("/browser", h.HandleBrowserStats)
		})
	})
}

type createConversationRequest struct {
	UserID string `json:"userId"`
}

// HandleCreateConversation starts a new conversation for a user.
func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		h.respondWithError(w, http.StatusBadRequest, "userId is required.")
		return
	}

	conv, err := h.conversations.Initialize(r.Context(), req.UserID)
	if err != nil {
		h.log.Error("Failed to create conversation", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to create conversation.")
		return
	}
	h.respondWithSuccess(w, http.StatusCreated, conv)
}

// HandlePostMessage runs one conversation turn. Turn-level failures are part
// of the reply contract, so this endpoint answers 200 with Error set rather
// than an HTTP error.
func (h *Handlers) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var msg schemas.IncomingMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		h.respondWithError(w, http.StatusBadRequest, "text is required.")
		return
	}

	reply := h.conversations.ProcessMessage(r.Context(), conversationID, msg)
	h.respondWithSuccess(w, http.StatusOK, reply)
}

// HandleGetHistory returns the full message log of a conversation.
func (h *Handlers) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	messages, err := h.conversations.History(r.Context(), conversationID)
	if err != nil {
		h.respondNotFoundOrError(w, conversationID, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"conversationId": conversationID,
		"count":          len(messages),
		"messages":       messages,
	})
}

// HandleGetMetadata returns the task metadata and state of a conversation.
func (h *Handlers) HandleGetMetadata(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	metadata, state, err := h.conversations.Metadata(r.Context(), conversationID)
	if err != nil {
		h.respondNotFoundOrError(w, conversationID, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"conversationId": conversationID,
		"state":          state,
		"metadata":       metadata,
	})
}

// HandleListConversations returns a user's conversation summaries, newest
// first. An optional ?limit= caps the result.
func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit %q.", raw))
			return
		}
		limit = parsed
	}

	summaries, err := h.conversations.ListUserConversations(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("Failed to list conversations", zap.String("user_id", userID), zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list conversations.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"userId":        userID,
		"count":         len(summaries),
		"conversations": summaries,
	})
}

// HandleHealth reports service liveness and persistence reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"service": "ok"}

	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status["store"] = fmt.Sprintf("unreachable: %v", err)
		code = http.StatusServiceUnavailable
	} else {
		status["store"] = "ok"
	}
	h.respondWithSuccess(w, code, status)
}

// HandleBrowserStats exposes the live browser session registry.
func (h *Handlers) HandleBrowserStats(w http.ResponseWriter, _ *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.browser.Stats())
}

func (h *Handlers) respondNotFoundOrError(w http.ResponseWriter, conversationID string, err error) {
	if errors.Is(err, conversation.ErrConversationNotFound) {
		h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("Conversation %s not found.", conversationID))
		return
	}
	h.log.Error("Failed to load conversation",
		zap.String("conversation_id", conversationID), zap.Error(err))
	h.respondWithError(w, http.StatusInternalServerError, "Failed to load conversation.")
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respond(w, statusCode, apiResponse{Status: "error", Error: message})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respond(w, statusCode, apiResponse{Status: "success", Data: data})
}

func (h *Handlers) respond(w http.ResponseWriter, statusCode int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
