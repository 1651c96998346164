// Package schemas holds the wire types shared by every layer of the
// assistant. The field names and nesting of Conversation are the persisted
// contract other services read; change them only with a migration.
package schemas

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle phase of a conversation.
type State string

const (
	StateInitial       State = "initial"
	StateGatheringInfo State = "gathering_info"
	StateProcessing    State = "processing"
	StateAutomating    State = "automating"
	StateCompleted     State = "completed"
	StateError         State = "error"
)

// stateRank orders the primary flow. ERROR sits outside the ordering as the
// escape hatch.
var stateRank = map[State]int{
	StateInitial:       0,
	StateGatheringInfo: 1,
	StateProcessing:    2,
	StateAutomating:    3,
	StateCompleted:     4,
}

// Terminal reports whether the primary flow has ended. Terminal conversations
// still accept follow-up questions but never change state again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// CanTransitionTo enforces the monotonic transition rule: forward along the
// primary flow, ERROR reachable from any non-terminal state, nothing leaves a
// terminal state.
func (s State) CanTransitionTo(next State) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == StateError {
		return true
	}
	from, okFrom := stateRank[s]
	to, okTo := stateRank[next]
	return okFrom && okTo && to > from
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in the append-only conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ExtractedInfo is the typed accumulator for facts gathered across turns.
// Merge only ever adds or overwrites; keys are never dropped, so the mapping
// after two turns contains the union of both contributions. Notes is the
// escape hatch for model output that failed structured decoding.
type ExtractedInfo struct {
	OrderNumber  string            `json:"orderNumber,omitempty"`
	OrderDate    string            `json:"orderDate,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	AccountType  string            `json:"accountType,omitempty"`
	SignupMethod string            `json:"signupMethod,omitempty"`
	Email        string            `json:"email,omitempty"`
	Amount       string            `json:"amount,omitempty"`
	Additional   map[string]string `json:"additional,omitempty"`
	Notes        string            `json:"notes,omitempty"`
}

// Merge folds the other accumulator into this one. Non-empty fields win;
// Additional keys accumulate; Notes concatenates.
func (e *ExtractedInfo) Merge(other ExtractedInfo) {
	if other.OrderNumber != "" {
		e.OrderNumber = other.OrderNumber
	}
	if other.OrderDate != "" {
		e.OrderDate = other.OrderDate
	}
	if other.Reason != "" {
		e.Reason = other.Reason
	}
	if other.AccountType != "" {
		e.AccountType = other.AccountType
	}
	if other.SignupMethod != "" {
		e.SignupMethod = other.SignupMethod
	}
	if other.Email != "" {
		e.Email = other.Email
	}
	if other.Amount != "" {
		e.Amount = other.Amount
	}
	for k, v := range other.Additional {
		if e.Additional == nil {
			e.Additional = make(map[string]string)
		}
		e.Additional[k] = v
	}
	if other.Notes != "" {
		e.AppendNote(other.Notes)
	}
}

// AppendNote records free text the model produced where JSON was expected.
func (e *ExtractedInfo) AppendNote(raw string) {
	if raw == "" {
		return
	}
	if e.Notes == "" {
		e.Notes = raw
		return
	}
	e.Notes = e.Notes + " " + raw
}

// IsEmpty reports whether nothing has been gathered yet.
func (e *ExtractedInfo) IsEmpty() bool {
	return e.OrderNumber == "" && e.OrderDate == "" && e.Reason == "" &&
		e.AccountType == "" && e.SignupMethod == "" && e.Email == "" &&
		e.Amount == "" && len(e.Additional) == 0 && e.Notes == ""
}

// UnmarshalJSON accepts an open mapping: known keys fill the typed fields,
// unknown keys (and non-string scalars, stringified) accumulate in Additional.
// This keeps the accumulator tolerant of whatever key set the model invents.
func (e *ExtractedInfo) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	asString := func(v json.RawMessage) string {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		var anyVal interface{}
		if err := json.Unmarshal(v, &anyVal); err == nil {
			return fmt.Sprintf("%v", anyVal)
		}
		return string(v)
	}

	for key, value := range raw {
		switch key {
		case "orderNumber":
			e.OrderNumber = asString(value)
		case "orderDate":
			e.OrderDate = asString(value)
		case "reason":
			e.Reason = asString(value)
		case "accountType":
			e.AccountType = asString(value)
		case "signupMethod":
			e.SignupMethod = asString(value)
		case "email":
			e.Email = asString(value)
		case "amount":
			e.Amount = asString(value)
		case "notes":
			e.Notes = asString(value)
		case "additional":
			var extra map[string]string
			if err := json.Unmarshal(value, &extra); err == nil {
				for k, v := range extra {
					if e.Additional == nil {
						e.Additional = make(map[string]string)
					}
					e.Additional[k] = v
				}
			}
		default:
			if e.Additional == nil {
				e.Additional = make(map[string]string)
			}
			e.Additional[key] = asString(value)
		}
	}
	return nil
}

// Metadata is the mutable scratch record attached to a conversation.
type Metadata struct {
	Issue          string        `json:"issue,omitempty"`
	Service        string        `json:"service,omitempty"`
	SystemPrompt   string        `json:"systemPrompt,omitempty"`
	ExtractedInfo  ExtractedInfo `json:"extractedInfo"`
	AutomationPlan string        `json:"automationPlan,omitempty"`
	ServiceURL     string        `json:"serviceUrl,omitempty"`
	Screenshots    []string      `json:"screenshots,omitempty"`
	CurrentStep    int           `json:"currentStep"`
	StartTime      time.Time     `json:"startTime"`
	LastUpdateTime time.Time     `json:"lastUpdateTime"`
	CompletionTime *time.Time    `json:"completionTime,omitempty"`
	ErrorDetail    string        `json:"errorDetail,omitempty"`
}

// Conversation is the aggregate root: one user's interaction with the
// assistant, including history and task metadata. Messages only grows;
// Version increments on every persisted update.
type Conversation struct {
	ID        string    `json:"conversationId"`
	UserID    string    `json:"userId"`
	State     State     `json:"state"`
	Messages  []Message `json:"messages"`
	Metadata  Metadata  `json:"metadata"`
	SessionID string    `json:"sessionId,omitempty"`
	Version   int64     `json:"version"`
}

// ConversationSummary is the projection returned when listing a user's
// conversations.
type ConversationSummary struct {
	ID             string     `json:"conversationId"`
	State          State      `json:"state"`
	Issue          string     `json:"issue,omitempty"`
	Service        string     `json:"service,omitempty"`
	StartTime      time.Time  `json:"startTime"`
	LastUpdateTime time.Time  `json:"lastUpdateTime"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`
}

// IncomingMessage is one user turn as received from the transport layer.
type IncomingMessage struct {
	Text         string `json:"text"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// Reply is the assistant-facing response for one processed turn. Errors are
// rendered as ordinary replies with Error set, preserving conversational
// continuity.
type Reply struct {
	Text      string                 `json:"text"`
	Timestamp time.Time              `json:"timestamp"`
	State     State                  `json:"state,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     bool                   `json:"error,omitempty"`
}
