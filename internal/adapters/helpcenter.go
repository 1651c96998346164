package adapters

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/automation"
	"github.com/karenhq/karen/internal/llmutil"
)

// channelChoice is the structured signal the model returns when asked how to
// route an issue on a support site.
type channelChoice struct {
	Approach     string `json:"approach"`
	SearchTerm   string `json:"searchTerm,omitempty"`
	ChatMessage  string `json:"chatMessage,omitempty"`
	EmailSubject string `json:"emailSubject,omitempty"`
	EmailBody    string `json:"emailBody,omitempty"`
}

const channelPrompt = `You are routing a customer issue on the %s help center.
Available channels: %s.
Issue: %s

Respond with JSON only:
{"approach": "search" | "chat" | "email", "searchTerm": "...", "chatMessage": "...", "emailSubject": "...", "emailBody": "..."}
Fill only the fields relevant to the chosen approach.`

// HelpCenterAdapter drives a conventional help center site described by a
// Profile. The browser page is opened lazily on first use.
type HelpCenterAdapter struct {
	profile  Profile
	llm      schemas.LLMClient
	executor *automation.Executor
	sessions SessionFactory
	logger   *zap.Logger

	mu     sync.Mutex
	driver schemas.PageDriver
}

var _ SiteAdapter = (*HelpCenterAdapter)(nil)

// NewHelpCenterAdapter builds an adapter for one site profile.
func NewHelpCenterAdapter(profile Profile, llm schemas.LLMClient, executor *automation.Executor, sessions SessionFactory, logger *zap.Logger) *HelpCenterAdapter {
	return &HelpCenterAdapter{
		profile:  profile,
		llm:      llm,
		executor: executor,
		sessions: sessions,
		logger:   logger.Named("adapter").With(zap.String("service", profile.Service)),
	}
}

// Service names the site this adapter handles.
func (a *HelpCenterAdapter) Service() string {
	return a.profile.Service
}

// SessionID reports the ID of the open browser session, or "" before one
// exists.
func (a *HelpCenterAdapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.driver == nil {
		return ""
	}
	return a.driver.ID()
}

// Screenshot captures the current page state for progress reporting. Requires
// an open session.
func (a *HelpCenterAdapter) Screenshot(ctx context.Context, name string) (string, error) {
	a.mu.Lock()
	driver := a.driver
	a.mu.Unlock()

	if driver == nil {
		return "", fmt.Errorf("no active browser session for %s", a.profile.Service)
	}
	return driver.Screenshot(ctx, name)
}

// ensureSession opens the page and lands on the help center on first call.
func (a *HelpCenterAdapter) ensureSession(ctx context.Context) (schemas.PageDriver, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.driver != nil {
		return a.driver, nil
	}

	driver, err := a.sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser session: %w", err)
	}
	if _, err := driver.Navigate(ctx, a.profile.HelpCenterURL); err != nil {
		// Keep the driver so Close can release it even after a failed landing.
		a.driver = driver
		return nil, fmt.Errorf("failed to reach help center: %w", err)
	}
	a.driver = driver
	return driver, nil
}

// HandleCustomerIssue asks the model which support channel fits the issue,
// then executes that channel. Unparseable model output degrades to a keyword
// search; a failed chat attempt falls back to email when the site has one.
func (a *HelpCenterAdapter) HandleCustomerIssue(ctx context.Context, issue string) schemas.Envelope {
	choice := a.classifyIssue(ctx, issue)

	a.logger.Info("Routing customer issue.",
		zap.String("approach", choice.Approach))

	switch choice.Approach {
	case "chat":
		if a.profile.HasChat() {
			envelope := a.StartLiveChat(ctx, choice.ChatMessage)
			if envelope.Success {
				return envelope
			}
			a.logger.Warn("Live chat unavailable, falling back to email.", zap.String("error", envelope.Error))
		}
		fallthrough
	case "email":
		if a.profile.HasEmail() {
			subject := choice.EmailSubject
			if subject == "" {
				subject = "Customer support request"
			}
			body := choice.EmailBody
			if body == "" {
				body = issue
			}
			return a.SendEmailSupport(ctx, subject, body)
		}
		// No email channel either; search is always available.
		return a.SearchForIssue(ctx, a.keywordQuery(choice, issue))
	default:
		return a.SearchForIssue(ctx, a.keywordQuery(choice, issue))
	}
}

// classifyIssue returns the model's channel choice, or a search fallback when
// the model output cannot be decoded.
func (a *HelpCenterAdapter) classifyIssue(ctx context.Context, issue string) channelChoice {
	channels := []string{"search"}
	if a.profile.HasChat() {
		channels = append(channels, "chat")
	}
	if a.profile.HasEmail() {
		channels = append(channels, "email")
	}

	raw, err := a.llm.Generate(ctx, schemas.GenerationRequest{
		Messages: []schemas.Message{{
			Role:      schemas.RoleUser,
			Content:   fmt.Sprintf(channelPrompt, a.profile.Service, strings.Join(channels, ", "), issue),
			Timestamp: time.Now(),
		}},
		Tier:    schemas.TierFast,
		Options: schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	if err != nil {
		a.logger.Warn("Channel classification call failed, defaulting to search.", zap.Error(err))
		return channelChoice{Approach: "search"}
	}

	choice, err := llmutil.ParseJSONResponse[channelChoice](raw)
	if err != nil {
		a.logger.Warn("Channel classification was not valid JSON, defaulting to search.", zap.Error(err))
		return channelChoice{Approach: "search"}
	}
	return *choice
}

// keywordQuery picks the search term: the model's suggestion when present,
// otherwise the leading words of the raw issue.
func (a *HelpCenterAdapter) keywordQuery(choice channelChoice, issue string) string {
	if choice.SearchTerm != "" {
		return choice.SearchTerm
	}
	words := strings.Fields(issue)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

// SearchForIssue runs the help center search and extracts the results block.
func (a *HelpCenterAdapter) SearchForIssue(ctx context.Context, query string) schemas.Envelope {
	driver, err := a.ensureSession(ctx)
	if err != nil {
		return failureEnvelope("search", err)
	}

	actions := []schemas.Action{
		{Type: schemas.ActionFill, Selector: a.profile.SearchInput, Value: query},
		{Type: schemas.ActionClick, Selector: a.profile.SearchSubmit},
		{Type: schemas.ActionWait, WaitMs: 1500},
		{Type: schemas.ActionExtract, Selector: a.profile.ResultsBlock},
		{Type: schemas.ActionScreenshot, Name: "search_results"},
	}
	results := a.executor.ExecuteActions(ctx, driver, actions)

	envelope := schemas.Envelope{Action: "search"}
	for _, r := range results {
		switch r.Action.Type {
		case schemas.ActionExtract:
			if r.Success {
				// Assign only a non-empty slice; a typed nil here would make
				// the interface non-nil and fake a successful search.
				if parsed := parseSearchResults(fmt.Sprintf("%v", r.Result)); len(parsed) > 0 {
					envelope.Results = parsed
				}
			}
		case schemas.ActionScreenshot:
			if r.Success {
				envelope.ScreenshotURL = fmt.Sprintf("%v", r.Result)
			}
		}
	}

	if envelope.Results == nil {
		envelope.Message = fmt.Sprintf("Search for %q did not produce readable results.", query)
		envelope.Error = firstFailure(results)
		return envelope
	}
	envelope.Success = true
	envelope.Message = fmt.Sprintf("Found help center articles for %q.", query)
	return envelope
}

// StartLiveChat opens the chat widget and sends the opening message.
func (a *HelpCenterAdapter) StartLiveChat(ctx context.Context, message string) schemas.Envelope {
	if !a.profile.HasChat() {
		return schemas.Envelope{
			Action:  "chat",
			Message: "This site does not offer live chat.",
			Error:   "chat channel not configured",
		}
	}

	driver, err := a.ensureSession(ctx)
	if err != nil {
		return failureEnvelope("chat", err)
	}

	actions := []schemas.Action{
		{Type: schemas.ActionClick, Selector: a.profile.ChatButton},
		{Type: schemas.ActionWait, WaitMs: 2000},
		{Type: schemas.ActionFill, Selector: a.profile.ChatInput, Value: message},
		{Type: schemas.ActionClick, Selector: a.profile.ChatSend},
		{Type: schemas.ActionScreenshot, Name: "chat_started"},
	}
	results := a.executor.ExecuteActions(ctx, driver, actions)

	envelope := schemas.Envelope{Action: "chat"}
	for _, r := range results {
		if r.Action.Type == schemas.ActionScreenshot && r.Success {
			envelope.ScreenshotURL = fmt.Sprintf("%v", r.Result)
		}
	}

	if failure := firstFailure(results); failure != "" {
		envelope.Message = "Could not start a live chat session."
		envelope.Error = failure
		return envelope
	}
	envelope.Success = true
	envelope.Message = "Live chat opened and your message was sent."
	envelope.Result = message
	return envelope
}

// SendEmailSupport fills and submits the site's contact form.
func (a *HelpCenterAdapter) SendEmailSupport(ctx context.Context, subject, body string) schemas.Envelope {
	if !a.profile.HasEmail() {
		return schemas.Envelope{
			Action:  "email",
			Message: "This site does not offer an email contact form.",
			Error:   "email channel not configured",
		}
	}

	driver, err := a.ensureSession(ctx)
	if err != nil {
		return failureEnvelope("email", err)
	}

	actions := []schemas.Action{
		{Type: schemas.ActionClick, Selector: a.profile.EmailLink},
		{Type: schemas.ActionWait, WaitMs: 1000},
	}
	if a.profile.SubjectInput != "" {
		actions = append(actions, schemas.Action{Type: schemas.ActionFill, Selector: a.profile.SubjectInput, Value: subject})
	}
	actions = append(actions,
		schemas.Action{Type: schemas.ActionFill, Selector: a.profile.BodyInput, Value: body},
		schemas.Action{Type: schemas.ActionClick, Selector: a.profile.EmailSubmit},
		schemas.Action{Type: schemas.ActionScreenshot, Name: "email_sent"},
	)
	results := a.executor.ExecuteActions(ctx, driver, actions)

	envelope := schemas.Envelope{Action: "email"}
	for _, r := range results {
		if r.Action.Type == schemas.ActionScreenshot && r.Success {
			envelope.ScreenshotURL = fmt.Sprintf("%v", r.Result)
		}
	}

	if failure := firstFailure(results); failure != "" {
		envelope.Message = "Could not submit the support email form."
		envelope.Error = failure
		return envelope
	}
	envelope.Success = true
	envelope.Message = "Support email submitted."
	envelope.Result = map[string]string{"subject": subject}
	return envelope
}

// Close releases the page. Safe when the session never opened or opened only
// partially.
func (a *HelpCenterAdapter) Close(ctx context.Context) error {
	a.mu.Lock()
	driver := a.driver
	a.driver = nil
	a.mu.Unlock()

	if driver == nil {
		return nil
	}
	return driver.Close(ctx)
}

// parseSearchResults splits the extracted results block into individual hits.
// Help centers render one result per line or block; empty lines separate.
func parseSearchResults(block string) []schemas.SearchResult {
	var out []schemas.SearchResult
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, schemas.SearchResult{Title: line})
	}
	return out
}

// firstFailure returns the first failed action's error, or "".
func firstFailure(results []schemas.ActionResult) string {
	for _, r := range results {
		if !r.Success {
			return r.Error
		}
	}
	return ""
}

func failureEnvelope(action string, err error) schemas.Envelope {
	return schemas.Envelope{
		Action:  action,
		Message: "The support site could not be reached.",
		Error:   err.Error(),
	}
}
