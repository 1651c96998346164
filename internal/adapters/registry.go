package adapters

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/automation"
)

// builtinProfiles are the site layouts the assistant knows out of the box.
// Generic selectors cover the common help-center widgets; sites with bespoke
// markup get their own entry.
var builtinProfiles = map[string]Profile{
	"paddypower": {
		Service:       "paddypower",
		HelpCenterURL: "https://support.paddypower.com",
		SearchInput:   "input[type='search']",
		SearchSubmit:  "button[type='submit']",
		ResultsBlock:  ".search-results",
		ChatButton:    ".chat-launcher",
		ChatInput:     ".chat-input textarea",
		ChatSend:      ".chat-input button",
		EmailLink:     "a[href*='contact']",
		SubjectInput:  "input[name='subject']",
		BodyInput:     "textarea[name='message']",
		EmailSubmit:   "form button[type='submit']",
	},
	"amazon": {
		Service:       "amazon",
		HelpCenterURL: "https://www.amazon.com/gp/help/customer/display.html",
		SearchInput:   "input[type='search']",
		SearchSubmit:  "input[type='submit']",
		ResultsBlock:  ".help-content",
	},
	"paypal": {
		Service:       "paypal",
		HelpCenterURL: "https://www.paypal.com/us/smarthelp/home",
		SearchInput:   "input[type='search']",
		SearchSubmit:  "button[type='submit']",
		ResultsBlock:  ".search-results",
	},
	"uber": {
		Service:       "uber",
		HelpCenterURL: "https://help.uber.com",
		SearchInput:   "input[type='search']",
		SearchSubmit:  "button[type='submit']",
		ResultsBlock:  "main",
	},
	"airbnb": {
		Service:       "airbnb",
		HelpCenterURL: "https://www.airbnb.com/help",
		SearchInput:   "input[type='search']",
		SearchSubmit:  "button[type='submit']",
		ResultsBlock:  "main",
	},
	"spotify": {
		Service:       "spotify",
		HelpCenterURL: "https://support.spotify.com",
		SearchInput:   "input[type='search']",
		SearchSubmit:  "button[type='submit']",
		ResultsBlock:  "main",
	},
}

const defaultHelpCenterURL = "https://www.example.com"

// Registry hands out one adapter per conversation. Conversations never share
// an adapter, so each one drives its own browser page even when two customers
// fight the same company at the same time.
type Registry struct {
	llm          schemas.LLMClient
	executor     *automation.Executor
	sessions     SessionFactory
	urlOverrides map[string]string
	logger       *zap.Logger

	mu       sync.Mutex
	adapters map[string]SiteAdapter
	profiles map[string]Profile
}

// NewRegistry builds a registry over the built-in profiles. urlOverrides
// remaps help center URLs per service; extraProfiles override or extend the
// built-ins.
func NewRegistry(llm schemas.LLMClient, executor *automation.Executor, sessions SessionFactory, urlOverrides map[string]string, logger *zap.Logger, extraProfiles ...Profile) *Registry {
	profiles := make(map[string]Profile, len(builtinProfiles))
	for name, p := range builtinProfiles {
		profiles[name] = p
	}
	for _, p := range extraProfiles {
		profiles[strings.ToLower(p.Service)] = p
	}
	return &Registry{
		llm:          llm,
		executor:     executor,
		sessions:     sessions,
		urlOverrides: urlOverrides,
		logger:       logger.Named("adapter_registry"),
		adapters:     make(map[string]SiteAdapter),
		profiles:     profiles,
	}
}

// profileFor resolves the profile for a service, applying the URL override.
// Unknown services get a search-only profile pointed at the placeholder URL.
func (r *Registry) profileFor(service string) Profile {
	key := strings.ToLower(service)

	profile, ok := r.profiles[key]
	if !ok {
		profile = Profile{
			Service:       key,
			HelpCenterURL: defaultHelpCenterURL,
			SearchInput:   "input[type='search']",
			SearchSubmit:  "button[type='submit']",
			ResultsBlock:  "main",
		}
	}
	if url, ok := r.urlOverrides[key]; ok {
		profile.HelpCenterURL = url
	}
	return profile
}

// ServiceURL reports the help center URL an adapter for this service would
// navigate to. Reported and visited URLs come from the same resolution.
func (r *Registry) ServiceURL(service string) string {
	return r.profileFor(service).HelpCenterURL
}

// Get returns the adapter bound to the conversation, creating it on first
// request. The same conversation always gets the same adapter back; distinct
// conversations get distinct adapters with independent browser sessions.
func (r *Registry) Get(service, conversationID string) SiteAdapter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if adapter, ok := r.adapters[conversationID]; ok {
		return adapter
	}

	adapter := NewHelpCenterAdapter(r.profileFor(service), r.llm, r.executor, r.sessions, r.logger)
	r.adapters[conversationID] = adapter
	return adapter
}

// Release closes the conversation's adapter and forgets it. Safe to call for
// a conversation that never opened one.
func (r *Registry) Release(ctx context.Context, conversationID string) {
	r.mu.Lock()
	adapter, ok := r.adapters[conversationID]
	delete(r.adapters, conversationID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := adapter.Close(ctx); err != nil {
		r.logger.Warn("Failed to close adapter.",
			zap.String("service", adapter.Service()),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

// CloseAll releases every live adapter's browser resources.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	adapters := make([]SiteAdapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.adapters = make(map[string]SiteAdapter)
	r.mu.Unlock()

	for _, a := range adapters {
		if err := a.Close(ctx); err != nil {
			r.logger.Warn("Failed to close adapter.", zap.String("service", a.Service()), zap.Error(err))
		}
	}
}
