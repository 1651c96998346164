// Package adapters contains site-specific help desk automation. Each adapter
// knows one support site's layout and exposes uniform capabilities on top of
// the generic action executor.
package adapters

import (
	"context"

	"github.com/karenhq/karen/api/schemas"
)

// SessionFactory opens a fresh browser page for an adapter to drive.
type SessionFactory func(ctx context.Context) (schemas.PageDriver, error)

// SiteAdapter is the capability surface of one support site. Entry points
// never return raised errors; outcomes are encoded in the Envelope so the
// conversation layer can always render something to the customer.
type SiteAdapter interface {
	Service() string
	SessionID() string
	HandleCustomerIssue(ctx context.Context, issue string) schemas.Envelope
	SearchForIssue(ctx context.Context, query string) schemas.Envelope
	StartLiveChat(ctx context.Context, message string) schemas.Envelope
	SendEmailSupport(ctx context.Context, subject, body string) schemas.Envelope
	Screenshot(ctx context.Context, name string) (string, error)
	Close(ctx context.Context) error
}

// Profile describes one support site: where its help center lives and which
// selectors reach each capability. Empty selector groups mean the site does
// not offer that channel.
type Profile struct {
	Service       string
	HelpCenterURL string

	SearchInput   string
	SearchSubmit  string
	ResultsBlock  string

	ChatButton string
	ChatInput  string
	ChatSend   string

	EmailLink    string
	SubjectInput string
	BodyInput    string
	EmailSubmit  string
}

// HasChat reports whether the profile wires a live chat channel.
func (p Profile) HasChat() bool {
	return p.ChatButton != "" && p.ChatInput != "" && p.ChatSend != ""
}

// HasEmail reports whether the profile wires an email form.
func (p Profile) HasEmail() bool {
	return p.EmailLink != "" && p.BodyInput != "" && p.EmailSubmit != ""
}
