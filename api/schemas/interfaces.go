package schemas

import (
	"context"
	"time"
)

// LLMClient is the sole decision oracle the state machine depends on. The
// output is possibly-JSON, possibly-plain-text; implementations must not
// promise more than a string.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// PageDriver is the contract the action executor requires from whatever
// browser implementation is plugged in. All operations act on one live page;
// none may be invoked after Close. Navigate returns the path of the
// screenshot captured once the page settles.
type PageDriver interface {
	ID() string
	Navigate(ctx context.Context, url string) (string, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	ExtractText(ctx context.Context, selector string) (string, error)
	Screenshot(ctx context.Context, name string) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
