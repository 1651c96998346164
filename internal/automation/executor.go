// Package automation executes declarative browser action plans against a
// page driver.
package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
)

// Executor runs action batches. One failed action never aborts the batch; the
// page state after a failure is whatever it is, and later actions run against
// it. Callers inspect per-action results to decide what the batch achieved.
type Executor struct {
	logger *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger) *Executor {
	return &Executor{logger: logger.Named("action_executor")}
}

// ExecuteActions runs every action in order and returns one result per
// action, in submission order. A nil driver fails every action fast without
// touching the browser.
func (e *Executor) ExecuteActions(ctx context.Context, driver schemas.PageDriver, actions []schemas.Action) []schemas.ActionResult {
	results := make([]schemas.ActionResult, 0, len(actions))

	if driver == nil {
		for _, action := range actions {
			results = append(results, schemas.ActionResult{
				Action:  action,
				Success: false,
				Error:   "no active browser session",
			})
		}
		return results
	}

	for _, action := range actions {
		result := e.executeOne(ctx, driver, action)
		if !result.Success {
			e.logger.Warn("Action failed, continuing batch.",
				zap.String("type", string(action.Type)),
				zap.String("selector", action.Selector),
				zap.String("error", result.Error))
		}
		results = append(results, result)
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, driver schemas.PageDriver, action schemas.Action) schemas.ActionResult {
	result := schemas.ActionResult{Action: action}

	switch action.Type {
	case schemas.ActionNavigate:
		screenshot, err := driver.Navigate(ctx, action.URL)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true
		result.Result = screenshot

	case schemas.ActionFill:
		if err := driver.Fill(ctx, action.Selector, action.Value); err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true

	case schemas.ActionClick:
		if err := driver.Click(ctx, action.Selector); err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true

	case schemas.ActionExtract:
		text, err := driver.ExtractText(ctx, action.Selector)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true
		result.Result = text

	case schemas.ActionScreenshot:
		path, err := driver.Screenshot(ctx, action.Name)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true
		result.Result = path

	case schemas.ActionWait:
		if err := e.wait(ctx, action.WaitMs); err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true

	default:
		e.logger.Warn("Unknown action type.", zap.String("type", string(action.Type)))
		result.Error = fmt.Sprintf("unknown action type: %s", action.Type)
	}

	return result
}

// wait sleeps for the requested duration but aborts on context cancellation.
func (e *Executor) wait(ctx context.Context, ms int) error {
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait aborted: %w", ctx.Err())
	}
}
