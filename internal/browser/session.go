package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/config"
)

// Session is one live tab. It implements schemas.PageDriver. All operations
// honor the caller's context on top of the per-action timeouts from config.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.PageDriver = (*Session)(nil)

// NewSession wraps an already-created chromedp tab context.
func NewSession(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	sessionID := uuid.New().String()
	return &Session{
		id:     sessionID,
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		logger: logger.Named("session").With(zap.String("session_id", sessionID)),
	}, nil
}

// Initialize materializes the tab, pins a desktop viewport, and prepares the
// screenshot directory. Help center layouts assume desktop dimensions.
func (s *Session) Initialize(ctx context.Context) error {
	if err := chromedp.Run(s.ctx,
		emulation.SetDeviceMetricsOverride(1366, 900, 1, false),
	); err != nil {
		return fmt.Errorf("failed to connect browser target: %w", err)
	}
	if s.cfg.ScreenshotDir != "" {
		if err := os.MkdirAll(s.cfg.ScreenshotDir, 0o755); err != nil {
			return fmt.Errorf("failed to create screenshot directory: %w", err)
		}
	}
	return nil
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// run executes chromedp actions against the tab, bounded by both the caller's
// context and the given timeout.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.id)
	}
	s.mu.Unlock()

	opCtx, opCancel := combineContext(s.ctx, ctx)
	defer opCancel()

	runCtx, runCancel := context.WithTimeout(opCtx, timeout)
	defer runCancel()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("action timed out after %s: %w", timeout, err)
		}
		if opCtx.Err() != nil {
			return fmt.Errorf("action canceled: %w", opCtx.Err())
		}
		return err
	}
	return nil
}

// Navigate loads the URL, waits for the document body, and captures an
// arrival screenshot. The screenshot path is returned.
func (s *Session) Navigate(ctx context.Context, url string) (string, error) {
	s.logger.Debug("Navigating to URL", zap.String("url", url))

	err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	path, err := s.Screenshot(ctx, "navigation")
	if err != nil {
		// Navigation itself succeeded; a missing screenshot is not fatal.
		s.logger.Warn("Arrival screenshot failed after navigation.", zap.Error(err))
		return "", nil
	}
	return path, nil
}

// Fill types the value into the element matching the selector.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	s.logger.Debug("Filling element", zap.String("selector", selector), zap.Int("value_length", len(value)))

	err := s.run(ctx, s.cfg.ElementTimeout,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill failed for selector '%s': %w", selector, err)
	}
	return nil
}

// Click clicks the element matching the selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	s.logger.Debug("Clicking element", zap.String("selector", selector))

	err := s.run(ctx, s.cfg.ElementTimeout,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click failed for selector '%s': %w", selector, err)
	}
	return nil
}

// ExtractText returns the text content of the element matching the selector.
func (s *Session) ExtractText(ctx context.Context, selector string) (string, error) {
	s.logger.Debug("Extracting text", zap.String("selector", selector))

	var text string
	err := s.run(ctx, s.cfg.ElementTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Text(selector, &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("text extraction failed for selector '%s': %w", selector, err)
	}
	return text, nil
}

// Screenshot captures the viewport and writes it under the configured
// directory. The returned path is what gets surfaced to the customer.
func (s *Session) Screenshot(ctx context.Context, name string) (string, error) {
	var buf []byte
	err := s.run(ctx, s.cfg.ElementTimeout, chromedp.CaptureScreenshot(&buf))
	if err != nil {
		return "", fmt.Errorf("screenshot capture failed: %w", err)
	}

	if name == "" {
		name = "screenshot"
	}
	filename := fmt.Sprintf("%s_%s_%d.png", s.id, name, time.Now().UnixMilli())
	path := filepath.Join(s.cfg.ScreenshotDir, filename)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot file: %w", err)
	}

	s.logger.Debug("Screenshot captured.", zap.String("path", path))
	return path, nil
}

// CurrentURL reports the tab's current location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, s.cfg.ElementTimeout, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read current URL: %w", err)
	}
	return url, nil
}

// Close tears the tab down. Safe to call multiple times and on a session
// whose initialization failed partway.
func (s *Session) Close(_ context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	if s.cancel != nil {
		s.cancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
