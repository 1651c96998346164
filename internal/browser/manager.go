// Package browser owns the Chrome process and the sessions (tabs) opened in
// it. Each session implements schemas.PageDriver for the action executor.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Manager handles the browser process lifecycle and session registry. The
// Chrome process is launched lazily on the first session request.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCtx    context.Context
	allocCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup

	initOnce sync.Once
	initErr  error
}

// NewManager creates the manager. No Chrome process is started yet.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.logger.Info("Browser manager created (initialization deferred).")
	return m
}

// execOptions translates the browser config into chromedp allocator options.
func (m *Manager) execOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.DisableGPU,
	)

	if m.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}

	for _, arg := range m.cfg.Args {
		if !strings.Contains(arg, "=") {
			if !strings.HasPrefix(arg, "--") {
				arg = "--" + arg
			}
			opts = append(opts, chromedp.Flag(arg, true))
			continue
		}
		parts := strings.SplitN(arg, "=", 2)
		key := parts[0]
		if !strings.HasPrefix(key, "--") {
			key = "--" + key
		}
		opts = append(opts, chromedp.Flag(key, parts[1]))
	}
	return opts
}

// initialize creates the root exec allocator. Runs at most once.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser allocator.", zap.Bool("headless", m.cfg.Headless))
		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, m.execOptions()...)
	})
	return m.initErr
}

// NewSession opens a fresh tab and registers it. The caller owns the returned
// session and must Close it when the automation task is over.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.allocCtx)

	session, err := NewSession(tabCtx, tabCancel, m.cfg, m.logger)
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to create session structure: %w", err)
	}

	m.wg.Add(1)
	session.onClose = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.sessions, session.ID())
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", session.ID()))
	}

	// Materialize the tab so failures surface here rather than on the first
	// action.
	if err := session.Initialize(ctx); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		session.Close(cleanupCtx)
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	m.logger.Info("New browser session created.", zap.String("session_id", session.ID()))
	return session, nil
}

// OpenPage is NewSession behind the driver interface, for callers that should
// not depend on the concrete session type.
func (m *Manager) OpenPage(ctx context.Context) (schemas.PageDriver, error) {
	return m.NewSession(ctx)
}

// GetSession looks up a live session by ID.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Stats reports the current session registry for monitoring.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return map[string]interface{}{
		"active_sessions": len(m.sessions),
		"session_ids":     ids,
	}
}

// Shutdown closes all sessions and tears down the Chrome process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	if m.allocCtx == nil {
		m.logger.Info("Manager never launched a browser, nothing to shut down.")
		return nil
	}

	m.mu.RLock()
	sessionsToClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessionsToClose = append(sessionsToClose, s)
	}
	m.mu.RUnlock()

	for _, s := range sessionsToClose {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error during session close in shutdown.",
					zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	case <-time.After(shutdownGracePeriod):
		m.logger.Warn("Grace period elapsed waiting for sessions to close.")
	}

	if m.allocCancel != nil {
		m.allocCancel()
	}

	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
