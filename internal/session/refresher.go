package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RefresherConfig holds refresher configuration.
type RefresherConfig struct {
	Interval time.Duration // How often to check the current session (default: 15s)
	Timeout  time.Duration // Per-refresh timeout (default: 10s)
}

// DefaultRefresherConfig returns sensible defaults.
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		Interval: 15 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// RefreshHandler is notified when the refresher replaces a session or gives up on one.
type RefreshHandler interface {
	SessionRefreshed(old, next *Session)
	SessionRefreshFailed(s *Session, err error)
}

// Refresher periodically refreshes the authenticator's current session
// before it expires.
type Refresher struct {
	cfg     RefresherConfig
	auth    *Authenticator
	handler RefreshHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher creates a Refresher.
func NewRefresher(cfg RefresherConfig, a *Authenticator, handler RefreshHandler, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRefresherConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Refresher{
		cfg:     cfg,
		auth:    a,
		handler: handler,
		logger:  logger,
	}
}

// Start begins the refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Debug("session refresher started", "interval", r.cfg.Interval)
	return nil
}

// Stop shuts down the refresher.
func (r *Refresher) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Debug("session refresher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Refresher) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Check(r.ctx)
		}
	}
}

// Check refreshes the current session if it is inside the refresh window.
func (r *Refresher) Check(ctx context.Context) {
	cur := r.auth.Current()
	if cur == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	next, err := r.auth.RefreshIfNeeded(ctx, cur)
	if err != nil {
		r.logger.Error("session refresh failed", "session", cur, "error", err)
		if r.handler != nil {
			r.handler.SessionRefreshFailed(cur, err)
		}
		return
	}
	if next != cur && r.handler != nil {
		r.handler.SessionRefreshed(cur, next)
	}
}
