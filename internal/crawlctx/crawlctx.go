// Package crawlctx bundles the per-run collaborators handed to every crawl
// component.
package crawlctx

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/clock"
	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/signals"
	"github.com/JakeFAU/crawlcore/internal/stats"
)

// Context is built once per crawl run.
type Context struct {
	ID       uuid.UUID
	Settings config.Settings
	Stats    *stats.Collector
	Signals  *signals.Dispatcher
	Logger   *zap.Logger
	Clock    clock.Clock
}

// Option customizes New.
type Option func(*Context)

// WithLogger sets the run logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithClock replaces the system clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Context) {
		if clk != nil {
			c.Clock = clk
		}
	}
}

// New assembles a Context with a fresh run ID.
func New(settings config.Settings, opts ...Option) (*Context, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate crawl id: %w", err)
	}
	c := &Context{
		ID:       id,
		Settings: settings,
		Stats:    stats.New(),
		Logger:   zap.NewNop(),
		Clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Logger = c.Logger.With(zap.String("crawl_id", id.String()))
	c.Signals = signals.NewDispatcher(c.Logger)
	return c, nil
}
