package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint used by `entangle serve`.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
