// Package shutdown provides graceful shutdown handling.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alqutdigital/board-harvester/pkg/logger"
)

var signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// Handler manages graceful shutdown of multiple components.
type Handler struct {
	logger   *logger.Logger
	timeout  time.Duration
	cleanups []CleanupFunc
	mu       sync.Mutex
	once     sync.Once
	err      error
}

// CleanupFunc is a function called during shutdown.
type CleanupFunc func(ctx context.Context) error

// New creates a new shutdown handler.
func New(log *logger.Logger, timeout time.Duration) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		logger:   log.WithComponent("shutdown"),
		timeout:  timeout,
		cleanups: make([]CleanupFunc, 0),
	}
}

// Register adds a cleanup function to be called during shutdown.
// Cleanup functions are called in LIFO order (last registered, first called),
// so a component registered after its dependencies is closed before them.
func (h *Handler) Register(fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, fn)
}

// RegisterNamed adds a named cleanup function for better logging.
func (h *Handler) RegisterNamed(name string, fn CleanupFunc) {
	h.Register(func(ctx context.Context) error {
		h.logger.Debug("shutting down component", "component", name)
		if err := fn(ctx); err != nil {
			h.logger.Error("error shutting down component", "component", name, "error", err)
			return err
		}
		h.logger.Debug("component shut down", "component", name)
		return nil
	})
}

// NotifyContext returns a context cancelled by the first shutdown signal.
// A crawl bound to it finishes the current step and reports a cancelled run.
func (h *Handler) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, signals...)
}

// Wait blocks until a shutdown signal is received, then performs cleanup.
func (h *Handler) Wait() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, signals...)
	defer signal.Stop(quit)

	sig := <-quit
	h.logger.Info("received shutdown signal", "signal", sig.String())

	return h.Shutdown()
}

// Shutdown runs the registered cleanups once, newest first, sharing one
// timeout. Later calls return the first call's result.
func (h *Handler) Shutdown() error {
	h.once.Do(func() {
		h.err = h.run()
	})
	return h.err
}

func (h *Handler) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	cleanups := make([]CleanupFunc, len(h.cleanups))
	copy(cleanups, h.cleanups)
	h.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			h.logger.Warn("shutdown timed out, skipping remaining cleanups", "remaining", i+1)
			errs = append(errs, ctx.Err())
			break
		}
		if err := cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		h.logger.Debug("graceful shutdown completed")
	}
	return errors.Join(errs...)
}

// ListenAndShutdown is a convenience function that starts listening for signals
// in a goroutine and returns a channel that will be closed when shutdown is complete.
func (h *Handler) ListenAndShutdown() <-chan struct{} {
	done := make(chan struct{})

	go func() {
		_ = h.Wait()
		close(done)
	}()

	return done
}
