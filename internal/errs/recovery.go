package errs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// RecoveryFunc attempts to repair the condition behind err. Returning nil
// means the condition is repaired and the failed operation may be retried.
type RecoveryFunc func(ctx context.Context, err *Error) error

// Recovery is a registry of recovery callbacks keyed by error code.
type Recovery struct {
	mu       sync.RWMutex
	handlers map[Code]RecoveryFunc
	logger   *slog.Logger
}

// NewRecovery returns an empty registry.
func NewRecovery(logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{handlers: make(map[Code]RecoveryFunc), logger: logger}
}

// Register installs fn for code, replacing any earlier callback.
func (r *Recovery) Register(code Code, fn RecoveryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[code] = fn
}

// Has reports whether a callback is registered for code.
func (r *Recovery) Has(code Code) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[code]
	return ok
}

// Run executes op. If op fails with a code that has a registered callback,
// the callback runs and, on success, op is retried once. A successful retry
// is reported as if op never failed; otherwise the original error is
// returned.
func (r *Recovery) Run(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || r == nil {
		return err
	}
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	r.mu.RLock()
	fn, ok := r.handlers[e.Code]
	r.mu.RUnlock()
	if !ok {
		return err
	}
	r.logger.Warn("attempting recovery", slog.String("code", e.Code.String()), slog.String("error", err.Error()))
	if rerr := fn(ctx, e); rerr != nil {
		r.logger.Warn("recovery failed", slog.String("code", e.Code.String()), slog.String("error", rerr.Error()))
		return err
	}
	if retryErr := op(ctx); retryErr != nil {
		r.logger.Warn("operation failed again after recovery", slog.String("error", retryErr.Error()))
		return retryErr
	}
	r.logger.Info("recovered", slog.String("code", e.Code.String()))
	return nil
}
