// Package health polls a component's HTTP health or metrics endpoint with a
// bounded number of evenly spaced attempts.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/stackup/internal/errs"
)

const (
	DefaultAttempts = 6
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Checker probes one endpoint.
type Checker interface {
	Probe(ctx context.Context, url string) error
}

// Prober is the HTTP Checker. Any 2xx response is healthy.
type Prober struct {
	Attempts int
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

func NewProber(attempts int, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		Attempts: attempts,
		Interval: interval,
		Client:   &http.Client{Timeout: timeout},
		Logger:   logger,
	}
}

func (p *Prober) Probe(ctx context.Context, url string) error {
	attempt := 0
	op := func() error {
		attempt++
		err := p.once(ctx, url)
		if err != nil {
			p.Logger.Debug("health probe failed",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Int("of", p.Attempts),
				slog.Any("error", err))
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.Attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(ctx.Err(), errs.CodeTimeout, "health check %s", url)
		}
		return errs.Wrap(err, errs.CodeHealthCheckFailed, "health check %s failed after %d attempt(s)", url, attempt)
	}
	return nil
}

func (p *Prober) once(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
