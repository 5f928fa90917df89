// Package poll provides a bounded wait over an arbitrary readiness probe.
//
// Probes are assumed to be repeatable and side-effect-free, but never cheap,
// so the interval is deliberately coarse rather than a tight spin.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ErrTimeout is wrapped into every error returned for an expired wait.
var ErrTimeout = errors.New("timed out")

// Probe reports whether the awaited condition currently holds.
type Probe func(ctx context.Context) bool

// Waiter runs bounded waits. The zero value is not usable; construct with New.
type Waiter struct {
	Logger   *slog.Logger
	Interval time.Duration // time between probe evaluations
	Progress time.Duration // cadence of "still waiting" logs
}

func New(logger *slog.Logger) Waiter {
	return Waiter{
		Logger:   logger,
		Interval: 1 * time.Second,
		Progress: 10 * time.Second,
	}
}

// WaitUntil evaluates probe every interval until it succeeds or timeout
// elapses. Long waits log progress so a slow boot is not silent. The returned
// error wraps ErrTimeout and carries desc; attaching further diagnostics
// (instance logs) is the caller's job.
func (w Waiter) WaitUntil(ctx context.Context, probe Probe, timeout time.Duration, desc string) error {
	start := time.Now()
	deadline := start.Add(timeout)
	lastProgress := start

	for {
		if probe(ctx) {
			return nil
		}
		now := time.Now()
		if !now.Before(deadline) {
			return fmt.Errorf("%w waiting for %s after %s", ErrTimeout, desc, timeout)
		}
		if now.Sub(lastProgress) >= w.Progress {
			w.Logger.Info("still waiting",
				"for", desc,
				"elapsed", now.Sub(start).Round(time.Second),
				"timeout", timeout,
			)
			lastProgress = now
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.Interval):
		}
	}
}

// HTTPProbe succeeds once a GET against url returns any HTTP response.
// A slow-booting guest answers with 5xx long before the UI is usable, and
// that is still "the port is open", which is all this probe asserts.
func HTTPProbe(client *http.Client, url string) Probe {
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}
