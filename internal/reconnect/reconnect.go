// Package reconnect implements the stateful backoff-with-alerting
// reconnect protocol: refresh credentials, reconnect the feed, resubscribe,
// with exponential backoff and jitter, escalating alerts on repeated
// failure.
package reconnect

import (
	"context"
	"math"
	"math/rand"
	"time"

	"nse-volharvester/internal/alerts"
)

// Config tunes the backoff schedule and alert escalation threshold.
type Config struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	MaxAttempts    int
	Jitter         bool
	AlertThreshold int
}

// Operator drives one reconnect cycle at a time. It is not safe for
// concurrent AttemptReconnect calls; the orchestrator owns it single-threaded.
type Operator struct {
	cfg      Config
	alerts   *alerts.Manager
	attempts int
}

// New returns an Operator bound to cfg and an alert sink.
func New(cfg Config, alertMgr *alerts.Manager) *Operator {
	return &Operator{cfg: cfg, alerts: alertMgr}
}

// AttemptReconnect runs refresh -> connect -> subscribe once per attempt,
// up to MaxAttempts, sleeping with exponential backoff (optionally
// jittered) before each. Returns true on the first successful cycle.
func (o *Operator) AttemptReconnect(ctx context.Context, refresh, connect, subscribe func() error) bool {
	for o.attempts < o.cfg.MaxAttempts {
		delay := math.Min(float64(o.cfg.BaseDelay)*math.Pow(o.cfg.BackoffFactor, float64(o.attempts)), float64(o.cfg.MaxDelay))
		if o.cfg.Jitter {
			delay *= 0.75 + rand.Float64()*0.5
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(delay)):
		}
		o.attempts++

		if err := runAll(refresh, connect, subscribe); err != nil {
			if o.attempts == 1 {
				o.alerts.Fire(ctx, alerts.Warning, map[string]any{
					"event": "RECONNECT_ATTEMPT", "attempt": o.attempts, "error": err.Error(),
				})
			} else if o.attempts >= o.cfg.AlertThreshold {
				o.alerts.Fire(ctx, alerts.Critical, map[string]any{
					"event": "RECONNECT_FAILING", "attempt": o.attempts, "error": err.Error(),
				})
			}
			continue
		}

		if o.attempts > 1 {
			o.alerts.Fire(ctx, alerts.Info, map[string]any{
				"event": "RECONNECT_RECOVERED", "attempt": o.attempts, "attempts_taken": o.attempts,
			})
		}
		o.Reset()
		return true
	}

	o.alerts.Fire(ctx, alerts.Critical, map[string]any{"event": "RECONNECT_EXHAUSTED", "attempt": o.attempts})
	return false
}

func runAll(refresh, connect, subscribe func() error) error {
	if err := refresh(); err != nil {
		return err
	}
	if err := connect(); err != nil {
		return err
	}
	return subscribe()
}

// Reset clears the attempt counter after a successful connection.
func (o *Operator) Reset() {
	o.attempts = 0
}

// Attempts returns the current attempt count.
func (o *Operator) Attempts() int {
	return o.attempts
}
