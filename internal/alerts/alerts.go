// Package alerts fans every operator-visible event out to the process log
// and the store's append-only system_log table. A store-channel failure is
// caught and logged at error level; it never suppresses the log channel.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nse-volharvester/internal/notification"
	"nse-volharvester/internal/store"
)

// Severity mirrors the three levels the original alert stream uses.
type Severity string

const (
	Critical Severity = "CRITICAL"
	Warning  Severity = "WARNING"
	Info     Severity = "INFO"
)

// Manager fires alerts into both channels. The store channel is serialized
// by mu so system_log row ordering stays monotonic under concurrent firers.
type Manager struct {
	st       store.Store
	logger   *slog.Logger
	notifier notification.Notifier
	mu       sync.Mutex
}

// New returns a Manager writing to st's system_log table and to logger.
// Critical-severity alerts are additionally forwarded to notifier, a
// best-effort channel whose failure is logged and never propagated.
func New(st store.Store, logger *slog.Logger, notifier notification.Notifier) *Manager {
	return &Manager{st: st, logger: logger, notifier: notifier}
}

// Fire dispatches one alert. payload must contain at least "event"; all
// other keys are rendered as "key=value" pairs sorted alphabetically by
// key for determinism.
func (m *Manager) Fire(ctx context.Context, severity Severity, payload map[string]any) {
	event, _ := payload["event"].(string)
	if event == "" {
		event = "UNKNOWN_EVENT"
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k == "event" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	details := make([]string, 0, len(keys))
	for _, k := range keys {
		details = append(details, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	detailsStr := joinPipe(details)

	switch severity {
	case Critical:
		m.logger.Error("ALERT", "severity", severity, "event", event, "details", detailsStr)
	case Warning:
		m.logger.Warn("ALERT", "severity", severity, "event", event, "details", detailsStr)
	default:
		m.logger.Info("ALERT", "severity", severity, "event", event, "details", detailsStr)
	}

	m.mu.Lock()
	err := m.st.AppendLog(ctx, time.Now(), string(severity), event, "", joinComma(details))
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("ALERT_STORE_FAIL", "event", event, "error", err)
	}

	if severity == Critical && m.notifier != nil {
		if err := m.notifier.Send(ctx, notification.Alert{Severity: string(severity), Event: event, Message: detailsStr}); err != nil {
			m.logger.Error("ALERT_NOTIFY_FAIL", "event", event, "error", err)
		}
	}
}

func joinPipe(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " | "
		}
		out += p
	}
	return out
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
