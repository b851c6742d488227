// Package alert is the fire-and-forget notification sink. Notification
// failure is logged, never propagated as an exit failure.
package alert

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Severity levels.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Event is one operator-facing notification. Fields carry enough detail to
// act on: pair, lot, quantities, trigger reason.
type Event struct {
	Severity string
	Kind     string // e.g. EXIT_TRIGGERED, SELL_REJECTED, ORPHAN_DELETED
	Pair     string
	LotID    uuid.UUID
	Reason   string
	Message  string
	Fields   map[string]string
}

// Notifier delivers events. Implementations must never block or fail the
// caller's decision path.
type Notifier interface {
	Notify(event Event)
}

// LogNotifier writes events to the structured log. Used when no external
// sink (Telegram, webhook) is wired.
type LogNotifier struct{}

// NewLogNotifier creates a new LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Notify logs the event at a level matching its severity.
func (n *LogNotifier) Notify(event Event) {
	evt := log.Info()
	switch event.Severity {
	case SeverityWarning:
		evt = log.Warn()
	case SeverityCritical:
		evt = log.Error()
	}

	evt = evt.
		Str("kind", event.Kind).
		Str("pair", event.Pair).
		Str("reason", event.Reason)
	if event.LotID != uuid.Nil {
		evt = evt.Str("lot_id", event.LotID.String())
	}
	for k, v := range event.Fields {
		evt = evt.Str(k, v)
	}
	evt.Msg(event.Message)
}

// NoOpNotifier discards all events. Used in tests.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Notify does nothing.
func (n *NoOpNotifier) Notify(event Event) {}
