package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Event types.
const (
	PhasePaused      = "phase.paused"
	PhaseResumed     = "phase.resumed"
	PhaseFailed      = "phase.failed"
	ProjectCompleted = "project.completed"
	ProjectFailed    = "project.failed"
	EvolutionChanged = "evolution.transition"
)

// Event is something an operator may want to hear about.
type Event struct {
	Type    string            `json:"type"`
	Project string            `json:"project"`
	Phase   string            `json:"phase,omitempty"`
	Message string            `json:"message"`
	At      time.Time         `json:"at"`
	Data    map[string]string `json:"data,omitempty"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// LogNotifier writes events to a zap logger.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("type", ev.Type),
		zap.String("project", ev.Project),
	}
	if ev.Phase != "" {
		fields = append(fields, zap.String("phase", ev.Phase))
	}
	for k, v := range ev.Data {
		fields = append(fields, zap.String(k, v))
	}
	n.log.Warn(ev.Message, fields...)
	return nil
}

// Multi fans an event out to several notifiers. Every notifier is tried;
// errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
