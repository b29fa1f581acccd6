// Package alert defines alert records and the sinks that consume them.
package alert

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ransomwatch/internal/baseline"
	"ransomwatch/internal/events"
)

// Classification is the verdict carried by an alert.
type Classification = baseline.Classification

// Burst classifies event-rate alerts.
const Burst Classification = "BURST"

// Classifications lists every alerting classification in report order.
var Classifications = []Classification{
	baseline.NewHigh,
	baseline.NewNormal,
	baseline.SustainedChange,
	baseline.SustainedHigh,
	Burst,
}

// Kind names the detector that produced an alert.
type Kind string

const (
	KindEntropy Kind = "entropy"
	KindBurst   Kind = "burst"
)

// Record is a single alert.
type Record struct {
	ID             string         `json:"id"`
	Time           time.Time      `json:"time"`
	Kind           Kind           `json:"kind"`
	Group          string         `json:"group"`
	Previous       *float64       `json:"previous,omitempty"`
	Current        float64        `json:"current"`
	Classification Classification `json:"classification"`
	EventCount     int            `json:"event_count,omitempty"`
	Events         []events.Event `json:"events,omitempty"`
}

// FromFinding builds an entropy alert.
func FromFinding(f baseline.Finding, now time.Time) Record {
	return Record{
		ID:             uuid.NewString(),
		Time:           now,
		Kind:           KindEntropy,
		Group:          f.Group,
		Previous:       f.PreviousPtr(),
		Current:        f.Current,
		Classification: f.Classification,
	}
}

// NewBurst builds a burst alert for dir. recent is copied.
func NewBurst(dir string, count int, recent []events.Event, now time.Time) Record {
	evs := make([]events.Event, len(recent))
	copy(evs, recent)
	return Record{
		ID:             uuid.NewString(),
		Time:           now,
		Kind:           KindBurst,
		Group:          dir,
		Classification: Burst,
		EventCount:     count,
		Events:         evs,
	}
}

// Level is the log level the record is reported at.
func (r Record) Level() slog.Level {
	if r.Classification == baseline.NewNormal {
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

// Message renders a one-line summary.
func (r Record) Message() string {
	switch {
	case r.Kind == KindBurst:
		return fmt.Sprintf("ransomware suspicion: %d filesystem events in window (%s)", r.EventCount, r.Group)
	case r.Previous != nil && r.Classification == baseline.SustainedChange:
		return fmt.Sprintf("%.2f bits per byte from %.2f (%s)", r.Current, *r.Previous, r.Group)
	default:
		return fmt.Sprintf("%.2f bits per byte (%s)", r.Current, r.Group)
	}
}

// Attrs returns the structured fields of the record for logging.
func (r Record) Attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("alert_id", r.ID),
		slog.String("kind", string(r.Kind)),
		slog.String("group", r.Group),
		slog.String("classification", string(r.Classification)),
	}
	if r.Kind == KindBurst {
		attrs = append(attrs, slog.Int("event_count", r.EventCount))
		return attrs
	}
	attrs = append(attrs, slog.Float64("current", r.Current))
	if r.Previous != nil {
		attrs = append(attrs, slog.Float64("previous", *r.Previous))
	}
	return attrs
}
