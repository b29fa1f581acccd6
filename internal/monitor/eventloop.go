package monitor

import (
	"context"
	"errors"
	"time"

	"ransomwatch/internal/burst"
	"ransomwatch/internal/events"
	"ransomwatch/internal/health"
	"ransomwatch/internal/quarantine"
)

// DefaultReapInterval is how often the event window drops stale entries
// while no events arrive.
const DefaultReapInterval = time.Second

// EventLoop feeds change events from a Source into a burst detector.
type EventLoop struct {
	source     events.Source
	detector   *burst.Detector
	quarantine *quarantine.Controller
	reapEvery  time.Duration
	deps       Deps
}

// NewEventLoop wires source to detector. q may be nil when quarantine is
// disabled; otherwise it is restored when the loop stops.
func NewEventLoop(source events.Source, detector *burst.Detector, q *quarantine.Controller, deps Deps) (*EventLoop, error) {
	if source == nil {
		return nil, errors.New("monitor: nil event source")
	}
	if detector == nil {
		return nil, errors.New("monitor: nil detector")
	}
	return &EventLoop{
		source:     source,
		detector:   detector,
		quarantine: q,
		reapEvery:  DefaultReapInterval,
		deps:       deps.withDefaults("events"),
	}, nil
}

// Heartbeat is stamped on every event and every reap.
func (l *EventLoop) Heartbeat() *health.Heartbeat {
	return l.deps.Heartbeat
}

// QuarantineObserver returns a transition callback that writes the audit
// trail and metrics. Pass it to quarantine.WithObserver.
func QuarantineObserver(deps Deps) func(quarantine.Transition) {
	deps = deps.withDefaults("quarantine")
	return func(t quarantine.Transition) {
		ctx := context.Background()
		deps.Metrics.Quarantine(t.Protect, t.Err)
		if err := deps.Audit.LogQuarantine(ctx, t.Protect, t.Path, t.Err); err != nil {
			deps.Logger.Warn("audit write failed", "error", err)
		}
		action := "restored"
		if t.Protect {
			action = "protected"
		}
		if t.Err != nil {
			deps.Logger.Error("permission change failed", "path", t.Path, "action", action, "error", t.Err)
			return
		}
		deps.Logger.Warn("directory "+action, "path", t.Path)
	}
}

// Run starts the source and processes events until ctx is cancelled or
// the source closes its event channel. On the way out a protected
// directory is restored.
func (l *EventLoop) Run(ctx context.Context) error {
	log := l.deps.Logger

	if l.quarantine != nil {
		if protected, err := l.quarantine.Refresh(); err != nil {
			log.Warn("could not read directory mode", "path", l.quarantine.Path(), "error", err)
		} else if protected {
			log.Warn("directory already quarantined at start", "path", l.quarantine.Path())
		}
	}

	if err := l.source.Start(ctx); err != nil {
		return err
	}
	defer l.source.Close()

	cfg := l.detector.Config()
	log.Info("monitoring filesystem events",
		"threshold", cfg.Threshold,
		"window", cfg.Window,
		"cooldown", cfg.Cooldown,
		"quarantine", l.quarantine != nil,
	)

	reaper := time.NewTicker(l.reapEvery)
	defer reaper.Stop()

	var err error
	evs, errs := l.source.Events(), l.source.Errors()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case ev, ok := <-evs:
			if !ok {
				if ctx.Err() == nil {
					err = errors.New("monitor: event source closed")
				}
				break loop
			}
			l.handle(ctx, ev)

		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			l.sourceError(e)

		case <-reaper.C:
			now := l.deps.Now()
			l.detector.Window().Reap(now)
			l.deps.Heartbeat.Beat(now)
		}
	}

	l.shutdown()
	log.Info("event monitoring stopped")
	return err
}

func (l *EventLoop) handle(ctx context.Context, ev events.Event) {
	out, err := l.detector.OnEvent(ctx, ev)
	l.deps.Metrics.Event(string(ev.Kind), out.Count)
	l.deps.Heartbeat.Beat(l.deps.Now())

	if out.Suppressed {
		l.deps.Metrics.Suppressed()
	}
	if out.Fired {
		l.deps.Metrics.Burst()
		l.deps.Metrics.Alert(string(out.Alert.Classification))
		if aerr := l.deps.Audit.LogBurst(ctx, l.detector.Dir(), out.Count); aerr != nil {
			l.deps.Logger.Warn("audit write failed", "error", aerr)
		}
	}
	switch {
	case err == nil:
	case quarantine.IsPermissionError(err):
		l.deps.Logger.Error("quarantine failed, directory left open", "path", l.detector.Dir(), "error", err)
	default:
		l.deps.Logger.Error("burst response incomplete", "error", err)
	}
}

func (l *EventLoop) sourceError(err error) {
	var malformed *events.MalformedEventError
	if errors.As(err, &malformed) {
		l.deps.Metrics.Malformed()
		l.deps.Logger.Warn("dropping malformed event", "line", malformed.Line, "reason", malformed.Reason)
		return
	}
	l.deps.Logger.Error("event source error", "error", err)
}

func (l *EventLoop) shutdown() {
	if l.quarantine == nil || !l.quarantine.Protected() {
		return
	}
	if err := l.quarantine.Restore(); err != nil {
		l.deps.Logger.Error("restore on shutdown failed", "path", l.quarantine.Path(), "error", err)
	}
}
