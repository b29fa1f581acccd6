// Package monitor runs the two detection loops: periodic entropy scoring of
// a directory tree and burst detection over filesystem change events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ransomwatch/internal/alert"
	"ransomwatch/internal/baseline"
	"ransomwatch/internal/entropy"
	"ransomwatch/internal/health"
	"ransomwatch/internal/logging"
	"ransomwatch/internal/metrics"
	"ransomwatch/internal/scan"
)

// DefaultPollInterval is the pause between entropy ticks.
const DefaultPollInterval = 3 * time.Second

// Scan error types used as metric labels.
const (
	scanErrorRoot  = "root"
	scanErrorIO    = "io"
	scanErrorEmpty = "empty"
	scanErrorOther = "other"
)

// PollerConfig configures the entropy polling loop.
type PollerConfig struct {
	Root       string
	Depth      int
	Mode       scan.Mode
	Interval   time.Duration
	Ignore     scan.IgnoreSet
	Thresholds baseline.Thresholds
}

// Validate checks the configuration.
func (c PollerConfig) Validate() error {
	if c.Root == "" {
		return errors.New("monitor: empty root")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("monitor: poll interval must be positive, got %s", c.Interval)
	}
	return c.Thresholds.Validate()
}

// TickResult summarizes one entropy tick.
type TickResult struct {
	Files    int
	Groups   int
	Skipped  int
	Alerts   int
	Findings []baseline.Finding
}

// Deps carries the collaborators shared by both loops. Every field is
// optional.
type Deps struct {
	Logger    *logging.Logger
	Audit     *logging.AuditLogger
	Metrics   *metrics.Metrics
	Heartbeat *health.Heartbeat
	Now       func() time.Time
}

func (d Deps) withDefaults(component string) Deps {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	d.Logger = d.Logger.WithComponent(component)
	if d.Heartbeat == nil {
		d.Heartbeat = &health.Heartbeat{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Poller scores the tree on a fixed interval and alerts on entropy drift.
// It owns its baseline.
type Poller struct {
	cfg     PollerConfig
	scheme  scan.Scheme
	tracker *baseline.Tracker
	sink    alert.Sink
	deps    Deps
}

// NewPoller validates cfg and selects the aggregation scheme.
func NewPoller(cfg PollerConfig, sink alert.Sink, deps Deps) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("monitor: nil sink")
	}
	scheme, err := scan.NewScheme(cfg.Mode, cfg.Root)
	if err != nil {
		return nil, err
	}
	return &Poller{
		cfg:     cfg,
		scheme:  scheme,
		tracker: baseline.NewTracker(cfg.Thresholds),
		sink:    sink,
		deps:    deps.withDefaults("entropy"),
	}, nil
}

// Tracker exposes the baseline.
func (p *Poller) Tracker() *baseline.Tracker {
	return p.tracker
}

// Heartbeat is stamped after every completed tick.
func (p *Poller) Heartbeat() *health.Heartbeat {
	return p.deps.Heartbeat
}

// Run ticks until ctx is cancelled. It returns nil on cancellation; tick
// failures are logged and retried at the next interval.
func (p *Poller) Run(ctx context.Context) error {
	log := p.deps.Logger
	log.Info("monitoring directory",
		"root", p.cfg.Root,
		"mode", p.cfg.Mode.Description(),
		"recursion_level", p.cfg.Depth,
		"interval", p.cfg.Interval,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("entropy monitoring stopped")
			return nil
		case <-timer.C:
		}

		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Error("entropy tick failed", "error", err)
		}
		timer.Reset(p.cfg.Interval)
	}
}

// Tick walks the tree once, updates the baseline and emits alerts. A tick
// cancelled before classification emits nothing and leaves the baseline
// untouched.
func (p *Poller) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	start := p.deps.Now()

	files, err := scan.Walk(ctx, p.cfg.Root, p.cfg.Depth, p.cfg.Ignore)
	if err != nil {
		if ctx.Err() == nil {
			p.deps.Metrics.ScanError(scanErrorRoot)
		}
		return res, err
	}
	res.Files = len(files)

	agg, err := p.scheme.Aggregate(ctx, files)
	if err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	for _, skipped := range agg.Skipped {
		p.deps.Metrics.ScanError(scanErrorType(skipped))
		p.deps.Logger.Debug("group degraded", "error", skipped)
	}
	res.Skipped = len(agg.Skipped)
	res.Groups = len(agg.Scores)

	now := p.deps.Now()
	res.Findings = p.tracker.Observe(agg.Scores)
	for _, f := range res.Findings {
		if !f.Classification.Alerting() {
			continue
		}
		rec := alert.FromFinding(f, now)
		p.deps.Metrics.Alert(string(rec.Classification))
		res.Alerts++
		if err := p.sink.Emit(ctx, rec); err != nil {
			p.deps.Metrics.SinkError()
			p.deps.Logger.Warn("alert delivery failed",
				slog.String("alert_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	end := p.deps.Now()
	p.deps.Metrics.ObserveTick(end.Sub(start), res.Groups, end)
	p.deps.Heartbeat.Beat(end)
	return res, nil
}

func scanErrorType(err error) string {
	var ioErr *entropy.IOError
	switch {
	case errors.As(err, &ioErr):
		return scanErrorIO
	case errors.Is(err, entropy.ErrEmptyInput):
		return scanErrorEmpty
	default:
		return scanErrorOther
	}
}
