package burst

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ransomwatch/internal/alert"
	"ransomwatch/internal/events"
)

// Defaults.
const (
	DefaultThreshold    = 20
	DefaultWindow       = time.Second
	DefaultCooldown     = time.Second
	DefaultRecentEvents = 10
)

// Protector is the containment action taken when a burst fires.
// Protected is consulted on every burst and must reflect the directory's
// current state, so a restore made elsewhere re-arms containment.
type Protector interface {
	Protect() error
	Protected() bool
}

// Config holds the detector limits. They are fixed for a run.
type Config struct {
	// Threshold is the event count that constitutes a burst.
	Threshold int
	// Window is how far back events are counted.
	Window time.Duration
	// Cooldown is the minimum gap between two firings.
	Cooldown time.Duration
	// RecentEvents is how many events a burst alert lists.
	RecentEvents int
	// Capacity bounds the window buffer; zero means 2 * Threshold.
	Capacity int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Threshold:    DefaultThreshold,
		Window:       DefaultWindow,
		Cooldown:     DefaultCooldown,
		RecentEvents: DefaultRecentEvents,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("burst: threshold must be at least 1, got %d", c.Threshold)
	}
	if c.Window <= 0 {
		return fmt.Errorf("burst: window must be positive, got %s", c.Window)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("burst: cooldown must not be negative, got %s", c.Cooldown)
	}
	if c.RecentEvents < 0 {
		return fmt.Errorf("burst: recent events must not be negative, got %d", c.RecentEvents)
	}
	if c.Capacity != 0 && c.Capacity < c.Threshold {
		return fmt.Errorf("burst: capacity %d below threshold %d", c.Capacity, c.Threshold)
	}
	return nil
}

func (c Config) capacity() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return 2 * c.Threshold
}

// Outcome describes what OnEvent did.
type Outcome struct {
	// Count is the number of events in the window after recording.
	Count int
	// Fired is set when a burst alert was raised.
	Fired bool
	// Alert is the raised alert when Fired.
	Alert alert.Record
	// Protected is set when the protector engaged on this event.
	Protected bool
	// Suppressed is set when the count crossed the threshold but the
	// directory was already protected.
	Suppressed bool
}

// Detector decides when a stream of events is a burst. OnEvent is meant
// to be called from a single goroutine; the window itself is safe to reap
// concurrently.
type Detector struct {
	cfg       Config
	dir       string
	window    *Window
	sink      alert.Sink
	protector Protector
	now       func() time.Time

	mu        sync.Mutex
	lastAlert time.Time
	fired     uint64
}

// Option customizes a Detector.
type Option func(*Detector)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithProtector sets the containment action. Without one the detector runs
// alert-only and re-fires every cooldown while a burst persists.
func WithProtector(p Protector) Option {
	return func(d *Detector) { d.protector = p }
}

// NewDetector creates a detector for events under dir.
func NewDetector(cfg Config, dir string, sink alert.Sink, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("burst: nil sink")
	}
	d := &Detector{
		cfg:    cfg,
		dir:    dir,
		window: NewWindow(cfg.Window, cfg.capacity()),
		sink:   sink,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Window exposes the event buffer for reaping.
func (d *Detector) Window() *Window {
	return d.window
}

// Dir returns the monitored directory.
func (d *Detector) Dir() string {
	return d.dir
}

// Config returns the detector limits.
func (d *Detector) Config() Config {
	return d.cfg
}

// Fired returns how many bursts have been raised.
func (d *Detector) Fired() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// OnEvent records ev and fires when the window holds at least Threshold
// events, the cooldown has elapsed and the directory is not already
// protected. Firing emits a burst alert and then engages the protector.
//
// The returned error joins sink and protector failures; the Outcome is
// valid either way.
func (d *Detector) OnEvent(ctx context.Context, ev events.Event) (Outcome, error) {
	now := d.now()
	out := Outcome{Count: d.window.RecordAndCount(ev, now)}
	if out.Count < d.cfg.Threshold {
		return out, nil
	}

	if d.protector != nil && d.protector.Protected() {
		out.Suppressed = true
		return out, nil
	}

	d.mu.Lock()
	if now.Sub(d.lastAlert) <= d.cfg.Cooldown {
		d.mu.Unlock()
		return out, nil
	}
	d.lastAlert = now
	d.fired++
	d.mu.Unlock()

	out.Fired = true
	out.Alert = alert.NewBurst(d.dir, out.Count, d.window.Recent(d.cfg.RecentEvents), now)

	var errs []error
	if err := d.sink.Emit(ctx, out.Alert); err != nil {
		errs = append(errs, fmt.Errorf("burst: emit: %w", err))
	}
	if d.protector != nil {
		if err := d.protector.Protect(); err != nil {
			errs = append(errs, err)
		} else {
			out.Protected = true
		}
	}
	return out, errors.Join(errs...)
}
