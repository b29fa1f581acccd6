package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"ransomwatch/internal/alert"
	"ransomwatch/internal/baseline"
	"ransomwatch/internal/burst"
	"ransomwatch/internal/config"
	"ransomwatch/internal/events"
	"ransomwatch/internal/health"
	"ransomwatch/internal/logging"
	"ransomwatch/internal/metrics"
	"ransomwatch/internal/monitor"
	"ransomwatch/internal/quarantine"
	"ransomwatch/internal/scan"
	"ransomwatch/internal/store"
	"ransomwatch/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

// daemon owns every long-lived resource of one run.
type daemon struct {
	cfg    *config.Config
	loader *config.Loader
	cmd    string

	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.Metrics
	checker *health.Checker

	store  *store.Store
	nats   *alert.NATSSink
	sink   alert.Sink
	server *http.Server

	poller    *monitor.Poller
	eventLoop *monitor.EventLoop
}

func newDaemon(cfg *config.Config, loader *config.Loader, cmd string) (*daemon, error) {
	root, err := filepath.Abs(cfg.Entropy.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Entropy.Root, err)
	}
	cfg.Entropy.Root = root

	d := &daemon{
		cfg:     cfg,
		loader:  loader,
		cmd:     cmd,
		metrics: metrics.New(),
		checker: health.NewChecker(),
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	if err := d.setupLogging(); err != nil {
		return nil, err
	}

	steps := []func() error{
		d.verifyEnvironment,
		d.setupSinks,
		d.setupPoller,
		d.setupEventLoop,
		d.setupServer,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *daemon) wantsEntropy() bool { return d.cmd != cmdEvents }
func (d *daemon) wantsEvents() bool  { return d.cmd != cmdEntropy }

func (d *daemon) setupLogging() error {
	lc := d.cfg.Logging
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return err
	}

	log, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    lc.MaxSizeMB,
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  "ransomwatch",
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	d.log = log
	logging.SetDefault(log)

	ac := d.cfg.Audit
	if !ac.Enabled {
		d.audit = logging.NewAuditWriter(nil, "ransomwatch")
		return nil
	}
	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   ac.FilePath,
		MaxSize:    ac.MaxSizeMB,
		MaxAge:     ac.MaxAgeDays,
		MaxBackups: ac.MaxBackups,
		Compress:   ac.Compress,
		Component:  "ransomwatch",
	})
	if err != nil {
		return fmt.Errorf("setup audit log: %w", err)
	}
	d.audit = audit
	return nil
}

// verifyEnvironment checks what must hold before any loop starts.
func (d *daemon) verifyEnvironment() error {
	root := d.cfg.Entropy.Root
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("target directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target %s is not a directory", root)
	}

	if d.wantsEvents() && d.cfg.Events.Source == config.SourceInotifywait {
		if _, err := exec.LookPath(d.cfg.Events.InotifywaitPath); err != nil {
			return fmt.Errorf("inotifywait source selected but %s is not installed: %w", d.cfg.Events.InotifywaitPath, err)
		}
	}
	return nil
}

func (d *daemon) setupSinks() error {
	sinks := alert.Multi{alert.NewLogSink(d.log)}

	if sc := d.cfg.Storage; sc.Enabled {
		st, err := store.Open(sc.Path, time.Duration(sc.BusyTimeoutMs)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("open alert store: %w", err)
		}
		d.store = st
		sinks = append(sinks, st)
		d.checker.RegisterFunc("store", true, health.PingCheck("alert store", st.Ping))
		d.log.Debug("alert store opened", "path", sc.Path)
	}

	if nc := d.cfg.NATS; nc.Enabled {
		ns, err := alert.DialNATS(alert.NATSConfig{
			URL:            nc.URL,
			Subject:        nc.Subject,
			Name:           nc.Name,
			CredsFile:      nc.CredsFile,
			ConnectTimeout: d.cfg.NATSConnectTimeout(),
		})
		if err != nil {
			d.log.Warn("alert publishing disabled", "error", err)
		} else {
			d.nats = ns
			sinks = append(sinks, ns)
			d.log.Info("publishing alerts", "url", nc.URL, "subject", ns.Subject())
		}
	}

	d.sink = sinks
	return nil
}

func (d *daemon) deps() monitor.Deps {
	return monitor.Deps{
		Logger:  d.log,
		Audit:   d.audit,
		Metrics: d.metrics,
	}
}

func (d *daemon) setupPoller() error {
	if !d.wantsEntropy() {
		return nil
	}

	ec := d.cfg.Entropy
	mode, err := scan.ParseMode(ec.Mode)
	if err != nil {
		return err
	}

	p, err := monitor.NewPoller(monitor.PollerConfig{
		Root:     ec.Root,
		Depth:    ec.Depth,
		Mode:     mode,
		Interval: d.cfg.PollInterval(),
		Ignore:   scan.NewIgnoreSet(ec.Ignore...),
		Thresholds: baseline.Thresholds{
			Entropy: ec.EntropyThreshold,
			Change:  ec.ChangeThreshold,
		},
	}, d.sink, d.deps())
	if err != nil {
		return err
	}
	d.poller = p

	d.checker.RegisterFunc("entropy", true, health.HeartbeatCheck(p.Heartbeat(), 3*d.cfg.PollInterval()+30*time.Second))
	return nil
}

func (d *daemon) setupEventLoop() error {
	if !d.wantsEvents() {
		return nil
	}

	root := d.cfg.Entropy.Root
	ev := d.cfg.Events

	var q *quarantine.Controller
	var opts []burst.Option
	if d.cfg.Quarantine.Enabled {
		restore, err := d.cfg.RestoreFileMode()
		if err != nil {
			return err
		}
		q = quarantine.New(root,
			quarantine.WithRestoreMode(restore),
			quarantine.WithObserver(monitor.QuarantineObserver(d.deps())),
		)
		opts = append(opts, burst.WithProtector(q))
		d.checker.RegisterFunc("quarantine", false, health.DirectoryCheck(root))
	} else {
		d.log.Warn("quarantine disabled, bursts are reported only")
	}

	det, err := burst.NewDetector(burst.Config{
		Threshold:    ev.EventThreshold,
		Window:       d.cfg.TimeWindow(),
		Cooldown:     d.cfg.Cooldown(),
		RecentEvents: ev.RecentEvents,
	}, root, d.sink, opts...)
	if err != nil {
		return err
	}

	source, err := d.newSource()
	if err != nil {
		return err
	}

	loop, err := monitor.NewEventLoop(source, det, q, d.deps())
	if err != nil {
		source.Close()
		return err
	}
	d.eventLoop = loop

	d.checker.RegisterFunc("events", true, health.HeartbeatCheck(loop.Heartbeat(), 30*time.Second))
	return nil
}

func (d *daemon) newSource() (events.Source, error) {
	root := d.cfg.Entropy.Root
	switch d.cfg.Events.Source {
	case config.SourceInotifywait:
		src, err := events.NewCommandSource(d.cfg.Events.InotifywaitPath, root)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceStdin:
		return events.NewLineSource(os.Stdin), nil
	default:
		w, err := watcher.New(root, d.cfg.Events.Depth, scan.NewIgnoreSet(d.cfg.Entropy.Ignore...))
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

func (d *daemon) setupServer() error {
	if !d.cfg.Metrics.Enabled {
		return nil
	}
	d.server = &http.Server{
		Addr:              d.cfg.Metrics.Listen,
		Handler:           health.NewMux(d.checker, d.metrics.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Run starts the selected loops and blocks until ctx is cancelled or a
// loop fails. A failing loop stops the others.
func (d *daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.audit.LogStartup(ctx, version, map[string]any{
		"command":    d.cmd,
		"root":       d.cfg.Entropy.Root,
		"mode":       d.cfg.Entropy.Mode,
		"source":     d.cfg.Events.Source,
		"quarantine": d.cfg.Quarantine.Enabled,
	})
	d.reportConfig(ctx)
	d.watchConfig(ctx)

	errs := make(chan error, 3)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if d.server != nil {
		go func() {
			d.log.Info("serving metrics and health", "listen", d.server.Addr)
			if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("metrics server: %w", err)
				cancel()
			}
		}()
	}
	if d.poller != nil {
		start("entropy loop", d.poller.Run)
	}
	if d.eventLoop != nil {
		start("event loop", d.eventLoop.Run)
	}
	d.checker.SetReady(true)

	<-ctx.Done()
	d.checker.SetReady(false)
	wg.Wait()

	if d.server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		d.server.Shutdown(shutdownCtx)
		done()
	}

	var err error
	select {
	case err = <-errs:
	default:
	}

	reason := "signal"
	if err != nil {
		reason = err.Error()
	}
	d.audit.LogShutdown(context.Background(), reason)
	d.log.Info("shutdown complete", "reason", reason)
	return err
}

func (d *daemon) reportConfig(ctx context.Context) {
	path := d.loader.Path()
	if !d.loader.Exists() {
		d.log.Debug("no config file, using defaults", "path", path)
		return
	}

	d.audit.LogConfigLoad(ctx, path)
	m := d.loader.Migration()
	if m == nil {
		return
	}
	d.log.Warn("config file uses the legacy flat layout; run ransomwatchctl migrate",
		"path", path, "from_version", m.FromVersion, "changes", len(m.Changes))
	for _, w := range m.Warnings {
		d.log.Warn("config migration", "warning", w)
	}
}

// watchConfig logs edits to the config file. Thresholds are fixed for a
// run, so a change only takes effect after a restart.
func (d *daemon) watchConfig(ctx context.Context) {
	if !d.loader.Exists() {
		return
	}
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config watch unavailable", "error", err)
		return
	}
	d.loader.OnChange(func(*config.Config) {
		d.log.Warn("config file changed, restart to apply", "path", d.loader.Path())
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-d.loader.Errors():
				d.log.Warn("config reload failed", "error", err)
			}
		}
	}()
}

// Close releases sinks and log files.
func (d *daemon) Close() error {
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.nats != nil {
		errs = append(errs, d.nats.Close())
	}
	if d.audit != nil {
		errs = append(errs, d.audit.Close())
	}
	if d.log != nil {
		errs = append(errs, d.log.Close())
	}
	return errors.Join(errs...)
}
