// ransomwatch watches a directory tree for the two tell-tale signs of a
// ransomware run: file contents turning into high-entropy ciphertext, and a
// burst of filesystem changes far above the normal rate. A burst locks the
// directory (mode 000) until the daemon shuts down or an operator restores
// it with ransomwatchctl.
//
//	ransomwatch [flags] entropy   Entropy polling loop only
//	ransomwatch [flags] events    Event burst detection only
//	ransomwatch [flags] run       Both loops (default)
//	ransomwatch version           Print version information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"ransomwatch/internal/config"
)

// Set by the release build.
var version = "dev"

const (
	cmdEntropy = "entropy"
	cmdEvents  = "events"
	cmdRun     = "run"
)

type options struct {
	configPath   string
	workdir      string
	depth        int
	mode         string
	source       string
	noQuarantine bool
	logLevel     string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs, opts := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cmd := cmdRun
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}

	switch cmd {
	case cmdEntropy, cmdEvents, cmdRun:
	case "version":
		fmt.Printf("ransomwatch %s (config schema v%d)\n", version, config.Version)
		return 0
	case "help":
		fs.Usage()
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		fs.Usage()
		return 2
	}

	loader, cfg, err := loadConfig(fs, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer loader.Close()

	d, err := newDaemon(cfg, loader, cmd)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		d.log.Error("daemon stopped", "error", err)
		return 1
	}
	return 0
}

func newFlagSet(stderr io.Writer) (*flag.FlagSet, *options) {
	opts := &options{}
	fs := flag.NewFlagSet("ransomwatch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configPath, "config", "", "path to config file")
	fs.StringVar(&opts.workdir, "w", "", "directory to monitor")
	fs.StringVar(&opts.workdir, "workdir", "", "directory to monitor")
	fs.IntVar(&opts.depth, "r", 0, "recursion level of the entropy scan (0 = root only)")
	fs.IntVar(&opts.depth, "recursion-level", 0, "recursion level of the entropy scan (0 = root only)")
	fs.StringVar(&opts.mode, "m", "", "aggregation mode, by name or 1-5")
	fs.StringVar(&opts.mode, "mode", "", "aggregation mode, by name or 1-5")
	fs.StringVar(&opts.source, "source", "", "event source: fsnotify, inotifywait or stdin")
	fs.BoolVar(&opts.noQuarantine, "no-quarantine", false, "alert on bursts without locking the directory")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `ransomwatch - ransomware detection by entropy drift and event bursts

Usage: ransomwatch [options] [command]

Commands:
  run        Run the entropy and event loops together (default)
  entropy    Run the entropy polling loop only
  events     Run the event burst detector only
  version    Print version information
  help       Show this help message

Options:`)
		fs.PrintDefaults()
		fmt.Fprintln(stderr, `
Modes:
  1 individual            each file is its own group
  2 subdirectory-total    each directory, over the union of its files
  3 subdirectory-average  each directory, mean of its files
  4 directory-total       whole tree, over the union of all files
  5 directory-average     whole tree, mean of all files`)
	}
	return fs, opts
}

// loadConfig reads the config file and lays explicitly set flags over it.
func loadConfig(fs *flag.FlagSet, opts *options) (*config.Loader, *config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = config.FindConfigFile()
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		loader.Close()
		return nil, nil, fmt.Errorf("load config %s: %w", loader.Path(), err)
	}

	applyFlags(cfg, fs, opts)
	if err := cfg.Validate(); err != nil {
		loader.Close()
		return nil, nil, err
	}
	return loader, cfg, nil
}

func applyFlags(cfg *config.Config, fs *flag.FlagSet, opts *options) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "w", "workdir":
			cfg.Entropy.Root = opts.workdir
		case "r", "recursion-level":
			cfg.Entropy.Depth = opts.depth
		case "m", "mode":
			cfg.Entropy.Mode = opts.mode
		case "source":
			cfg.Events.Source = opts.source
		case "no-quarantine":
			cfg.Quarantine.Enabled = !opts.noQuarantine
		case "log-level":
			cfg.Logging.Level = opts.logLevel
		}
	})
}
