// ransomwatchctl is the control CLI for ransomwatch.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"ransomwatch/internal/alert"
	"ransomwatch/internal/config"
	"ransomwatch/internal/logging"
	"ransomwatch/internal/quarantine"
	"ransomwatch/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

var (
	errUsage      = errors.New("usage")
	errNoDatabase = errors.New("no alert history found")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	err := dispatch(context.Background(), flag.Arg(0), flag.Args()[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		usage()
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "history":
		return cmdHistory(ctx, args, out)
	case "stats":
		return cmdStats(ctx, out)
	case "verify":
		return cmdVerify(ctx, out)
	case "export":
		output := ""
		if len(args) >= 1 {
			output = args[0]
		}
		return cmdExport(ctx, output, out)
	case "validate":
		if len(args) < 1 {
			return fmt.Errorf("%w: ransomwatchctl validate <file>", errUsage)
		}
		return cmdValidate(args[0], out)
	case "status":
		if len(args) < 1 {
			return fmt.Errorf("%w: ransomwatchctl status <dir>", errUsage)
		}
		return cmdStatus(args[0], out)
	case "restore":
		if len(args) < 1 {
			return fmt.Errorf("%w: ransomwatchctl restore <dir>", errUsage)
		}
		return cmdRestore(ctx, args[0], out)
	case "migrate":
		path := ""
		if len(args) >= 1 {
			path = args[0]
		}
		return cmdMigrate(path, out)
	case "config":
		return cmdConfig(args, out)
	case "help":
		usage()
		return nil
	default:
		return fmt.Errorf("%w: unknown command %s", errUsage, cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ransomwatchctl - Control utility for ransomwatch

Usage: ransomwatchctl [options] <command> [args]

Commands:
  history [-n N] [-group G]   Print recent alerts, newest first
  stats                       Alert counts per classification
  verify                      Verify the alert history hash chain
  export [file]               Export alerts as JSON (stdout by default)
  validate <file>             Check an export against the JSON schema
  status <dir>                Show whether a directory is quarantined
  restore <dir>               Lift the quarantine on a directory
  migrate [file]              Rewrite a legacy config file in the current layout
  config [-format F]          Print the effective configuration
  help                        Show this help message

Options:
  -config <path>  Path to config file`)
}

func configFile() string {
	if *configPath != "" {
		return *configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if !cfg.Storage.Enabled {
		return nil, errors.New("alert storage is disabled in the configuration")
	}
	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w at %s", errNoDatabase, cfg.Storage.Path)
	}
	return store.Open(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
}

func cmdHistory(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of alerts to show (0 = all)")
	group := fs.String("group", "", "only alerts for this group")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var entries []store.Entry
	if *group != "" {
		entries, err = st.ByGroup(ctx, *group, *n)
	} else {
		entries, err = st.Recent(ctx, *n)
	}
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No alerts recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCLASSIFICATION\tSCORE\tGROUP\tID")
	for _, e := range entries {
		r := e.Record
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Time.Format("2006-01-02 15:04:05"), r.Classification, score(r), r.Group, shortID(r.ID))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, e := range entries {
		if len(e.Record.Events) == 0 {
			continue
		}
		fmt.Fprintf(out, "\nBurst %s (%d events), most recent:\n", shortID(e.Record.ID), e.Record.EventCount)
		for _, ev := range e.Record.Events {
			fmt.Fprintf(out, "  %s\n", ev)
		}
	}
	return nil
}

func score(r alert.Record) string {
	switch {
	case r.Kind == alert.KindBurst:
		return fmt.Sprintf("%d events", r.EventCount)
	case r.Previous != nil:
		return fmt.Sprintf("%.2f -> %.2f", *r.Previous, r.Current)
	default:
		return fmt.Sprintf("%.2f", r.Current)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cmdStats(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.CountByClassification(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "=== Alert Statistics ===")
	fmt.Fprintln(out)

	var total int64
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, c := range counts {
		fmt.Fprintf(tw, "  %s\t%d\n", c.Classification, c.Count)
		total += c.Count
	}
	fmt.Fprintf(tw, "  TOTAL\t%d\n", total)
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Database:")
	fmt.Fprintf(out, "  Path: %s\n", st.Path())
	if info, err := os.Stat(st.Path()); err == nil {
		fmt.Fprintf(out, "  Size: %s\n", formatBytes(info.Size()))
	}
	if status, err := st.MigrationStatus(); err == nil {
		fmt.Fprintf(out, "  Schema version: %d/%d\n", status.CurrentVersion, status.LatestVersion)
	}
	return nil
}

func cmdVerify(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := st.VerifyChain(ctx)
	if err != nil {
		if errors.Is(err, store.ErrChainBroken) {
			fmt.Fprintln(out, "Alert history: TAMPERED")
		}
		return err
	}

	fmt.Fprintln(out, "Alert history: VERIFIED")
	fmt.Fprintf(out, "  Alerts checked: %d\n", report.Checked)
	if report.Checked > 0 {
		fmt.Fprintf(out, "  Chain head: %x...\n", report.Head[:16])
	}
	return nil
}

func cmdExport(ctx context.Context, outputPath string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	doc, err := st.Export(ctx, time.Now())
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	data = append(data, '\n')

	if outputPath == "" {
		_, err := out.Write(data)
		return err
	}
	if err := os.WriteFile(outputPath, data, 0600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(out, "Exported %d alerts to %s\n", len(doc.Alerts), outputPath)
	return nil
}

func cmdValidate(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := alert.ValidateExport(f); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: valid alert export\n", path)
	return nil
}

func cmdStatus(dir string, out io.Writer) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	protected, err := quarantine.New(dir).Refresh()
	if err != nil {
		return err
	}
	if protected {
		fmt.Fprintf(out, "%s: QUARANTINED (mode %04o)\n", dir, info.Mode().Perm())
		return nil
	}
	fmt.Fprintf(out, "%s: not quarantined (mode %04o)\n", dir, info.Mode().Perm())
	return nil
}

func cmdRestore(ctx context.Context, dir string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := cfg.RestoreFileMode()
	if err != nil {
		return err
	}

	audit := logging.NewAuditWriter(nil, "ransomwatchctl")
	if cfg.Audit.Enabled {
		if a, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:   cfg.Audit.FilePath,
			MaxSize:    cfg.Audit.MaxSizeMB,
			MaxAge:     cfg.Audit.MaxAgeDays,
			MaxBackups: cfg.Audit.MaxBackups,
			Compress:   cfg.Audit.Compress,
			Component:  "ransomwatchctl",
		}); err == nil {
			audit = a
		}
	}
	defer audit.Close()

	q := quarantine.New(dir,
		quarantine.WithRestoreMode(mode),
		quarantine.WithObserver(func(t quarantine.Transition) {
			audit.LogQuarantine(ctx, false, t.Path, t.Err)
		}),
	)
	protected, err := q.Refresh()
	if err != nil {
		return err
	}
	if !protected {
		fmt.Fprintf(out, "%s is not quarantined\n", dir)
		return nil
	}

	if err := q.Restore(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Restored %s to mode %04o\n", dir, mode)
	return nil
}

func cmdMigrate(path string, out io.Writer) error {
	if path == "" {
		path = configFile()
	}

	result, err := config.MigrateFile(path)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Fprintf(out, "%s already uses config version %d\n", path, config.Version)
		return nil
	}

	fmt.Fprintf(out, "Migrated %s from version %d to %d\n", path, result.FromVersion, result.ToVersion)
	fmt.Fprintf(out, "  Backup: %s\n", result.Backup)
	for _, c := range result.Changes {
		fmt.Fprintf(out, "  %s\n", c)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
	return nil
}

func cmdConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	format := fs.String("format", "toml", "output format: toml, json or yaml")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := config.Encode(cfg, *format)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
