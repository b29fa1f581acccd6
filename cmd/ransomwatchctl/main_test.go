package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ransomwatch/internal/alert"
	"ransomwatch/internal/baseline"
	"ransomwatch/internal/events"
	"ransomwatch/internal/store"
)

// setup writes a config pointing at a fresh alert store and seeds it.
func setup(t *testing.T, seed bool) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "alerts.db")
	cfgPath := filepath.Join(dir, "ransomwatch.toml")

	cfg := fmt.Sprintf(`version = 2

[storage]
enabled = true
path = %q

[audit]
enabled = false
`, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0600))

	old := *configPath
	*configPath = cfgPath
	t.Cleanup(func() { *configPath = old })

	if seed {
		st, err := store.Open(dbPath, 0)
		require.NoError(t, err)
		ctx := context.Background()
		now := time.Now()
		prev := 3.0
		require.NoError(t, st.Emit(ctx, alert.Record{Time: now, Kind: alert.KindEntropy, Group: "/data/a", Current: 3.0, Classification: baseline.NewNormal}))
		require.NoError(t, st.Emit(ctx, alert.Record{Time: now, Kind: alert.KindEntropy, Group: "/data/a", Previous: &prev, Current: 7.9, Classification: baseline.SustainedChange}))
		require.NoError(t, st.Emit(ctx, alert.NewBurst("/data", 20, []events.Event{
			{Time: now, Kind: events.KindCreate, Path: "/data/a.locked"},
		}, now)))
		require.NoError(t, st.Close())
	}
	return dir
}

func TestHistory(t *testing.T) {
	setup(t, true)
	var out bytes.Buffer

	require.NoError(t, dispatch(context.Background(), "history", nil, &out))
	text := out.String()
	assert.Contains(t, text, "SUSTAINED_CHANGE")
	assert.Contains(t, text, "3.00 -> 7.90")
	assert.Contains(t, text, "20 events")
	assert.Contains(t, text, "/data/a.locked")
}

func TestHistoryByGroupAndLimit(t *testing.T) {
	setup(t, true)
	var out bytes.Buffer

	require.NoError(t, dispatch(context.Background(), "history", []string{"-n", "1", "-group", "/data/a"}, &out))
	text := out.String()
	assert.Contains(t, text, "SUSTAINED_CHANGE")
	assert.NotContains(t, text, "NEW_NORMAL")
	assert.NotContains(t, text, "BURST")
}

func TestHistoryWithoutDatabase(t *testing.T) {
	setup(t, false)
	err := dispatch(context.Background(), "history", nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, errNoDatabase)
}

func TestStats(t *testing.T) {
	setup(t, true)
	var out bytes.Buffer

	require.NoError(t, dispatch(context.Background(), "stats", nil, &out))
	text := out.String()
	assert.Contains(t, text, "TOTAL")
	assert.Regexp(t, `BURST\s+1`, text)
	assert.Regexp(t, `TOTAL\s+3`, text)
	assert.Contains(t, text, "Schema version: 2/2")
}

func TestVerify(t *testing.T) {
	setup(t, true)
	var out bytes.Buffer

	require.NoError(t, dispatch(context.Background(), "verify", nil, &out))
	assert.Contains(t, out.String(), "VERIFIED")
	assert.Contains(t, out.String(), "Alerts checked: 3")
}

func TestExportThenValidate(t *testing.T) {
	dir := setup(t, true)
	exportPath := filepath.Join(dir, "export.json")
	var out bytes.Buffer

	require.NoError(t, dispatch(context.Background(), "export", []string{exportPath}, &out))
	assert.Contains(t, out.String(), "Exported 3 alerts")

	out.Reset()
	require.NoError(t, dispatch(context.Background(), "validate", []string{exportPath}, &out))
	assert.Contains(t, out.String(), "valid alert export")
}

func TestExportToStdout(t *testing.T) {
	setup(t, true)
	var out bytes.Buffer

	require.NoError(t, dispatch(context.Background(), "export", nil, &out))
	assert.True(t, strings.HasPrefix(out.String(), "{"))
	assert.Contains(t, out.String(), `"alerts"`)
}

func TestValidateRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 1}`), 0600))

	assert.Error(t, dispatch(context.Background(), "validate", []string{path}, &bytes.Buffer{}))
}

func TestStatusAndRestore(t *testing.T) {
	setup(t, false)
	target := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.Mkdir(target, 0755))
	var out bytes.Buffer

	require.NoError(t, dispatch(context.Background(), "status", []string{target}, &out))
	assert.Contains(t, out.String(), "not quarantined")

	require.NoError(t, os.Chmod(target, 0))
	t.Cleanup(func() { os.Chmod(target, 0755) })

	out.Reset()
	require.NoError(t, dispatch(context.Background(), "status", []string{target}, &out))
	assert.Contains(t, out.String(), "QUARANTINED")

	out.Reset()
	require.NoError(t, dispatch(context.Background(), "restore", []string{target}, &out))
	assert.Contains(t, out.String(), "Restored")

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	out.Reset()
	require.NoError(t, dispatch(context.Background(), "restore", []string{target}, &out))
	assert.Contains(t, out.String(), "is not quarantined")
}

func TestMigrate(t *testing.T) {
	dir := setup(t, false)
	legacy := filepath.Join(dir, "legacy.toml")
	require.NoError(t, os.WriteFile(legacy, []byte("directory = \"/srv\"\nmode = 3\n"), 0600))
	var out bytes.Buffer

	require.NoError(t, dispatch(context.Background(), "migrate", []string{legacy}, &out))
	assert.Contains(t, out.String(), "Migrated")
	assert.Contains(t, out.String(), "directory -> entropy.root")

	out.Reset()
	require.NoError(t, dispatch(context.Background(), "migrate", []string{legacy}, &out))
	assert.Contains(t, out.String(), "already uses config version")
}

func TestConfigCommand(t *testing.T) {
	setup(t, false)
	var out bytes.Buffer

	require.NoError(t, dispatch(context.Background(), "config", []string{"-format", "yaml"}, &out))
	assert.Contains(t, out.String(), "storage:")
}

func TestUsageErrors(t *testing.T) {
	for _, cmd := range []string{"validate", "status", "restore", "bogus"} {
		err := dispatch(context.Background(), cmd, nil, &bytes.Buffer{})
		assert.True(t, errors.Is(err, errUsage), "%s: %v", cmd, err)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}
