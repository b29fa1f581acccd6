package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		kind Kind
		path string
	}{
		{"[2024-03-01 12:00:05] CREATE /data/new.txt", KindCreate, "/data/new.txt"},
		{"[2024-03-01 12:00:05] MODIFY /data/a file.txt", KindModify, "/data/a file.txt"},
		{"[2024-03-01 12:00:05] DELETE,ISDIR /data/old", KindDelete, "/data/old"},
		{"[2024-03-01 12:00:05] MOVED_TO /data/x.locked", KindRenameIn, "/data/x.locked"},
		{"[2024-03-01 12:00:05] MOVED_FROM /data/x", KindRenameOut, "/data/x"},
		{"[2024-03-01 12:00:05] ATTRIB /data/x", KindAttributeChange, "/data/x"},
		{"[2024-03-01 12:00:05] MODIFY /data/x\r\n", KindModify, "/data/x"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev, err := ParseLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.path, ev.Path)
			assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 5, 0, time.Local), ev.Time)
		})
	}
}

func TestParseLineMalformed(t *testing.T) {
	lines := []string{
		"",
		"garbage",
		"[2024-03-01 12:00:05] CREATE",
		"[not a time] CREATE /x",
		"[2024-03-01 12:00:05] BOGUS /x",
		"[2024-03-01 12:00:05] CREATE ",
	}

	for _, line := range lines {
		_, err := ParseLine(line)
		var malformed *MalformedEventError
		require.True(t, errors.As(err, &malformed), "line %q", line)
		assert.Equal(t, line, malformed.Line)
	}
}

func TestEventString(t *testing.T) {
	ev := Event{
		Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local),
		Kind: KindDelete,
		Path: "/tmp/x",
	}
	assert.Equal(t, "[2024-01-02 03:04:05] delete /tmp/x", ev.String())
}

func TestLineSource(t *testing.T) {
	input := strings.Join([]string{
		"[2024-03-01 12:00:00] CREATE /d/a",
		"not an event",
		"",
		"[2024-03-01 12:00:01] MODIFY /d/a",
	}, "\n")

	src := NewLineSource(strings.NewReader(input))
	require.NoError(t, src.Start(context.Background()))
	assert.ErrorIs(t, src.Start(context.Background()), ErrAlreadyStarted)

	var got []Event
	for ev := range src.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, KindCreate, got[0].Kind)
	assert.Equal(t, KindModify, got[1].Kind)

	select {
	case err := <-src.Errors():
		var malformed *MalformedEventError
		assert.True(t, errors.As(err, &malformed))
	default:
		t.Fatal("expected a malformed-line error")
	}
	assert.NoError(t, src.Close())
}

func TestParseLineAccessRecords(t *testing.T) {
	for _, line := range []string{
		"[2024-03-01 12:00:05] OPEN /data/x",
		"[2024-03-01 12:00:05] ACCESS /data/x",
		"[2024-03-01 12:00:05] CLOSE_NOWRITE,CLOSE /data/x",
		"[2024-03-01 12:00:05] CLOSE_WRITE,CLOSE /data/x",
		"[2024-03-01 12:00:05] OPEN,ISDIR /data/",
	} {
		_, err := ParseLine(line)
		assert.ErrorIs(t, err, ErrNotAChange, "line %q", line)
	}
}

func TestLineSourceSkipsAccessRecords(t *testing.T) {
	input := strings.Join([]string{
		"[2024-03-01 12:00:00] OPEN /d/a",
		"[2024-03-01 12:00:00] ACCESS /d/a",
		"[2024-03-01 12:00:00] CLOSE_NOWRITE,CLOSE /d/a",
		"[2024-03-01 12:00:00] OPEN,ISDIR /d/",
		"[2024-03-01 12:00:01] MODIFY /d/a",
		"[2024-03-01 12:00:01] CLOSE_WRITE,CLOSE /d/a",
	}, "\n")

	src := NewLineSource(strings.NewReader(input))
	require.NoError(t, src.Start(context.Background()))

	var got []Event
	for ev := range src.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, KindModify, got[0].Kind)

	select {
	case err := <-src.Errors():
		t.Fatalf("unexpected error: %v", err)
	default:
	}
	assert.NoError(t, src.Close())
}

func TestLineSourceCancel(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		b.WriteString("[2024-03-01 12:00:00] CREATE /d/a\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	src := NewLineSource(strings.NewReader(b.String()))
	require.NoError(t, src.Start(ctx))
	cancel()
	src.Wait()

	n := 0
	for range src.Events() {
		n++
	}
	assert.Less(t, n, 1000)
}

func TestCommandSourceMissingBinary(t *testing.T) {
	_, err := NewCommandSource("definitely-not-a-real-inotifywait", "/tmp")
	assert.Error(t, err)
}

func TestCommandSourceArgs(t *testing.T) {
	src := &CommandSource{dir: "/srv/data"}
	assert.Equal(t, []string{
		"-m", "-r",
		"-e", "create", "-e", "modify", "-e", "delete",
		"-e", "moved_to", "-e", "moved_from", "-e", "attrib",
		"--format", "[%T] %e %w%f", "--timefmt", "%F %T", "/srv/data",
	}, src.Args())
}
