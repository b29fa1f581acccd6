package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ransomwatch/internal/baseline"
	"ransomwatch/internal/events"
	"ransomwatch/internal/logging"
)

var now = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func sampleEvents(n int) []events.Event {
	evs := make([]events.Event, n)
	for i := range evs {
		evs[i] = events.Event{
			Time: now.Add(time.Duration(i) * time.Millisecond),
			Kind: events.KindModify,
			Path: "/data/file.txt",
		}
	}
	return evs
}

func TestFromFinding(t *testing.T) {
	f := baseline.Finding{
		Group:          "/data",
		Previous:       3.0,
		HasPrevious:    true,
		Current:        7.8,
		Classification: baseline.SustainedChange,
	}

	r := FromFinding(f, now)
	assert.Len(t, r.ID, 36)
	assert.Equal(t, KindEntropy, r.Kind)
	require.NotNil(t, r.Previous)
	assert.Equal(t, 3.0, *r.Previous)
	assert.Equal(t, slog.LevelWarn, r.Level())
	assert.Equal(t, "7.80 bits per byte from 3.00 (/data)", r.Message())
}

func TestLevels(t *testing.T) {
	for _, c := range Classifications {
		r := Record{Classification: c}
		want := slog.LevelWarn
		if c == baseline.NewNormal {
			want = slog.LevelInfo
		}
		assert.Equal(t, want, r.Level(), string(c))
	}
}

func TestNewBurstCopiesEvents(t *testing.T) {
	recent := sampleEvents(3)
	r := NewBurst("/data", 21, recent, now)
	recent[0].Path = "/changed"

	assert.Equal(t, Burst, r.Classification)
	assert.Equal(t, "/data/file.txt", r.Events[0].Path)
	assert.Contains(t, r.Message(), "21 filesystem events")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(&logging.Config{Level: logging.LevelDebug, Writer: &buf})
	require.NoError(t, err)
	sink := NewLogSink(logger)

	normal := FromFinding(baseline.Finding{Group: "/a", Current: 3.0, Classification: baseline.NewNormal}, now)
	require.NoError(t, sink.Emit(context.Background(), normal))
	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), "3.00 bits per byte (/a)")

	buf.Reset()
	require.NoError(t, sink.Emit(context.Background(), NewBurst("/a", 20, sampleEvents(2), now)))
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Equal(t, 3, strings.Count(out, "\n"))
	assert.Contains(t, out, "recent change")
}

func TestMultiJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	m := Multi{
		SinkFunc(func(context.Context, Record) error { return boom }),
		nil,
		rec,
	}

	err := m.Emit(context.Background(), Record{Classification: Burst})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rec.Count(Burst))
}

type fakePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func TestNATSSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "")
	assert.Equal(t, DefaultSubject, sink.Subject())

	r := NewBurst("/data", 25, sampleEvents(1), now)
	require.NoError(t, sink.Emit(context.Background(), r))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, DefaultSubject, msg.Subject)
	assert.Equal(t, r.ID, msg.Header.Get(HeaderAlertID))
	assert.Equal(t, "BURST", msg.Header.Get(HeaderClassification))

	var decoded Record
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, r.ID, decoded.ID)
	assert.Equal(t, 25, decoded.EventCount)
	assert.Len(t, decoded.Events, 1)
}

func TestNATSSinkPublishError(t *testing.T) {
	sink := NewNATSSink(&fakePublisher{err: nats.ErrConnectionClosed}, "alerts.test")
	err := sink.Emit(context.Background(), Record{})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	assert.NoError(t, sink.Close())
}

func TestValidateExport(t *testing.T) {
	records := []Record{
		FromFinding(baseline.Finding{Group: "/a", Current: 7.5, Classification: baseline.NewHigh}, now),
		FromFinding(baseline.Finding{Group: "/a", Previous: 3, HasPrevious: true, Current: 7.8, Classification: baseline.SustainedChange}, now),
		NewBurst("/a", 20, sampleEvents(10), now),
	}

	data, err := json.Marshal(NewExport(records, now))
	require.NoError(t, err)
	assert.NoError(t, ValidateExport(bytes.NewReader(data)))

	empty, err := json.Marshal(NewExport(nil, now))
	require.NoError(t, err)
	assert.NoError(t, ValidateExport(bytes.NewReader(empty)))
}

func TestValidateExportRejects(t *testing.T) {
	bad := []string{
		`{"version": 2, "exported_at": "2024-01-01T00:00:00Z", "alerts": []}`,
		`{"version": 1, "exported_at": "2024-01-01T00:00:00Z"}`,
		`{"version": 1, "exported_at": "2024-01-01T00:00:00Z", "alerts": [
			{"id": "x", "time": "2024-01-01T00:00:00Z", "kind": "entropy", "group": "/a", "current": 9, "classification": "NEW_HIGH"}
		]}`,
		`{"version": 1, "exported_at": "2024-01-01T00:00:00Z", "alerts": [
			{"id": "9b2f7c1e-8f43-4c55-9f0a-3d2b1c4e5f60", "time": "2024-01-01T00:00:00Z", "kind": "entropy", "group": "/a", "current": 1, "classification": "STABLE"}
		]}`,
		`not json`,
	}

	for _, doc := range bad {
		assert.Error(t, ValidateExport(strings.NewReader(doc)), doc)
	}
}
