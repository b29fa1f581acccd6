package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"ransomwatch/internal/alert"
	"ransomwatch/internal/events"
)

// DefaultBusyTimeout is used when Open is given a non-positive timeout.
const DefaultBusyTimeout = 5 * time.Second

// Store is the SQLite alert history. It implements alert.Sink.
type Store struct {
	db   *sql.DB
	path string

	mu   sync.Mutex
	head [32]byte
}

var _ alert.Sink = (*Store)(nil)

// Open opens or creates the database at path and applies pending
// migrations. The file is created with mode 0600.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("validate schema: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.loadHead(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MigrationStatus reports the applied schema migrations.
func (s *Store) MigrationStatus() (*MigrationStatus, error) {
	return GetMigrationStatus(s.db)
}

func (s *Store) loadHead() error {
	var hash []byte
	err := s.db.QueryRow(`SELECT hash FROM alerts ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chain head: %w", err)
	}
	copy(s.head[:], hash)
	return nil
}

// Emit appends r to the chain. A missing ID or time is filled in.
func (s *Store) Emit(ctx context.Context, r alert.Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.head
	hash := chainHash(prev, r)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (id, time_ns, kind, group_name, previous, current, classification, event_count, previous_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Time.UnixNano(), string(r.Kind), r.Group, r.Previous, r.Current,
		string(r.Classification), r.EventCount, prev[:], hash[:],
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	if len(r.Events) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO alert_events (alert_seq, ordinal, time_ns, kind, path)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		for i, ev := range r.Events {
			if _, err := stmt.ExecContext(ctx, seq, i, ev.Time.UnixNano(), string(ev.Kind), ev.Path); err != nil {
				return fmt.Errorf("insert alert event: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.head = hash
	return nil
}

const selectAlerts = `
	SELECT seq, id, time_ns, kind, group_name, previous, current, classification, event_count, previous_hash, hash
	FROM alerts`

// Recent returns the newest n alerts, newest first. n <= 0 means all.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	return s.query(ctx, selectAlerts+` ORDER BY seq DESC LIMIT ?`, limit(n))
}

// ByGroup returns the newest n alerts for group, newest first.
func (s *Store) ByGroup(ctx context.Context, group string, n int) ([]Entry, error) {
	return s.query(ctx, selectAlerts+` WHERE group_name = ? ORDER BY seq DESC LIMIT ?`, group, limit(n))
}

// All returns every alert in chain order.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, selectAlerts+` ORDER BY seq ASC`)
}

// Count returns the number of stored alerts.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return n, nil
}

// CountByClassification returns one row per known classification, in
// report order, followed by any unknown ones found in the table.
func (s *Store) CountByClassification(ctx context.Context) ([]ClassificationCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT classification, COUNT(*) FROM alerts
		GROUP BY classification ORDER BY classification`)
	if err != nil {
		return nil, fmt.Errorf("count by classification: %w", err)
	}
	defer rows.Close()

	found := make(map[alert.Classification]int64)
	var extra []alert.Classification
	for rows.Next() {
		var c string
		var n int64
		if err := rows.Scan(&c, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		found[alert.Classification(c)] = n
		if !isKnown(alert.Classification(c)) {
			extra = append(extra, alert.Classification(c))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}

	out := make([]ClassificationCount, 0, len(alert.Classifications)+len(extra))
	for _, c := range alert.Classifications {
		out = append(out, ClassificationCount{Classification: c, Count: found[c]})
	}
	for _, c := range extra {
		out = append(out, ClassificationCount{Classification: c, Count: found[c]})
	}
	return out, nil
}

// Export returns every alert wrapped in an export document.
func (s *Store) Export(ctx context.Context, now time.Time) (alert.Export, error) {
	entries, err := s.All(ctx)
	if err != nil {
		return alert.Export{}, err
	}
	records := make([]alert.Record, len(entries))
	for i, e := range entries {
		records[i] = e.Record
	}
	return alert.NewExport(records, now), nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	rows.Close()

	for i := range entries {
		if entries[i].Record.Kind != alert.KindBurst {
			continue
		}
		evs, err := s.alertEvents(ctx, entries[i].Seq)
		if err != nil {
			return nil, err
		}
		entries[i].Record.Events = evs
	}
	return entries, nil
}

func (s *Store) alertEvents(ctx context.Context, seq int64) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time_ns, kind, path FROM alert_events
		WHERE alert_seq = ? ORDER BY ordinal ASC`, seq)
	if err != nil {
		return nil, fmt.Errorf("query alert events: %w", err)
	}
	defer rows.Close()

	var evs []events.Event
	for rows.Next() {
		var ts int64
		var kind, path string
		if err := rows.Scan(&ts, &kind, &path); err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		evs = append(evs, events.Event{Time: time.Unix(0, ts), Kind: events.Kind(kind), Path: path})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert events: %w", err)
	}
	return evs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var ts int64
	var kind, classification string
	var previous sql.NullFloat64
	var prevHash, hash []byte

	if err := row.Scan(&e.Seq, &e.Record.ID, &ts, &kind, &e.Record.Group, &previous,
		&e.Record.Current, &classification, &e.Record.EventCount, &prevHash, &hash); err != nil {
		return Entry{}, fmt.Errorf("scan alert: %w", err)
	}

	e.Record.Time = time.Unix(0, ts)
	e.Record.Kind = alert.Kind(kind)
	e.Record.Classification = alert.Classification(classification)
	if previous.Valid {
		p := previous.Float64
		e.Record.Previous = &p
	}
	copy(e.PrevHash[:], prevHash)
	copy(e.Hash[:], hash)
	return e, nil
}

func isKnown(c alert.Classification) bool {
	for _, k := range alert.Classifications {
		if k == c {
			return true
		}
	}
	return false
}

// limit maps n <= 0 to SQLite's "no limit".
func limit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
