// Package events defines filesystem change events and the sources that
// produce them.
package events

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimeLayout is the timestamp format of inotifywait's --timefmt '%F %T'.
const TimeLayout = "2006-01-02 15:04:05"

// Kind classifies a filesystem change.
type Kind string

const (
	KindCreate          Kind = "create"
	KindModify          Kind = "modify"
	KindDelete          Kind = "delete"
	KindRenameIn        Kind = "rename-in"
	KindRenameOut       Kind = "rename-out"
	KindAttributeChange Kind = "attribute-change"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindCreate, KindModify, KindDelete,
	KindRenameIn, KindRenameOut, KindAttributeChange,
}

var inotifyKinds = map[string]Kind{
	"CREATE":      KindCreate,
	"MODIFY":      KindModify,
	"DELETE":      KindDelete,
	"DELETE_SELF": KindDelete,
	"MOVED_TO":    KindRenameIn,
	"MOVED_FROM":  KindRenameOut,
	"MOVE_SELF":   KindRenameOut,
	"ATTRIB":      KindAttributeChange,
}

// InotifyEvents are the inotifywait -e names that map to a Kind.
var InotifyEvents = []string{"create", "modify", "delete", "moved_to", "moved_from", "attrib"}

// Access records inotifywait emits when watching without an -e filter.
// CLOSE_WRITE trails the MODIFY of the same write.
var inotifyAccess = map[string]bool{
	"OPEN":          true,
	"ACCESS":        true,
	"CLOSE_NOWRITE": true,
	"CLOSE_WRITE":   true,
	"CLOSE":         true,
}

// ErrNotAChange is returned by ParseLine for well-formed access records
// that do not change the tree. Sources drop them silently.
var ErrNotAChange = errors.New("events: access record is not a change")

// Event is one immutable filesystem change.
type Event struct {
	Time time.Time `json:"time"`
	Kind Kind      `json:"kind"`
	Path string    `json:"path"`
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s %s", e.Time.Format(TimeLayout), e.Kind, e.Path)
}

// MalformedEventError reports a line that does not parse as an event.
type MalformedEventError struct {
	Line   string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("events: malformed event %q: %s", e.Line, e.Reason)
}

var lineRE = regexp.MustCompile(`^\[([^\]]+)\] (\S+) (.*)$`)

// ParseLine parses one line of the form
//
//	[2006-01-02 15:04:05] MODIFY,ISDIR /path/to/file
//
// Timestamps are read in the local time zone. Only the first token of the
// comma-separated event list decides the kind.
func ParseLine(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")
	m := lineRE.FindStringSubmatch(line)
	if m == nil {
		return Event{}, &MalformedEventError{Line: line, Reason: "unrecognized format"}
	}

	ts, err := time.ParseInLocation(TimeLayout, m[1], time.Local)
	if err != nil {
		return Event{}, &MalformedEventError{Line: line, Reason: "bad timestamp"}
	}

	token := m[2]
	if i := strings.IndexByte(token, ','); i >= 0 {
		token = token[:i]
	}
	kind, ok := inotifyKinds[token]
	if !ok && inotifyAccess[token] {
		return Event{}, ErrNotAChange
	}
	if !ok {
		return Event{}, &MalformedEventError{Line: line, Reason: "unknown kind " + token}
	}

	path := m[3]
	if path == "" {
		return Event{}, &MalformedEventError{Line: line, Reason: "missing path"}
	}

	return Event{Time: ts, Kind: kind, Path: path}, nil
}

// Source delivers events on a channel until it is closed or its context
// ends, then closes Events. Parse failures and transport errors arrive on
// Errors, which is never closed and drops values nobody is reading.
type Source interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}
