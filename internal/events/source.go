package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// DefaultInotifywait is the binary CommandSource runs when none is given.
const DefaultInotifywait = "inotifywait"

// ErrAlreadyStarted is returned by Start on a second call.
var ErrAlreadyStarted = errors.New("events: source already started")

const maxLineSize = 1 << 20

// LineSource parses newline-delimited event lines from a reader.
type LineSource struct {
	r io.Reader

	events chan Event
	errors chan error

	done      chan struct{}
	closeOnce sync.Once
	started   bool
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// NewLineSource reads event lines from r. If r is also an io.Closer it is
// closed by Close.
func NewLineSource(r io.Reader) *LineSource {
	return &LineSource{
		r:      r,
		events: make(chan Event, 256),
		errors: make(chan error, 16),
		done:   make(chan struct{}),
	}
}

// Events returns the parsed event channel. It is closed once the reader is
// exhausted, the context ends or Close is called.
func (s *LineSource) Events() <-chan Event {
	return s.events
}

// Errors returns malformed-line and read errors.
func (s *LineSource) Errors() <-chan error {
	return s.errors
}

// Start begins reading in a background goroutine.
func (s *LineSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.wg.Add(1)
	go s.readLoop(ctx)
	return nil
}

// Close stops delivery. A read blocked on a reader that is not an
// io.Closer keeps its goroutine until the read returns.
func (s *LineSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if c, ok := s.r.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

// Wait blocks until the read loop has exited.
func (s *LineSource) Wait() {
	s.wg.Wait()
}

func (s *LineSource) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		ev, err := ParseLine(line)
		if errors.Is(err, ErrNotAChange) {
			continue
		}
		if err != nil {
			s.report(err)
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-s.done:
			// Close interrupted the read.
		default:
			s.report(fmt.Errorf("events: read: %w", err))
		}
	}
}

func (s *LineSource) report(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

// CommandSource runs inotifywait in monitor mode over a directory tree and
// parses its output.
type CommandSource struct {
	binary string
	dir    string

	pr    *io.PipeReader
	pw    *io.PipeWriter
	lines *LineSource

	cmd *exec.Cmd
	mu  sync.Mutex
}

// NewCommandSource resolves binary on PATH (DefaultInotifywait when empty)
// and prepares a source watching dir recursively.
func NewCommandSource(binary, dir string) (*CommandSource, error) {
	if binary == "" {
		binary = DefaultInotifywait
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("events: %s not available: %w", binary, err)
	}

	pr, pw := io.Pipe()
	return &CommandSource{
		binary: path,
		dir:    dir,
		pr:     pr,
		pw:     pw,
		lines:  NewLineSource(pr),
	}, nil
}

// Args returns the command line passed to inotifywait.
func (s *CommandSource) Args() []string {
	args := []string{"-m", "-r"}
	for _, e := range InotifyEvents {
		args = append(args, "-e", e)
	}
	return append(args,
		"--format", "[%T] %e %w%f",
		"--timefmt", "%F %T",
		s.dir,
	)
}

// Events returns the parsed event channel.
func (s *CommandSource) Events() <-chan Event {
	return s.lines.Events()
}

// Errors returns parse errors and the process exit error, if any.
func (s *CommandSource) Errors() <-chan error {
	return s.lines.Errors()
}

// Start launches the process. It is killed when ctx ends.
func (s *CommandSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd := exec.CommandContext(ctx, s.binary, s.Args()...)
	cmd.Stdout = s.pw
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("events: start %s: %w", s.binary, err)
	}
	s.cmd = cmd

	if err := s.lines.Start(ctx); err != nil {
		return err
	}

	go func() {
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			s.lines.report(fmt.Errorf("events: %s exited: %w", s.binary, err))
		}
		s.pw.Close()
	}()
	return nil
}

// Close stops the process and the parser.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return s.lines.Close()
}
