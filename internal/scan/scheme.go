package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"ransomwatch/internal/entropy"
)

// Snapshot maps a group name to its rounded entropy score for one tick.
type Snapshot map[string]float64

// Mode selects an aggregation scheme.
type Mode int

// Aggregation modes. The numeric values match the -m flag.
const (
	ModeIndividual Mode = iota + 1
	ModeSubdirectoryTotal
	ModeSubdirectoryAverage
	ModeDirectoryTotal
	ModeDirectoryAverage
)

// ErrUnknownMode is returned by ParseMode for unrecognized input.
var ErrUnknownMode = errors.New("scan: unknown aggregation mode")

var modeNames = map[Mode]string{
	ModeIndividual:          "individual",
	ModeSubdirectoryTotal:   "subdirectory-total",
	ModeSubdirectoryAverage: "subdirectory-average",
	ModeDirectoryTotal:      "directory-total",
	ModeDirectoryAverage:    "directory-average",
}

var modeDescriptions = map[Mode]string{
	ModeIndividual:          "Individual",
	ModeSubdirectoryTotal:   "Subdirectory Total",
	ModeSubdirectoryAverage: "Subdirectory Average",
	ModeDirectoryTotal:      "Directory Total",
	ModeDirectoryAverage:    "Directory Average",
}

// String returns the config name of the mode.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// Description returns a human-readable label.
func (m Mode) Description() string {
	if d, ok := modeDescriptions[m]; ok {
		return d
	}
	return "Unknown"
}

// ParseMode accepts a mode name ("subdirectory-total"), its underscore
// form, or its number ("2").
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		m := Mode(n)
		if _, ok := modeNames[m]; ok {
			return m, nil
		}
		return 0, fmt.Errorf("%w: %d", ErrUnknownMode, n)
	}
	s = strings.ReplaceAll(s, "_", "-")
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// GroupError reports a group that produced no score this tick.
type GroupError struct {
	Group string
	Err   error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("scan: group %s: %v", e.Group, e.Err)
}

func (e *GroupError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one aggregation pass.
type Result struct {
	Scores Snapshot

	// Skipped holds per-file (*entropy.IOError) and per-group
	// (*GroupError) failures. None of them abort the pass.
	Skipped []error
}

func newResult() Result {
	return Result{Scores: make(Snapshot)}
}

func (r *Result) skip(err error) {
	r.Skipped = append(r.Skipped, err)
}

// Scheme turns a file list into a Snapshot.
type Scheme interface {
	Mode() Mode
	Aggregate(ctx context.Context, files []string) (Result, error)
}

// NewScheme returns the scheme for mode. root names the single group of
// the directory-wide modes.
func NewScheme(mode Mode, root string) (Scheme, error) {
	switch mode {
	case ModeIndividual:
		return individual{}, nil
	case ModeSubdirectoryTotal:
		return subdirectoryTotal{}, nil
	case ModeSubdirectoryAverage:
		return subdirectoryAverage{}, nil
	case ModeDirectoryTotal:
		return directoryTotal{root: root}, nil
	case ModeDirectoryAverage:
		return directoryAverage{root: root}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(mode))
	}
}

type individual struct{}

func (individual) Mode() Mode { return ModeIndividual }

func (individual) Aggregate(ctx context.Context, files []string) (Result, error) {
	res := newResult()
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		h, err := entropy.HistogramFile(f)
		if err != nil {
			res.skip(err)
			continue
		}
		bits, err := entropy.Entropy(h)
		if err != nil {
			res.skip(&GroupError{Group: f, Err: err})
			continue
		}
		res.Scores[f] = entropy.Round(bits)
	}
	return res, nil
}

type subdirectoryTotal struct{}

func (subdirectoryTotal) Mode() Mode { return ModeSubdirectoryTotal }

func (subdirectoryTotal) Aggregate(ctx context.Context, files []string) (Result, error) {
	res := newResult()
	for _, g := range groupByDir(files) {
		if err := scoreTotal(ctx, &res, g.dir, g.files); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

type subdirectoryAverage struct{}

func (subdirectoryAverage) Mode() Mode { return ModeSubdirectoryAverage }

func (subdirectoryAverage) Aggregate(ctx context.Context, files []string) (Result, error) {
	res := newResult()
	for _, g := range groupByDir(files) {
		if err := scoreAverage(ctx, &res, g.dir, g.files); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

type directoryTotal struct {
	root string
}

func (directoryTotal) Mode() Mode { return ModeDirectoryTotal }

func (s directoryTotal) Aggregate(ctx context.Context, files []string) (Result, error) {
	res := newResult()
	if err := scoreTotal(ctx, &res, s.root, files); err != nil {
		return Result{}, err
	}
	return res, nil
}

type directoryAverage struct {
	root string
}

func (directoryAverage) Mode() Mode { return ModeDirectoryAverage }

func (s directoryAverage) Aggregate(ctx context.Context, files []string) (Result, error) {
	res := newResult()
	if err := scoreAverage(ctx, &res, s.root, files); err != nil {
		return Result{}, err
	}
	return res, nil
}

// scoreTotal scores group by the entropy of its members' concatenation.
func scoreTotal(ctx context.Context, res *Result, group string, files []string) error {
	var combined entropy.Histogram
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := entropy.HistogramFile(f)
		if err != nil {
			res.skip(err)
			continue
		}
		combined.Merge(h)
	}

	bits, err := entropy.Entropy(&combined)
	if err != nil {
		res.skip(&GroupError{Group: group, Err: err})
		return nil
	}
	res.Scores[group] = entropy.Round(bits)
	return nil
}

// scoreAverage scores group by the mean of its members' entropies. Files
// that cannot be scored do not count towards the mean.
func scoreAverage(ctx context.Context, res *Result, group string, files []string) error {
	var sum float64
	var n int
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		bits, err := entropy.File(f)
		if err != nil {
			res.skip(err)
			continue
		}
		sum += bits
		n++
	}

	if n == 0 {
		res.skip(&GroupError{Group: group, Err: entropy.ErrEmptyInput})
		return nil
	}
	res.Scores[group] = entropy.Round(sum / float64(n))
	return nil
}

type dirGroup struct {
	dir   string
	files []string
}

// groupByDir groups files by parent directory, keeping first-seen order.
func groupByDir(files []string) []dirGroup {
	index := make(map[string]int)
	var groups []dirGroup
	for _, f := range files {
		dir := filepath.Dir(f)
		i, ok := index[dir]
		if !ok {
			i = len(groups)
			index[dir] = i
			groups = append(groups, dirGroup{dir: dir})
		}
		groups[i].files = append(groups[i].files, f)
	}
	return groups
}
