// Package baseline compares successive entropy snapshots and classifies how
// each group moved since the previous tick.
package baseline

import (
	"fmt"
	"math"
	"sort"

	"ransomwatch/internal/scan"
)

// Default thresholds.
const (
	DefaultEntropyThreshold = 7.0
	DefaultChangeThreshold  = 1.0
)

// Classification is the verdict for one group on one tick.
type Classification string

const (
	NewHigh         Classification = "NEW_HIGH"
	NewNormal       Classification = "NEW_NORMAL"
	SustainedChange Classification = "SUSTAINED_CHANGE"
	SustainedHigh   Classification = "SUSTAINED_HIGH"
	Stable          Classification = "STABLE"
)

// Alerting reports whether c should produce an alert.
func (c Classification) Alerting() bool {
	return c != Stable && c != ""
}

// Finding is one classified group.
type Finding struct {
	Group          string
	Previous       float64
	HasPrevious    bool
	Current        float64
	Classification Classification
}

// PreviousPtr returns the previous score or nil for a new group.
func (f Finding) PreviousPtr() *float64 {
	if !f.HasPrevious {
		return nil
	}
	v := f.Previous
	return &v
}

// Thresholds holds the two static limits used by a Tracker.
type Thresholds struct {
	// Entropy is the score above which content looks encrypted.
	Entropy float64
	// Change is the absolute delta that counts as a sudden shift.
	Change float64
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Entropy: DefaultEntropyThreshold,
		Change:  DefaultChangeThreshold,
	}
}

// Validate checks that both thresholds are usable.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.Entropy) || t.Entropy < 0 || t.Entropy > 8 {
		return fmt.Errorf("baseline: entropy threshold %v outside [0,8]", t.Entropy)
	}
	if math.IsNaN(t.Change) || t.Change < 0 {
		return fmt.Errorf("baseline: change threshold %v must be non-negative", t.Change)
	}
	return nil
}

// Tracker holds the previous snapshot. It is owned by a single goroutine.
type Tracker struct {
	limits   Thresholds
	previous scan.Snapshot
	ticks    uint64
}

// NewTracker creates a Tracker with an empty baseline.
func NewTracker(limits Thresholds) *Tracker {
	return &Tracker{limits: limits}
}

// Thresholds returns the tracker's limits.
func (t *Tracker) Thresholds() Thresholds {
	return t.limits
}

// Ticks returns how many snapshots have been observed.
func (t *Tracker) Ticks() uint64 {
	return t.ticks
}

// Classify returns the verdict for one group against the current baseline
// without changing it.
func (t *Tracker) Classify(group string, score float64) Finding {
	f := Finding{Group: group, Current: score}

	prev, ok := t.previous[group]
	if !ok {
		f.Classification = NewNormal
		if score > t.limits.Entropy {
			f.Classification = NewHigh
		}
		return f
	}

	f.Previous = prev
	f.HasPrevious = true
	switch {
	case math.Abs(score-prev) > t.limits.Change:
		f.Classification = SustainedChange
	case score > t.limits.Entropy && score != prev:
		f.Classification = SustainedHigh
	default:
		f.Classification = Stable
	}
	return f
}

// Observe classifies every group in current, then makes current the new
// baseline. Groups missing from current are forgotten silently. Findings
// are returned sorted by group, including STABLE ones.
func (t *Tracker) Observe(current scan.Snapshot) []Finding {
	groups := make([]string, 0, len(current))
	for g := range current {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	findings := make([]Finding, 0, len(groups))
	for _, g := range groups {
		findings = append(findings, t.Classify(g, current[g]))
	}

	next := make(scan.Snapshot, len(current))
	for g, v := range current {
		next[g] = v
	}
	t.previous = next
	t.ticks++
	return findings
}

// Previous returns a copy of the current baseline.
func (t *Tracker) Previous() scan.Snapshot {
	out := make(scan.Snapshot, len(t.previous))
	for g, v := range t.previous {
		out[g] = v
	}
	return out
}
