// Package entropy computes Shannon entropy over byte-value histograms.
package entropy

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// MaxBits is the entropy of a uniform distribution over all 256 byte values.
const MaxBits = 8.0

// Precision is the number of decimal digits scores are rounded to.
const Precision = 2

// ErrEmptyInput is returned when there are no bytes to score.
var ErrEmptyInput = errors.New("entropy: empty input")

// IOError reports a file that could not be read for histogramming.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("entropy: read %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Histogram counts occurrences of each byte value.
type Histogram [256]uint64

// Write tallies p into the histogram. It never fails, which lets a
// Histogram be the destination of io.Copy.
func (h *Histogram) Write(p []byte) (int, error) {
	for _, b := range p {
		h[b]++
	}
	return len(p), nil
}

// Merge adds every count from other into h.
func (h *Histogram) Merge(other *Histogram) {
	for i, c := range other {
		h[i] += c
	}
}

// Total returns the number of bytes tallied.
func (h *Histogram) Total() uint64 {
	var n uint64
	for _, c := range h {
		n += c
	}
	return n
}

// Entropy returns the Shannon entropy of h in bits per byte.
func Entropy(h *Histogram) (float64, error) {
	n := h.Total()
	if n == 0 {
		return 0, ErrEmptyInput
	}

	total := float64(n)
	var bits float64
	for _, c := range h {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		bits -= p * math.Log2(p)
	}

	// Float error can push a uniform distribution a hair past the bounds.
	switch {
	case bits < 0:
		bits = 0
	case bits > MaxBits:
		bits = MaxBits
	}
	return bits, nil
}

// Bytes is a convenience for scoring an in-memory buffer.
func Bytes(data []byte) (float64, error) {
	var h Histogram
	h.Write(data)
	return Entropy(&h)
}

// HistogramFile reads the full content of path once and tallies its bytes.
func HistogramFile(path string) (*Histogram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	h := new(Histogram)
	if _, err := io.Copy(h, f); err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	return h, nil
}

// File returns the entropy of the file at path.
func File(path string) (float64, error) {
	h, err := HistogramFile(path)
	if err != nil {
		return 0, err
	}
	bits, err := Entropy(h)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return bits, nil
}

// Round rounds v to Precision decimal digits.
func Round(v float64) float64 {
	const scale = 100
	return math.Round(v*scale) / scale
}
