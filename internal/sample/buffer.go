// Package sample buffers the per-axis StallGuard load readings streamed by
// the controller. A single producer (the transport's dispatch goroutine)
// pushes; the calibration phases and the monitor loop only read.
package sample

import (
	"sync"

	"codeberg.org/mutker/sensorless/internal/machine"
)

const (
	// maxSamples bounds per-axis history; when exceeded the buffer is
	// trimmed to the most recent trimTo readings so moving-average windows
	// keep working without unbounded growth.
	maxSamples = 1000
	trimTo     = 500
)

// Buffer is a bounded per-axis history of load samples.
type Buffer struct {
	mu      sync.RWMutex
	samples [machine.NumAxes][]int
	// total counts every sample ever pushed per axis, so marks taken
	// before a trim still resolve to the right window.
	total [machine.NumAxes]int
}

func NewBuffer() *Buffer {
	b := &Buffer{}
	for i := range b.samples {
		b.samples[i] = make([]int, 0, maxSamples)
	}

	return b
}

// Push appends one reading. Only the transport dispatcher may call this.
func (b *Buffer) Push(axis machine.Axis, value int) {
	if !axis.Valid() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples[axis] = append(b.samples[axis], value)
	b.total[axis]++

	if len(b.samples[axis]) > maxSamples {
		kept := b.samples[axis][len(b.samples[axis])-trimTo:]
		b.samples[axis] = append(b.samples[axis][:0], kept...)
	}
}

// Len returns the number of currently retained samples for an axis.
func (b *Buffer) Len(axis machine.Axis) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.samples[axis])
}

// Mark returns a monotonic position in the axis stream. Samples pushed
// after the mark are returned by Since, regardless of intervening trims.
func (b *Buffer) Mark(axis machine.Axis) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.total[axis]
}

// Since returns a copy of all samples pushed after the given mark. Samples
// lost to trimming are silently absent.
func (b *Buffer) Since(axis machine.Axis, mark int) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	first := b.total[axis] - len(b.samples[axis])
	start := mark - first
	if start < 0 {
		start = 0
	}
	if start >= len(b.samples[axis]) {
		return nil
	}

	out := make([]int, len(b.samples[axis])-start)
	copy(out, b.samples[axis][start:])

	return out
}

// Snapshot returns a copy of the retained samples for an axis.
func (b *Buffer) Snapshot(axis machine.Axis) []int {
	return b.Since(axis, 0)
}

// TrailingMean returns the mean of the most recent n samples. ok is false
// when fewer than n samples are retained.
func (b *Buffer) TrailingMean(axis machine.Axis, n int) (mean float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.samples[axis]
	if n <= 0 || len(s) < n {
		return 0, false
	}

	sum := 0
	for _, v := range s[len(s)-n:] {
		sum += v
	}

	return float64(sum) / float64(n), true
}

// Min returns the smallest of the samples pushed after mark. ok is false
// when the window is empty.
func (b *Buffer) Min(axis machine.Axis, mark int) (minVal int, ok bool) {
	window := b.Since(axis, mark)
	if len(window) == 0 {
		return 0, false
	}

	minVal = window[0]
	for _, v := range window[1:] {
		if v < minVal {
			minVal = v
		}
	}

	return minVal, true
}

// MiddleMean averages the middle of a window, discarding the given fraction
// at each end to exclude acceleration and deceleration transients. ok is
// false when the trimmed window is empty.
func MiddleMean(values []int, discard float64) (mean float64, ok bool) {
	if discard < 0 || discard >= 0.5 {
		return 0, false
	}

	skip := int(float64(len(values)) * discard)
	middle := values[skip : len(values)-skip]
	if len(middle) == 0 {
		return 0, false
	}

	sum := 0
	for _, v := range middle {
		sum += v
	}

	return float64(sum) / float64(len(middle)), true
}
