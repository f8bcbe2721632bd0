package window

import (
	"fmt"
	"time"
)

// Bounds is the half-open event-time interval [Start, End) in epoch millis
type Bounds struct {
	Start int64
	End   int64
}

// Contains reports whether ts falls inside the interval
func (b Bounds) Contains(ts int64) bool {
	return b.Start <= ts && ts < b.End
}

func (b Bounds) StartTime() time.Time {
	return time.UnixMilli(b.Start)
}

func (b Bounds) EndTime() time.Time {
	return time.UnixMilli(b.End)
}

// Assigner maps an event timestamp to every hopping window containing it.
// Window starts are multiples of advance relative to origin. Tumbling windows have advance == size.
type Assigner struct {
	size    int64
	advance int64
	origin  int64
}

// CheckGeometry rejects window sizes the millisecond event clock cannot represent.
// A zero advance means tumbling windows.
func CheckGeometry(size, advance time.Duration) error {
	switch {
	case size <= 0:
		return fmt.Errorf("window size must be positive")
	case size%time.Millisecond != 0:
		return fmt.Errorf("window size %v is not a whole number of milliseconds", size)
	case advance < 0:
		return fmt.Errorf("negative advance %v", advance)
	case advance > size:
		return fmt.Errorf("advance %v exceeds size %v", advance, size)
	case advance%time.Millisecond != 0:
		return fmt.Errorf("advance %v is not a whole number of milliseconds", advance)
	}
	return nil
}

// NewAssigner builds an assigner. A zero advance means tumbling windows.
func NewAssigner(size, advance time.Duration, origin int64) Assigner {
	a := Assigner{
		size:    size.Milliseconds(),
		advance: advance.Milliseconds(),
		origin:  origin,
	}
	if a.advance <= 0 || a.advance > a.size {
		a.advance = a.size
	}
	return a
}

func (a Assigner) Size() time.Duration {
	return time.Duration(a.size) * time.Millisecond
}

func (a Assigner) Advance() time.Duration {
	return time.Duration(a.advance) * time.Millisecond
}

// Tumbling reports whether every event belongs to exactly one window
func (a Assigner) Tumbling() bool {
	return a.advance == a.size
}

// Assign returns the windows containing ts in ascending start order.
// Windows that would start before the origin are not produced.
func (a Assigner) Assign(ts int64) []Bounds {
	if ts < a.origin || a.size <= 0 {
		return nil
	}

	// the latest window containing ts starts at the highest multiple of advance not after ts;
	// earlier ones are found by stepping back one advance at a time
	start := a.origin + ((ts-a.origin)/a.advance)*a.advance

	var windows []Bounds
	for s := start; s >= a.origin; s -= a.advance {
		b := Bounds{Start: s, End: s + a.size}
		if !b.Contains(ts) {
			break
		}
		windows = append(windows, b)
	}

	for i, j := 0, len(windows)-1; i < j; i, j = i+1, j-1 {
		windows[i], windows[j] = windows[j], windows[i]
	}
	return windows
}
