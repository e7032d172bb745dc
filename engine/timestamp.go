package engine

import "time"

// Accuracy is the coarsest meaningful unit of a DatetimeWithAccuracy.
type Accuracy int

const (
	AccuracyDays Accuracy = iota
	AccuracyHours
	AccuracyMinutes
	AccuracySeconds
	AccuracyMilliseconds
)

// DatetimeWithAccuracy is a millisecond-resolution UTC timestamp tagged
// with the finest meaningful unit it is known to. Two instances compare
// equal only if they share the same accuracy and agree at that
// granularity; an invalid (zero) value sorts as "empty" and equals only
// another empty value. Modeled on FileZilla's CDateTime (timeex.h).
type DatetimeWithAccuracy struct {
	t        time.Time
	accuracy Accuracy
	valid    bool
}

// NewDatetime builds a DatetimeWithAccuracy from a UTC time.Time at the
// given accuracy.
func NewDatetime(t time.Time, a Accuracy) DatetimeWithAccuracy {
	return DatetimeWithAccuracy{t: t.UTC(), accuracy: a, valid: true}
}

// IsValid reports whether the value carries a real timestamp.
func (d DatetimeWithAccuracy) IsValid() bool { return d.valid }

// Accuracy returns the tagged accuracy tier.
func (d DatetimeWithAccuracy) Accuracy() Accuracy { return d.accuracy }

// Time returns the underlying UTC time.Time, truncated to the tagged
// accuracy.
func (d DatetimeWithAccuracy) Time() time.Time {
	return d.truncate(d.accuracy)
}

func (d DatetimeWithAccuracy) truncate(a Accuracy) time.Time {
	t := d.t
	switch a {
	case AccuracyDays:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case AccuracyHours:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case AccuracyMinutes:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case AccuracySeconds:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	default:
		return t.Round(time.Millisecond)
	}
}

// Compare orders two datetimes after truncating both to the coarser of
// the two accuracies, as FileZilla's CDateTime::Compare does. Returns
// <0, 0, >0. An invalid value compares as less than any valid value and
// equal only to another invalid value.
func (d DatetimeWithAccuracy) Compare(o DatetimeWithAccuracy) int {
	if !d.valid && !o.valid {
		return 0
	}
	if !d.valid {
		return -1
	}
	if !o.valid {
		return 1
	}
	a := d.accuracy
	if o.accuracy < a {
		a = o.accuracy
	}
	dt, ot := d.truncate(a), o.truncate(a)
	switch {
	case dt.Before(ot):
		return -1
	case dt.After(ot):
		return 1
	default:
		return 0
	}
}

func (d DatetimeWithAccuracy) Equal(o DatetimeWithAccuracy) bool {
	return d.valid == o.valid && d.accuracy == o.accuracy && d.Compare(o) == 0
}
func (d DatetimeWithAccuracy) Before(o DatetimeWithAccuracy) bool { return d.Compare(o) < 0 }
func (d DatetimeWithAccuracy) After(o DatetimeWithAccuracy) bool  { return d.Compare(o) > 0 }

// MonotonicDateTime wraps a DatetimeWithAccuracy together with an integer
// offset that guarantees strict monotonicity across consecutive calls to
// Now: when the underlying clock reports the same instant twice in a row,
// the offset increments; otherwise it resets to zero. Used for
// cache-entry ordering where wall-clock resolution is too coarse to
// distinguish rapid-fire updates. Modeled on FileZilla's CMonotonicTime.
type MonotonicDateTime struct {
	t      DatetimeWithAccuracy
	offset int
}

// monotonicState is the process-wide last-observed-instant tracker that
// CMonotonicTime keeps as static state.
var monotonicState struct {
	last   DatetimeWithAccuracy
	offset int
}

// NowMonotonic returns a MonotonicDateTime derived from clock, guaranteed
// to compare strictly greater than the previous call's result even if
// clock() returns an identical instant.
func NowMonotonic(clock func() time.Time) MonotonicDateTime {
	now := NewDatetime(clock(), AccuracyMilliseconds)
	if monotonicState.last.valid && monotonicState.last.Equal(now) {
		monotonicState.offset++
	} else {
		monotonicState.offset = 0
	}
	monotonicState.last = now
	return MonotonicDateTime{t: now, offset: monotonicState.offset}
}

func (m MonotonicDateTime) Time() DatetimeWithAccuracy { return m.t }

// Less orders by time first and, on a tie, by offset — this is what
// makes repeated same-instant calls strictly increasing.
func (m MonotonicDateTime) Less(o MonotonicDateTime) bool {
	switch m.t.Compare(o.t) {
	case -1:
		return true
	case 1:
		return false
	default:
		return m.offset < o.offset
	}
}

// ClockInstant is a steady, never-decreasing instant independent of wall
// clock, used for RTT and keepalive bookkeeping. It is backed by
// time.Time values sourced exclusively from a monotonic clock source
// (never user-adjustable wall time), mirroring FileZilla's
// CMonotonicClock without needing a platform shim — Go's time.Now()
// always carries a monotonic reading on supported platforms.
type ClockInstant struct {
	t time.Time
}

// NewClockInstant captures the current instant from clock.
func NewClockInstant(clock func() time.Time) ClockInstant {
	return ClockInstant{t: clock()}
}

// Sub returns the duration elapsed between two instants (a - b).
func (a ClockInstant) Sub(b ClockInstant) time.Duration {
	return a.t.Sub(b.t)
}

func (a ClockInstant) Before(b ClockInstant) bool { return a.t.Before(b.t) }
func (a ClockInstant) IsZero() bool               { return a.t.IsZero() }
