package availability

import (
	"slices"
	"time"

	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
)

const (
	DefaultBuffer      = 15 * time.Minute
	DefaultGranularity = 15 * time.Minute
)

// Config is shared by every caller that offers or validates booking windows.
type Config struct {
	// Buffer is the turnaround gap kept between the end of one booking and the
	// start of the next on the same car.
	Buffer time.Duration
	// Granularity is the step on which start times and durations are offered.
	Granularity time.Duration
}

func DefaultConfig() Config {
	return Config{Buffer: DefaultBuffer, Granularity: DefaultGranularity}
}

// WithDefaults fills unset fields. A negative Buffer disables the gap.
func (c Config) WithDefaults() Config {
	switch {
	case c.Buffer == 0:
		c.Buffer = DefaultBuffer
	case c.Buffer < 0:
		c.Buffer = 0
	}
	if c.Granularity <= 0 {
		c.Granularity = DefaultGranularity
	}
	return c
}

// Interval is half-open: [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Overlaps reports whether two half-open intervals share at least one instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Buffered widens a booking window by buffer on both sides.
func Buffered(start, end time.Time, buffer time.Duration) Interval {
	return Interval{Start: start.Add(-buffer), End: end.Add(buffer)}
}

// DayBounds returns [00:00, next 00:00) of the calendar day containing day in loc.
func DayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// Conflicts returns the non-cancelled bookings whose buffered window overlaps
// [start, end). excludeID skips the booking being modified.
func Conflicts(existing []model.Booking, start, end time.Time, buffer time.Duration, excludeID string) []model.Booking {
	proposed := Interval{Start: start, End: end}
	var out []model.Booking
	for _, b := range existing {
		if b.Status == model.StatusCancelled || (excludeID != "" && b.ID == excludeID) {
			continue
		}
		if Buffered(b.StartTime, b.EndTime, buffer).Overlaps(proposed) {
			out = append(out, b)
		}
	}
	return out
}

// FreeSlots returns the maximal free intervals of [dayStart, dayEnd) given the
// car's existing bookings. Nothing before now is offered, every existing booking
// is padded by buffer on both sides and zero-width gaps are dropped.
func FreeSlots(existing []model.Booking, dayStart, dayEnd, now time.Time, buffer time.Duration) []Interval {
	if !dayEnd.After(dayStart) {
		return nil
	}
	if buffer < 0 {
		buffer = 0
	}

	cursor := dayStart
	if now.After(cursor) {
		cursor = now
	}

	var slots []Interval
	for _, b := range timeline(existing) {
		end := b.StartTime.Add(-buffer)
		if end.After(dayEnd) {
			end = dayEnd
		}
		if end.After(cursor) {
			slots = append(slots, Interval{Start: cursor, End: end})
		}
		// Bookings may overlap each other or spill over from the previous day.
		if next := b.EndTime.Add(buffer); next.After(cursor) {
			cursor = next
		}
	}
	if dayEnd.After(cursor) {
		slots = append(slots, Interval{Start: cursor, End: dayEnd})
	}
	return slots
}

// StartTimes returns the start instants, aligned to step from dayStart, from which
// a booking of at least minDuration fits inside one of the free slots.
func StartTimes(slots []Interval, dayStart time.Time, step, minDuration time.Duration) []time.Time {
	if step <= 0 {
		return nil
	}
	if minDuration <= 0 {
		minDuration = step
	}

	var starts []time.Time
	for _, s := range slots {
		for t := alignUp(s.Start, dayStart, step); !t.Add(minDuration).After(s.End); t = t.Add(step) {
			starts = append(starts, t)
		}
	}
	return starts
}

// MaxDuration is the longest booking, in whole steps, that can start at start.
// It is zero when start is not inside a free slot.
func MaxDuration(slots []Interval, start time.Time, step time.Duration) time.Duration {
	if step <= 0 {
		return 0
	}
	for _, s := range slots {
		if s.Contains(start) {
			d := s.End.Sub(start)
			return d - d%step
		}
	}
	return 0
}

// Durations lists the bookable lengths for start: step, 2*step, ... up to MaxDuration.
func Durations(slots []Interval, start time.Time, step time.Duration) []time.Duration {
	max := MaxDuration(slots, start, step)
	if max <= 0 {
		return nil
	}
	out := make([]time.Duration, 0, int(max/step))
	for d := step; d <= max; d += step {
		out = append(out, d)
	}
	return out
}

func alignUp(t, origin time.Time, step time.Duration) time.Time {
	offset := t.Sub(origin)
	if offset <= 0 {
		return origin.Add(-(-offset / step) * step)
	}
	if rem := offset % step; rem != 0 {
		offset += step - rem
	}
	return origin.Add(offset)
}

func timeline(existing []model.Booking) []model.Booking {
	out := make([]model.Booking, 0, len(existing))
	for _, b := range existing {
		if b.Status == model.StatusCancelled || !b.EndTime.After(b.StartTime) {
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b model.Booking) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out
}
