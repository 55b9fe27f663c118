// Package ratelimit caps executed actions over sliding per-minute and per-hour windows.
package ratelimit

import (
	"sync"
	"time"
)

// Occupancy is the current number of recorded actions in each window.
type Occupancy struct {
	LastMinute   int `json:"last_minute"`
	LastHour     int `json:"last_hour"`
	MaxPerMinute int `json:"max_per_minute"`
	MaxPerHour   int `json:"max_per_hour"`
}

type Limiter struct {
	mu           sync.Mutex
	maxPerMinute int
	maxPerHour   int
	minute       []time.Time
	hour         []time.Time
	now          func() time.Time
}

func New(maxPerMinute, maxPerHour int) *Limiter {
	return &Limiter{
		maxPerMinute: maxPerMinute,
		maxPerHour:   maxPerHour,
		now:          time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Record appends one action at the current time.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.minute = append(l.minute, now)
	l.hour = append(l.hour, now)
}

// IsLimited reports whether either window is at its ceiling.
func (l *Limiter) IsLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return l.limited()
}

// TryRecord records an action only when neither window is full, in one critical section.
func (l *Limiter) TryRecord() bool {
	_, ok := l.TryReserve()
	return ok
}

// Reservation is a slot taken by TryReserve. Cancel hands it back when the action did not run.
type Reservation struct {
	l  *Limiter
	at time.Time
}

// TryReserve takes a slot when neither window is full. The slot counts against both windows
// until it ages out or is cancelled.
func (l *Limiter) TryReserve() (*Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	if l.limited() {
		return nil, false
	}
	l.minute = append(l.minute, now)
	l.hour = append(l.hour, now)
	return &Reservation{l: l, at: now}, true
}

// Cancel releases the slot. It is safe to call more than once and on a nil reservation.
func (r *Reservation) Cancel() {
	if r == nil || r.l == nil {
		return
	}
	l := r.l
	r.l = nil
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minute = removeOne(l.minute, r.at)
	l.hour = removeOne(l.hour, r.at)
}

func (l *Limiter) Occupancy() Occupancy {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return Occupancy{
		LastMinute:   len(l.minute),
		LastHour:     len(l.hour),
		MaxPerMinute: l.maxPerMinute,
		MaxPerHour:   l.maxPerHour,
	}
}

// SetLimits changes the ceilings without dropping recorded actions.
func (l *Limiter) SetLimits(maxPerMinute, maxPerHour int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxPerMinute = maxPerMinute
	l.maxPerHour = maxPerHour
}

func (l *Limiter) limited() bool {
	return len(l.minute) >= l.maxPerMinute || len(l.hour) >= l.maxPerHour
}

func (l *Limiter) prune(now time.Time) {
	l.minute = trimBefore(l.minute, now.Add(-time.Minute))
	l.hour = trimBefore(l.hour, now.Add(-time.Hour))
}

// trimBefore drops leading timestamps at or before cutoff; ts is insertion ordered.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-i)
	copy(out, ts[i:])
	return out
}

// removeOne drops the last timestamp equal to at, keeping order.
func removeOne(ts []time.Time, at time.Time) []time.Time {
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Equal(at) {
			return append(ts[:i], ts[i+1:]...)
		}
	}
	return ts
}
