package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMinuteWindowSlides(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := New(3, 100).WithClock(clock.Now)

	l.Record()
	clock.Advance(20 * time.Second)
	l.Record()
	clock.Advance(20 * time.Second)
	l.Record()

	if !l.IsLimited() {
		t.Fatal("expected limited after maxPerMinute actions")
	}

	// oldest action is now 59s old
	clock.Advance(19 * time.Second)
	if !l.IsLimited() {
		t.Fatal("expected still limited before the oldest action ages out")
	}

	clock.Advance(2 * time.Second)
	if l.IsLimited() {
		t.Fatal("expected one slot after the oldest action aged past 60s")
	}
	if !l.TryRecord() {
		t.Fatal("TryRecord should admit one more action")
	}
	if l.TryRecord() {
		t.Fatal("TryRecord should refuse when the window is full again")
	}
}

func TestHourWindowLimitsIndependently(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := New(10, 3).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		l.Record()
		clock.Advance(2 * time.Minute)
	}
	if !l.IsLimited() {
		t.Fatal("expected hour window to limit")
	}
	occ := l.Occupancy()
	if occ.LastMinute != 0 || occ.LastHour != 3 {
		t.Fatalf("occupancy = %+v, want minute=0 hour=3", occ)
	}

	clock.Advance(55 * time.Minute)
	if l.IsLimited() {
		t.Fatal("expected hour window to admit after oldest aged out")
	}
}

func TestTryRecordIsAtomicUnderConcurrency(t *testing.T) {
	l := New(50, 1000)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryRecord() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 50 {
		t.Fatalf("admitted = %d, want 50", admitted)
	}
}

func TestReservationCancelReleasesSlot(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := New(1, 10).WithClock(clock.Now)

	r, ok := l.TryReserve()
	if !ok {
		t.Fatal("first reservation should be admitted")
	}
	if _, ok := l.TryReserve(); ok {
		t.Fatal("second reservation should be limited")
	}
	r.Cancel()
	r.Cancel()
	if occ := l.Occupancy(); occ.LastMinute != 0 || occ.LastHour != 0 {
		t.Fatalf("occupancy after cancel = %+v", occ)
	}
	if _, ok := l.TryReserve(); !ok {
		t.Fatal("cancelled slot should be reusable")
	}

	var nilRes *Reservation
	nilRes.Cancel()
}
