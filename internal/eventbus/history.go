package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring struct {
	buf   []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(ev Event) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// each visits entries oldest first.
func (r *ring) each(fn func(Event)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}

// HistoryFilter narrows History. Zero fields match everything.
type HistoryFilter struct {
	Type          EventType
	Source        string
	OrgID         string
	CorrelationID string
	Since         time.Time
}

// Match reports whether ev passes every set field.
func (f HistoryFilter) Match(ev Event) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	if f.OrgID != "" && ev.OrgID != f.OrgID {
		return false
	}
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// History returns matching events oldest first. A positive limit keeps only the most recent ones.
func (b *Bus) History(filter HistoryFilter, limit int) []Event {
	b.histMu.RLock()
	defer b.histMu.RUnlock()

	out := make([]Event, 0, b.history.size)
	b.history.each(func(ev Event) {
		if filter.Match(ev) {
			out = append(out, ev)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// HistoryEvent looks an event up by id.
func (b *Bus) HistoryEvent(id string) (Event, bool) {
	b.histMu.RLock()
	defer b.histMu.RUnlock()

	var found Event
	var ok bool
	b.history.each(func(ev Event) {
		if ev.ID == id {
			found, ok = ev, true
		}
	})
	return found, ok
}

// Replay re-dispatches events under fresh ids, tagged with replayed=true and the original id
// and timestamp. Replays are not appended to history.
func (b *Bus) Replay(ctx context.Context, events []Event) []EmitResult {
	results := make([]EmitResult, 0, len(events))
	for _, orig := range events {
		ev := orig
		ev.ID = uuid.NewString()
		ev.Timestamp = b.now()
		ev.Metadata = make(map[string]string, len(orig.Metadata)+3)
		for k, v := range orig.Metadata {
			ev.Metadata[k] = v
		}
		ev.Metadata["replayed"] = "true"
		ev.Metadata["original_event_id"] = orig.ID
		ev.Metadata["original_timestamp"] = orig.Timestamp.Format(time.RFC3339Nano)
		results = append(results, b.dispatch(ctx, ev))
	}
	return results
}
