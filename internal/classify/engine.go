// Package classify is the pattern-based intent detector, entity extractor and priority scorer
// used for scheduling-domain inputs.
package classify

import (
	"time"
)

// Engine holds the clock and location relative dates are resolved against.
type Engine struct {
	now func() time.Time
	loc *time.Location
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now, loc: time.Local}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analysis bundles the three classifier outputs for one text.
type Analysis struct {
	Intent   Intent            `json:"intent"`
	Entities ExtractedEntities `json:"entities"`
	Priority int               `json:"priority"`
}

func (e *Engine) Analyze(text string) Analysis {
	entities := e.ExtractEntities(text)
	return Analysis{
		Intent:   e.DetectIntent(text),
		Entities: entities,
		Priority: e.CalculatePriority(text, entities),
	}
}

// today returns local midnight of the engine clock.
func (e *Engine) today() time.Time {
	n := e.now().In(e.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, e.loc)
}
