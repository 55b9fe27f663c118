package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State 表示熔断器状态
type State int

const (
	StateClosed   State = iota // 正常放行
	StateOpen                  // 直接拒绝
	StateHalfOpen              // 试探恢复
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling the protected function while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold successes in half-open close it again.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenMaxRequests caps concurrent probes.
	HalfOpenMaxRequests int
	// IsFailure decides whether an error counts against the breaker. Nil counts every error.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// Breaker 熔断器
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	inFlightProbe int
	changedAt     time.Time
}

func New(name string, config Config) *Breaker {
	b := &Breaker{name: name, config: config, now: time.Now}
	b.changedAt = b.now()
	return b
}

// WithClock replaces the time source; used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.changedAt = now()
	return b
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open. A cancelled ctx is not counted as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.release(ctx, err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.changedAt) >= b.config.OpenTimeout {
		b.transition(StateHalfOpen)
	}

	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.inFlightProbe >= b.config.HalfOpenMaxRequests {
			return ErrOpen
		}
		b.inFlightProbe++
	}
	return nil
}

func (b *Breaker) release(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.inFlightProbe > 0 {
		b.inFlightProbe--
	}

	if err != nil && ctx.Err() == nil && b.countsAsFailure(err) {
		b.failures++
		switch b.state {
		case StateHalfOpen:
			b.transition(StateOpen)
		case StateClosed:
			if b.failures >= b.config.FailureThreshold {
				b.transition(StateOpen)
			}
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) countsAsFailure(err error) bool {
	if b.config.IsFailure == nil {
		return true
	}
	return b.config.IsFailure(err)
}

func (b *Breaker) transition(to State) {
	b.state = to
	b.changedAt = b.now()
	b.successes = 0
	b.inFlightProbe = 0
	if to == StateClosed {
		b.failures = 0
	}
}

// State 获取当前状态，已到期的 open 状态报告为 half_open
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.changedAt) >= b.config.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}
