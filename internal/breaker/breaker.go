package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the call was short-circuited
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds breaker thresholds
type Config struct {
	// FailureRateThreshold in percent; the breaker opens when the rate strictly exceeds it
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	// WindowSize is the number of trailing call outcomes the rate is computed over
	WindowSize int `yaml:"window_size"`
	// Cooldown is how long the breaker stays open before admitting a trial call
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the reference configuration
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold: 50,
		WindowSize:           10,
		Cooldown:             30 * time.Second,
	}
}

// TransitionFunc observes state changes
type TransitionFunc func(name string, from, to State)

// Breaker is a count-based circuit breaker.
// The failure rate is failures among the last WindowSize outcomes divided by WindowSize,
// so a burst of failures can open it before the window has filled.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	outcomes []bool // ring buffer, true = failure
	next     int
	filled   int
	failures int
	openedAt time.Time
	trialOut bool

	onTransition TransitionFunc
}

type Option func(*Breaker)

// WithClock replaces time.Now - For Test
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithTransitionFunc registers an observer invoked after every state change
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// New creates a closed breaker
func New(name string, config Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if config.WindowSize <= 0 {
		config.WindowSize = def.WindowSize
	}
	if config.FailureRateThreshold <= 0 {
		config.FailureRateThreshold = def.FailureRateThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}

	b := &Breaker{
		name:     name,
		config:   config,
		now:      time.Now,
		state:    StateClosed,
		outcomes: make([]bool, config.WindowSize),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports open until a call claims the half-open trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the breaker admits the call and records its outcome.
// It returns ErrOpen without running fn when the call is short-circuited.
func (b *Breaker) Execute(fn func() error) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}

	callErr := fn()
	b.record(trial, callErr != nil)
	return callErr
}

// acquire decides whether a call may proceed and whether it is the half-open trial
func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return false, ErrOpen
		}
		b.transition(StateHalfOpen)
		b.trialOut = true
		return true, nil
	case StateHalfOpen:
		if b.trialOut {
			return false, ErrOpen
		}
		b.trialOut = true
		return true, nil
	}
	return false, ErrOpen
}

func (b *Breaker) record(trial, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialOut = false
		if failed {
			b.openedAt = b.now()
			b.transition(StateOpen)
		} else {
			b.reset()
			b.transition(StateClosed)
		}
		return
	}

	// outcome of a call admitted while closed that finished after a transition
	if b.state != StateClosed {
		return
	}

	if b.filled == len(b.outcomes) && b.outcomes[b.next] {
		b.failures--
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
	if b.filled < len(b.outcomes) {
		b.filled++
	}

	if b.failureRate() > b.config.FailureRateThreshold {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

func (b *Breaker) failureRate() float64 {
	return float64(b.failures) / float64(len(b.outcomes)) * 100
}

func (b *Breaker) reset() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next = 0
	b.filled = 0
	b.failures = 0
}

// transition must be called with mu held
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateOpen {
		b.reset()
	}
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
