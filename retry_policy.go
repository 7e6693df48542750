package metabase

import (
	"context"
	"time"

	"github.com/ambiyansyah-risyal/metabase/internal/backoff"
)

// BackoffStrategy selects the delay curve between attempts.
type BackoffStrategy int

const (
	// ExponentialJitter doubles the delay per attempt, optionally scaled by
	// a random factor in [0.5, 1.0].
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter picks a random delay that grows by up to 3x.
	DecorrelatedJitter
)

func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialJitter:
		return "exponential"
	case DecorrelatedJitter:
		return "decorrelated"
	default:
		return "unknown"
	}
}

// ParseBackoffStrategy maps a config value to a BackoffStrategy.
func ParseBackoffStrategy(name string) (BackoffStrategy, error) {
	switch name {
	case "", "exponential":
		return ExponentialJitter, nil
	case "decorrelated":
		return DecorrelatedJitter, nil
	default:
		return ExponentialJitter, newValidationError("unknown backoff strategy %q", name)
	}
}

// RetryPolicy bounds how often and how patiently an operation is retried.
// MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	Strategy    BackoffStrategy
	// Classifier overrides DefaultClassifier when set.
	Classifier Classifier
}

// DefaultRetryPolicy returns three attempts with jittered exponential
// backoff from 100ms up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
		Strategy:    ExponentialJitter,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	var errs []string
	if p.MaxAttempts < 1 {
		errs = append(errs, "max attempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		errs = append(errs, "base delay cannot be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		errs = append(errs, "max delay cannot be less than base delay")
	}
	if p.Strategy != ExponentialJitter && p.Strategy != DecorrelatedJitter {
		errs = append(errs, "unknown backoff strategy")
	}
	if len(errs) > 0 {
		return newValidationError("invalid retry policy: %v", errs)
	}
	return nil
}

func (p RetryPolicy) classifier() Classifier {
	if p.Classifier != nil {
		return p.Classifier
	}
	return DefaultClassifier
}

// RetryState is a state of the retry state machine.
type RetryState int

const (
	RetryAttempting RetryState = iota
	RetryBackoff
	RetryExhausted
	RetryDone
)

func (s RetryState) String() string {
	switch s {
	case RetryAttempting:
		return "attempting"
	case RetryBackoff:
		return "backoff"
	case RetryExhausted:
		return "exhausted"
	case RetryDone:
		return "done"
	default:
		return "unknown"
	}
}

// RetryEvent is emitted on every state transition.
type RetryEvent struct {
	Operation string
	State     RetryState
	Attempt   int
	Delay     time.Duration
	Outcome   Outcome
}

// RetryObserver receives RetryEvents synchronously.
type RetryObserver func(RetryEvent)

// Operation is one retryable unit of work. Call is invoked once per attempt
// and must build a fresh request each time.
type Operation struct {
	Name       string
	Idempotent bool
	Call       func(ctx context.Context) (*Response, error)
}

// RetryExecutor runs operations under a RetryPolicy. It is safe for
// concurrent use and holds no per-operation state.
type RetryExecutor struct {
	policy         RetryPolicy
	backoff        *backoff.Calculator
	sleep          SleepFunc
	attemptTimeout time.Duration
	observer       RetryObserver
	clock          Clock
}

// RetryOption configures a RetryExecutor.
type RetryOption func(*retryConfig)

type retryConfig struct {
	rnd            func() float64
	sleep          SleepFunc
	attemptTimeout time.Duration
	observer       RetryObserver
	clock          Clock
}

// WithRetryRand injects the random source used for jitter.
func WithRetryRand(rnd func() float64) RetryOption {
	return func(c *retryConfig) { c.rnd = rnd }
}

// WithRetrySleep injects the suspension primitive used between attempts.
func WithRetrySleep(sleep SleepFunc) RetryOption {
	return func(c *retryConfig) { c.sleep = sleep }
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.attemptTimeout = d }
}

// WithRetryClock sets the clock used to resolve Retry-After dates.
func WithRetryClock(clock Clock) RetryOption {
	return func(c *retryConfig) { c.clock = clock }
}

// WithRetryObserver registers a callback for state transitions.
func WithRetryObserver(observer RetryObserver) RetryOption {
	return func(c *retryConfig) { c.observer = observer }
}

// NewRetryExecutor creates an executor for policy.
func NewRetryExecutor(policy RetryPolicy, opts ...RetryOption) *RetryExecutor {
	cfg := retryConfig{sleep: SleepContext}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sleep == nil {
		cfg.sleep = SleepContext
	}
	if cfg.clock == nil {
		cfg.clock = SystemClock
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var calc *backoff.Calculator
	switch policy.Strategy {
	case DecorrelatedJitter:
		calc = backoff.NewDecorrelated(cfg.rnd)
	default:
		calc = backoff.NewExponential(cfg.rnd)
	}

	return &RetryExecutor{
		policy:         policy,
		backoff:        calc,
		sleep:          cfg.sleep,
		attemptTimeout: cfg.attemptTimeout,
		observer:       cfg.observer,
		clock:          cfg.clock,
	}
}

// Policy returns the executor's policy.
func (e *RetryExecutor) Policy() RetryPolicy { return e.policy }

// Execute runs op until it succeeds, fails permanently, or the attempt
// budget is spent. The returned response is the last one received, which
// may be nil. Cancellation of ctx ends the loop with a permanent outcome
// wrapping ctx.Err().
func (e *RetryExecutor) Execute(ctx context.Context, op Operation) (*Response, Outcome) {
	var (
		resp    *Response
		outcome Outcome
		attempt = 1
		state   = RetryAttempting
	)

	for {
		switch state {
		case RetryAttempting:
			e.emit(op, state, attempt, 0, Outcome{})
			resp, outcome = e.attempt(ctx, op)
			outcome.Attempts = attempt

			switch {
			case outcome.Kind != OutcomeTransient:
				state = RetryDone
			case attempt >= e.policy.MaxAttempts:
				state = RetryExhausted
			default:
				state = RetryBackoff
			}

		case RetryBackoff:
			delay := e.delay(attempt, outcome)
			e.emit(op, state, attempt, delay, outcome)
			if err := e.sleep(ctx, delay); err != nil {
				outcome = canceledOutcome(err, attempt)
				resp = nil
				state = RetryDone
				continue
			}
			attempt++
			state = RetryAttempting

		case RetryExhausted:
			e.emit(op, state, attempt, 0, outcome)
			return resp, outcome

		case RetryDone:
			e.emit(op, state, attempt, 0, outcome)
			return resp, outcome
		}
	}
}

func (e *RetryExecutor) attempt(ctx context.Context, op Operation) (*Response, Outcome) {
	if err := ctx.Err(); err != nil {
		return nil, canceledOutcome(err, 0)
	}

	actx := ctx
	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}

	resp, err := op.Call(actx)
	if err != nil && ctx.Err() != nil {
		return nil, canceledOutcome(ctx.Err(), 0)
	}
	outcome := e.policy.classifier()(resp, err, op.Idempotent)
	if outcome.Kind == OutcomeTransient && outcome.RetryAfter == 0 && resp != nil {
		outcome.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), e.clock.Now())
	}
	return resp, outcome
}

// delay honors a server supplied Retry-After, capped at MaxDelay.
func (e *RetryExecutor) delay(attempt int, outcome Outcome) time.Duration {
	if outcome.RetryAfter > 0 {
		if outcome.RetryAfter > e.policy.MaxDelay {
			return e.policy.MaxDelay
		}
		return outcome.RetryAfter
	}
	return e.backoff.Delay(attempt, e.policy.BaseDelay, e.policy.MaxDelay, e.policy.Jitter)
}

func (e *RetryExecutor) emit(op Operation, state RetryState, attempt int, delay time.Duration, outcome Outcome) {
	if e.observer == nil {
		return
	}
	e.observer(RetryEvent{
		Operation: op.Name,
		State:     state,
		Attempt:   attempt,
		Delay:     delay,
		Outcome:   outcome,
	})
}

func canceledOutcome(err error, attempt int) Outcome {
	return Outcome{
		Kind:     OutcomePermanent,
		Reason:   "canceled",
		Attempts: attempt,
		Err:      err,
	}
}
