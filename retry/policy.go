// Package retry provides retry policies for workflow steps.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines the retry behavior for a step.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// 0 means no limit.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval is the maximum delay between retries.
	MaxInterval time.Duration

	// Multiplier is the factor by which the interval increases.
	Multiplier float64

	// RandomizationFactor adds jitter to the delay.
	// A value of 0.5 means the actual delay will be within [delay * 0.5, delay * 1.5].
	RandomizationFactor float64

	// NonRetryableErrors is a list of errors that should not be retried.
	// Errors are matched using errors.Is.
	NonRetryableErrors []error
}

// DefaultPolicy returns the default step policy: three attempts with
// exponential backoff.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:         3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// NoRetry returns a policy that never retries.
func NoRetry() *Policy {
	return &Policy{
		MaxAttempts: 1,
	}
}

// Fixed returns a policy with fixed delay between retries.
func Fixed(maxAttempts int, interval time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1.0,
	}
}

// Exponential returns an exponential backoff policy.
func Exponential(maxAttempts int, initial, max time.Duration, multiplier float64) *Policy {
	return &Policy{
		MaxAttempts:         maxAttempts,
		InitialInterval:     initial,
		MaxInterval:         max,
		Multiplier:          multiplier,
		RandomizationFactor: 0.5,
	}
}

// ShouldRetry returns true if the step should be attempted again.
// Fatal errors and errors in the non-retryable list stop retries
// regardless of the attempt count.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if IsFatal(err) {
		return false
	}
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return false
	}
	for _, nonRetryable := range p.NonRetryableErrors {
		if errors.Is(err, nonRetryable) {
			return false
		}
	}
	return true
}

// GetDelay calculates the delay before the next retry.
func (p *Policy) GetDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.addJitter(p.InitialInterval)
	}

	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempts-1))
	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return p.addJitter(time.Duration(delay))
}

func (p *Policy) addJitter(delay time.Duration) time.Duration {
	if p.RandomizationFactor == 0 {
		return delay
	}
	factor := 1.0 + p.RandomizationFactor*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * factor)
}

// FatalError marks an error as non-retryable: a validation rejection
// or a business rule violation where repeating the call cannot help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err so no policy retries it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf formats a non-retryable error.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err is marked non-retryable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Builder provides a fluent API for building policies.
type Builder struct {
	policy *Policy
}

// NewBuilder creates a new policy builder.
func NewBuilder() *Builder {
	return &Builder{
		policy: &Policy{
			MaxAttempts:     3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
		},
	}
}

// WithMaxAttempts sets the maximum number of attempts.
func (b *Builder) WithMaxAttempts(n int) *Builder {
	b.policy.MaxAttempts = n
	return b
}

// WithInitialInterval sets the initial retry interval.
func (b *Builder) WithInitialInterval(d time.Duration) *Builder {
	b.policy.InitialInterval = d
	return b
}

// WithMaxInterval sets the maximum retry interval.
func (b *Builder) WithMaxInterval(d time.Duration) *Builder {
	b.policy.MaxInterval = d
	return b
}

// WithMultiplier sets the backoff multiplier.
func (b *Builder) WithMultiplier(m float64) *Builder {
	b.policy.Multiplier = m
	return b
}

// WithJitter sets the randomization factor.
func (b *Builder) WithJitter(factor float64) *Builder {
	b.policy.RandomizationFactor = factor
	return b
}

// WithNonRetryableErrors sets errors that should not trigger retries.
func (b *Builder) WithNonRetryableErrors(errs ...error) *Builder {
	b.policy.NonRetryableErrors = errs
	return b
}

// Build returns the configured policy.
func (b *Builder) Build() *Policy {
	return b.policy
}
