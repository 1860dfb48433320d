// Package retry defines the named retry strategies used by the collection engine.
package retry

import (
	"math"
	"time"

	"github.com/jpillora/backoff"

	"github.com/vietddude/collector/internal/core/domain"
)

// Policy fixes the retry budget of a task and how long to wait between retries.
type Policy struct {
	Kind domain.PolicyKind

	// MaxAttempts caps the task's MaxRetryCount. 0 leaves the task bound as is.
	MaxAttempts int

	// Mode is used when the task does not choose one itself.
	Mode domain.RetryMode

	delay func(n int) time.Duration
}

// Delay returns the wait before retry n (0-indexed).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if p.delay == nil {
		return 0
	}
	return p.delay(n)
}

// ModeFor resolves the retry mode for task.
func (p Policy) ModeFor(task *domain.Task) domain.RetryMode {
	if task.RetryMode != domain.RetryModeDefault {
		return task.RetryMode
	}
	if p.Mode == domain.RetryModeDefault {
		return domain.RetryModeScheduled
	}
	return p.Mode
}

// Budget is the total number of attempts task may use before it fails.
func (p Policy) Budget(task *domain.Task) int {
	budget := task.MaxRetryCount
	if p.MaxAttempts > 0 && p.MaxAttempts < budget {
		budget = p.MaxAttempts
	}
	if budget < 0 {
		return 0
	}
	return budget
}

// AttemptsFor returns how many attempts a single invocation of task may make.
// Scheduled mode always makes one; in-call mode spends the remaining budget.
// It is never less than one.
func (p Policy) AttemptsFor(task *domain.Task) int {
	if p.ModeFor(task) != domain.RetryModeInCall {
		return 1
	}
	remaining := p.Budget(task) - task.CurrentRetryCount
	if remaining < 1 {
		return 1
	}
	return remaining
}

// QuickConfig configures the connectivity probe policy.
type QuickConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// StandardConfig configures the default scheduled collection policy.
type StandardConfig struct {
	MaxDelay time.Duration `yaml:"max_delay"`
}

// ExponentialConfig configures the policy for known-flaky hosts.
type ExponentialConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
}

// LongConfig configures the background, low-priority policy.
type LongConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// Config holds all policy parameters.
type Config struct {
	Default     domain.PolicyKind `yaml:"default"`
	Quick       QuickConfig       `yaml:"quick"`
	Standard    StandardConfig    `yaml:"standard"`
	Exponential ExponentialConfig `yaml:"exponential"`
	Long        LongConfig        `yaml:"long"`
}

// DefaultConfig returns the stock policy parameters.
func DefaultConfig() Config {
	return Config{
		Default: domain.PolicyStandard,
		Quick: QuickConfig{
			MaxAttempts: 2,
			Delay:       500 * time.Millisecond,
		},
		Standard: StandardConfig{
			MaxDelay: time.Hour,
		},
		Exponential: ExponentialConfig{
			MaxAttempts: 5,
			MinDelay:    2 * time.Second,
			MaxDelay:    5 * time.Minute,
			Factor:      2,
		},
		Long: LongConfig{
			MaxAttempts: 10,
			Delay:       30 * time.Second,
		},
	}
}

// Quick retries a probe once more after a fixed sub-second delay, in-call.
func Quick(cfg QuickConfig) Policy {
	d := cfg.Delay
	return Policy{
		Kind:        domain.PolicyQuick,
		MaxAttempts: cfg.MaxAttempts,
		Mode:        domain.RetryModeInCall,
		delay:       func(int) time.Duration { return d },
	}
}

// Standard waits 2^n seconds before retry n, bounded by MaxDelay.
func Standard(cfg StandardConfig) Policy {
	maxDelay := cfg.MaxDelay
	return Policy{
		Kind: domain.PolicyStandard,
		Mode: domain.RetryModeScheduled,
		delay: func(n int) time.Duration {
			if n > 30 {
				n = 30
			}
			d := time.Duration(math.Pow(2, float64(n))) * time.Second
			if maxDelay > 0 && d > maxDelay {
				return maxDelay
			}
			return d
		},
	}
}

// Exponential follows the same growth law with a larger base and ceiling.
func Exponential(cfg ExponentialConfig) Policy {
	b := &backoff.Backoff{
		Min:    cfg.MinDelay,
		Max:    cfg.MaxDelay,
		Factor: cfg.Factor,
	}
	return Policy{
		Kind:        domain.PolicyExponential,
		MaxAttempts: cfg.MaxAttempts,
		Mode:        domain.RetryModeScheduled,
		delay: func(n int) time.Duration {
			return b.ForAttempt(float64(n))
		},
	}
}

// Long waits a fixed, larger delay and allows more attempts.
func Long(cfg LongConfig) Policy {
	d := cfg.Delay
	return Policy{
		Kind:        domain.PolicyLong,
		MaxAttempts: cfg.MaxAttempts,
		Mode:        domain.RetryModeScheduled,
		delay:       func(int) time.Duration { return d },
	}
}
