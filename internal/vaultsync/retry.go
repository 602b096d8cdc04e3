package vaultsync

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig bounds the backoff loop around cloud transmissions.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
	RetryIf           func(error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

type Retryer struct {
	config RetryConfig
}

func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0.1
	}
	return &Retryer{config: config}
}

// RetryResult reports how many attempts ran and the final error, if any.
type RetryResult struct {
	Attempts int
	LastErr  error
}

// Do runs op until it succeeds, exhausts attempts, hits a non-retryable
// error, or the context is canceled.
func (r *Retryer) Do(ctx context.Context, op func() error) RetryResult {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return RetryResult{Attempts: attempt}
		}
		if r.config.RetryIf != nil && !r.config.RetryIf(lastErr) {
			return RetryResult{Attempts: attempt, LastErr: lastErr}
		}
		if attempt == r.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return RetryResult{Attempts: attempt, LastErr: ctx.Err()}
		case <-time.After(r.addJitter(backoff)):
		}
		backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}
	return RetryResult{Attempts: r.config.MaxAttempts, LastErr: lastErr}
}

func (r *Retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	spread := float64(d) * r.config.Jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
