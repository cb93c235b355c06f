package resilience

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrPollTimeout is returned by Poll when the condition is not met within MaxWait
var ErrPollTimeout = errors.New("poll: max wait exceeded")

// PollConfig holds configuration for a bounded polling loop
type PollConfig struct {
	Interval    time.Duration // Delay between queries
	MaxWait     time.Duration // Total wait ceiling, measured from the first query
	Multiplier  float64       // Interval growth per attempt; 1.0 keeps the delay fixed
	MaxInterval time.Duration // Cap for a growing interval
}

// DefaultPollConfig returns a fixed one-second cadence with a five minute ceiling
func DefaultPollConfig() *PollConfig {
	return &PollConfig{
		Interval:    1 * time.Second,
		MaxWait:     5 * time.Minute,
		Multiplier:  1.0,
		MaxInterval: 10 * time.Second,
	}
}

// PollFunc performs one query. It reports done=true once the awaited state is reached.
type PollFunc func(ctx context.Context, attempt int) (done bool, err error)

// Poll calls fn until it reports done, returns an error, or MaxWait elapses.
//
// Elapsed time is measured on clock from just before the first call and is
// never reset. The ceiling is checked after every unfinished query, so no
// query is issued once it has been exceeded. Errors from fn are returned
// as-is without another attempt.
func Poll(ctx context.Context, clock Clock, config *PollConfig, fn PollFunc) error {
	if config == nil {
		config = DefaultPollConfig()
	}
	if clock == nil {
		clock = SystemClock{}
	}

	start := clock.Now()

	for attempt := 0; ; attempt++ {
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if clock.Now().Sub(start) > config.MaxWait {
			return ErrPollTimeout
		}

		delay := CalculateBackoff(attempt, config.Interval, config.MaxInterval, config.Multiplier)
		if err := clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// CalculateBackoff calculates the delay before the query following attempt
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	if multiplier <= 1.0 {
		return initialBackoff
	}
	backoff := float64(initialBackoff) * math.Pow(multiplier, float64(attempt))
	if maxBackoff > 0 && backoff > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(backoff)
}
