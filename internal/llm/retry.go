package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

// ErrStopped is returned when the stop channel closes between attempts.
var ErrStopped = errors.New("llm call abandoned after cancellation")

// RetryPolicy bounds retries of retryable gateway failures.
type RetryPolicy struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// DefaultRetryPolicy returns three attempts with 500ms..5s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// Call invokes g, retrying retryable failures with exponential backoff. When
// stop closes, no further attempt starts; an attempt already in flight is
// allowed to finish. onRetry, if set, observes each failed attempt before
// the backoff wait.
func (p RetryPolicy) Call(ctx context.Context, stop <-chan struct{}, g Gateway, messages []Message, onRetry func(attempt int, err error, wait time.Duration)) (string, int, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if stop != nil {
		go func() {
			select {
			case <-stop:
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	var (
		text    string
		tokens  int
		attempt int
	)
	op := func() error {
		if stopped(stop) {
			return backoff.Permanent(ErrStopped)
		}
		attempt++
		t, n, err := g.Call(ctx, messages)
		tokens += n
		if err != nil {
			if !state.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		text = t
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.LLMRetries.Inc()
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(p.backOff(), waitCtx), notify)
	if err != nil && stopped(stop) && ctx.Err() == nil {
		return "", tokens, ErrStopped
	}
	return text, tokens, err
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
