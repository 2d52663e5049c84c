package usecase

import (
	"context"
	"time"

	"gmail-bridge/internal/bridge/domain"
)

const baseRetryDelay = time.Second

// withBackoff runs op until it succeeds, fails with a non retryable error, or
// the next wait would exceed budget. Waits double from baseRetryDelay.
func withBackoff(ctx context.Context, budget time.Duration, op func() error) error {
	delay := baseRetryDelay
	var waited time.Duration
	for {
		err := op()
		if err == nil || !domain.IsRetryable(err) {
			return err
		}
		if waited+delay > budget {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		waited += delay
		delay *= 2
	}
}
