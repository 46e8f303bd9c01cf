package executor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/webtimer/internal/model"
)

// Attempter performs one HTTP attempt for a schedule.
type Attempter interface {
	Execute(ctx context.Context, schedule *model.Schedule, requestID string, attempt int) *model.AttemptResult
}

// RetryRunner drives a schedule's full retry sequence: up to
// retry_count+1 attempts with a fixed delay between them, stopping at
// the first success. Attempts are strictly ordered.
type RetryRunner struct {
	logger    *zap.Logger
	attempter Attempter
}

// NewRetryRunner creates a retry runner around the given attempter.
func NewRetryRunner(logger *zap.Logger, attempter Attempter) *RetryRunner {
	return &RetryRunner{
		logger:    logger.Named("retry"),
		attempter: attempter,
	}
}

// Run executes one firing. It returns every attempt in order plus the
// final attempt, which decides the firing's outcome. All attempts of
// one firing share a request id.
func (r *RetryRunner) Run(ctx context.Context, schedule *model.Schedule) ([]*model.AttemptResult, *model.AttemptResult) {
	requestID := uuid.New().String()
	maxAttempts := schedule.RetryCount + 1

	var attempts []*model.AttemptResult
	var final *model.AttemptResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		final = r.attempter.Execute(ctx, schedule, requestID, attempt)
		attempts = append(attempts, final)

		if final.Success {
			if attempt > 1 {
				r.logger.Info("Request succeeded after retry",
					zap.String("schedule_id", schedule.ID),
					zap.String("request_id", requestID),
					zap.Int("attempt", attempt))
			}
			break
		}

		r.logger.Warn("Request attempt failed",
			zap.String("schedule_id", schedule.ID),
			zap.String("request_id", requestID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.String("error", final.Error))

		if attempt == maxAttempts {
			break
		}
		if !sleepContext(ctx, schedule.RetryDelay) {
			break
		}
	}

	return attempts, final
}

// sleepContext waits for d, returning false if the context ends first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
