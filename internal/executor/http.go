package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/webtimer/internal/model"
)

// DefaultMaxBodyBytes caps how much of a response body is retained for
// hashing and history when no explicit limit is configured.
const DefaultMaxBodyBytes = 1 << 20 // 1MB

// Config defines executor-wide settings shared by all schedules.
type Config struct {
	UserAgent    string
	MaxBodyBytes int64
}

// HTTPExecutor performs one HTTP attempt bounded by the schedule's
// timeout. 2xx responses are successes; anything else, including
// redirect and client-error statuses, is an attempt failure eligible
// for retry.
type HTTPExecutor struct {
	logger *zap.Logger
	client *http.Client
	config Config
}

// NewHTTPExecutor creates an executor backed by a shared HTTP client.
// Redirects are not followed so that non-2xx policy applies uniformly.
func NewHTTPExecutor(logger *zap.Logger, config Config) *HTTPExecutor {
	if config.UserAgent == "" {
		config.UserAgent = "webtimer/1.0"
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &HTTPExecutor{
		logger: logger.Named("executor"),
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: config,
	}
}

// Execute performs a single attempt. It never returns an error: every
// outcome, including transport failures and timeouts, is expressed as
// an AttemptResult so the retry runner and history see the same shape.
func (e *HTTPExecutor) Execute(ctx context.Context, schedule *model.Schedule, requestID string, attempt int) *model.AttemptResult {
	result := &model.AttemptResult{
		RequestID:  requestID,
		ScheduleID: schedule.ID,
		Timestamp:  time.Now(),
		Attempt:    attempt,
	}

	timeout := schedule.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if schedule.Body != "" {
		body = strings.NewReader(schedule.Body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(schedule.Method), schedule.URL, body)
	if err != nil {
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		return result
	}

	req.Header.Set("User-Agent", e.config.UserAgent)
	for key, value := range schedule.Headers {
		req.Header.Set(key, value)
	}

	e.logger.Debug("Sending request",
		zap.String("schedule_id", schedule.ID),
		zap.String("method", schedule.Method),
		zap.String("url", schedule.URL),
		zap.Int("attempt", attempt))

	start := time.Now()
	resp, err := e.client.Do(req)
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain without retaining: failed attempts carry no comparable body.
		io.Copy(io.Discard, io.LimitReader(resp.Body, e.config.MaxBodyBytes))
		result.Error = fmt.Sprintf("unexpected status: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		return result
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxBodyBytes))
	if err != nil {
		result.Error = fmt.Sprintf("failed to read response: %v", err)
		return result
	}

	result.Success = true
	result.Body = data
	return result
}
