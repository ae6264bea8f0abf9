// Package ratelimit implements the per-credential minute/day quota counters
// with an optimistic reserve/release protocol over Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/metrics"
	redisclient "github.com/mrmushfiq/llm0-smart-gateway/internal/shared/redis"
)

const (
	keyPrefix    = "quota:"
	minuteWindow = 60 * time.Second
)

// Rejection reasons
const (
	ReasonOK     = "ok"
	ReasonMinute = "minute"
	ReasonDaily  = "daily"
)

// InstanceScope is the per-instance minute window; credentials use their bare id
func InstanceScope(instanceID string) string {
	return "instance:" + instanceID
}

// CallerScope is the per-caller window enforced at the HTTP edge
func CallerScope(userID string) string {
	return "caller:" + userID
}

// Reservation is the outcome of Reserve. An allowed reservation must either be
// spent (the call reached the provider and succeeded) or passed to Release.
type Reservation struct {
	Scope       string
	Allowed     bool
	Reason      string
	MinuteCount int64
	DailyCount  int64

	minuteKey string
	dayKey    string
}

// Limiter is the Redis-backed quota counter
type Limiter struct {
	client  *redisclient.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source (date keys and day expiry)
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records rejections
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter
func New(client *redisclient.Client, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		client: client,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func minuteKey(scope string) string {
	return keyPrefix + scope + ":minute"
}

func dayKey(scope string, day time.Time) string {
	return keyPrefix + scope + ":day:" + day.Format("2006-01-02")
}

// nextUTCMidnight is when the daily counter for now's date expires
func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// Reserve atomically takes one unit from both windows of scope.
// A limit <= 0 disables that window's check (the counter still advances).
func (l *Limiter) Reserve(ctx context.Context, scope string, minuteLimit, dailyLimit int) (*Reservation, error) {
	now := l.now().UTC()
	r := &Reservation{
		Scope:     scope,
		minuteKey: minuteKey(scope),
		dayKey:    dayKey(scope, now),
	}

	res, err := l.client.RunScript(ctx, reserveScript,
		[]string{r.minuteKey, r.dayKey},
		minuteLimit, dailyLimit, int(minuteWindow.Seconds()), nextUTCMidnight(now).Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", scope, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return nil, fmt.Errorf("reserve %s: unexpected script result %v", scope, res)
	}
	allowed, _ := vals[0].(int64)
	r.Allowed = allowed == 1
	r.Reason, _ = vals[1].(string)
	r.MinuteCount, _ = vals[2].(int64)
	r.DailyCount, _ = vals[3].(int64)

	if !r.Allowed {
		l.metrics.RecordQuotaRejection(r.Reason)
		l.logger.Debug("quota reservation rejected",
			zap.String("scope", scope),
			zap.String("reason", r.Reason),
			zap.Int64("minute_count", r.MinuteCount),
			zap.Int64("daily_count", r.DailyCount),
		)
	}
	return r, nil
}

// Release returns an allowed reservation's unit to both windows.
// Releasing a rejected or nil reservation is a no-op.
func (l *Limiter) Release(ctx context.Context, r *Reservation) error {
	if r == nil || !r.Allowed {
		return nil
	}
	if _, err := l.client.RunScript(ctx, releaseScript, []string{r.minuteKey, r.dayKey}); err != nil {
		return fmt.Errorf("release %s: %w", r.Scope, err)
	}
	return nil
}

// Usage reads the current minute and daily counters for scope
func (l *Limiter) Usage(ctx context.Context, scope string) (minute, daily int64, err error) {
	minute, err = l.client.GetInt(ctx, minuteKey(scope))
	if err != nil {
		return 0, 0, err
	}
	daily, err = l.client.GetInt(ctx, dayKey(scope, l.now().UTC()))
	if err != nil {
		return 0, 0, err
	}
	return minute, daily, nil
}
