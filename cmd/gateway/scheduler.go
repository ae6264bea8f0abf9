package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// maintainer is the subset of the outcome recorder the scheduler drives
type maintainer interface {
	RefreshBlocked(ctx context.Context) (int, error)
	ResetMinuteQuotas(ctx context.Context) (int, error)
	ResetDailyQuotas(ctx context.Context) (int, error)
}

// runScheduler runs the minute jobs every tick and the daily reset once per UTC date change
func runScheduler(ctx context.Context, m maintainer, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	day := time.Now().UTC().Format("2006-01-02")
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			day = tick(ctx, m, logger, t.UTC(), day)
		}
	}
}

// tick runs one round and returns the UTC date it ran for
func tick(ctx context.Context, m maintainer, logger *zap.Logger, now time.Time, lastDay string) string {
	if n, err := m.RefreshBlocked(ctx); err != nil {
		logger.Error("refresh blocked failed", zap.Error(err))
	} else if n > 0 {
		logger.Debug("unblocked expired instances", zap.Int("count", n))
	}
	if _, err := m.ResetMinuteQuotas(ctx); err != nil {
		logger.Error("minute quota reset failed", zap.Error(err))
	}

	today := now.Format("2006-01-02")
	if today == lastDay {
		return lastDay
	}
	n, err := m.ResetDailyQuotas(ctx)
	if err != nil {
		logger.Error("daily quota reset failed", zap.Error(err))
		return lastDay
	}
	logger.Info("daily quotas reset", zap.String("date", today), zap.Int("instances", n))
	return today
}
