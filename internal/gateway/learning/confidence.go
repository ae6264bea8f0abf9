package learning

import (
	"time"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
)

const (
	confidenceFailureStep = 0.2
	lowRemainingDaily     = 10
)

// Confidence estimates the probability the instance succeeds if tried next.
// Blocked or exhausted instances are 0.
func Confidence(inst *models.Instance, now time.Time) float64 {
	if inst.BlockActive(now) {
		return 0
	}
	limited := inst.DailyQuota > 0
	if limited && inst.RemainingDaily <= 0 {
		return 0
	}

	c := float64(clampHealth(inst.HealthScore)) / float64(models.MaxHealth)
	factor := 1 - confidenceFailureStep*float64(inst.ConsecutiveFailures)
	if factor < 0 {
		factor = 0
	}
	c *= factor
	if limited && inst.RemainingDaily < lowRemainingDaily {
		c /= 2
	}
	return c
}

func clampHealth(h int) int {
	switch {
	case h < 0:
		return 0
	case h > models.MaxHealth:
		return models.MaxHealth
	}
	return h
}
