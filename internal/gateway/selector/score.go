package selector

import (
	"time"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
)

// Score weights (sum to 1.0)
const (
	weightQuota   = 0.35
	weightHealth  = 0.25
	weightRecency = 0.15
	weightSuccess = 0.25

	dailyBias  = 0.7
	minuteBias = 0.3

	// successPrior is used until minObservations calls have been seen
	successPrior    = 0.9
	minObservations = 10

	failurePenalty = 0.1

	recentFailureWindow = 60 * time.Second
	recentFailureScore  = 0.2
	failureForgotten    = 15 * time.Minute
)

func ratio(remaining, limit int) float64 {
	if limit <= 0 {
		return 1
	}
	r := float64(remaining) / float64(limit)
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// quotaHeadroom blends remaining daily and minute quota, biased toward daily
func quotaHeadroom(inst *models.Instance) float64 {
	return dailyBias*ratio(inst.RemainingDaily, inst.DailyQuota) +
		minuteBias*ratio(inst.RemainingMinute, inst.MinuteQuota)
}

// recency is 0.2 inside the first minute after a failure and climbs linearly to 1.0 at 15 minutes
func recency(inst *models.Instance, now time.Time) float64 {
	if inst.LastFailureAt == nil {
		return 1
	}
	since := now.Sub(*inst.LastFailureAt)
	switch {
	case since < recentFailureWindow:
		return recentFailureScore
	case since >= failureForgotten:
		return 1
	}
	progress := float64(since-recentFailureWindow) / float64(failureForgotten-recentFailureWindow)
	return recentFailureScore + (1-recentFailureScore)*progress
}

func successRate(inst *models.Instance) float64 {
	if inst.TotalRequests < minObservations {
		return successPrior
	}
	return float64(inst.TotalSuccesses) / float64(inst.TotalRequests)
}

// exhausted reports zero remaining daily quota; a non-positive limit means unlimited
func exhausted(inst *models.Instance) bool {
	return inst.DailyQuota > 0 && inst.RemainingDaily <= 0
}

// Score rates an instance in [0,1]. Blocked or exhausted instances always score 0.
func Score(inst *models.Instance, cred *models.Credential, now time.Time) float64 {
	if inst.BlockActive(now) || exhausted(inst) {
		return 0
	}
	if cred != nil && cred.BlockActive(now) {
		return 0
	}

	health := float64(inst.HealthScore) / float64(models.MaxHealth)
	if health < 0 {
		health = 0
	}

	positive := weightQuota*quotaHeadroom(inst) +
		weightHealth*health +
		weightRecency*recency(inst, now) +
		weightSuccess*successRate(inst)

	penalty := failurePenalty * float64(inst.ConsecutiveFailures)
	if penalty > positive {
		penalty = positive
	}
	return positive - penalty
}
