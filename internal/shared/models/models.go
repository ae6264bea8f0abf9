package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Usage log statuses
const (
	StatusSuccess       = "success"
	StatusError         = "error"
	StatusQuotaExceeded = "quota_exceeded"
	StatusTimeout       = "timeout"
	StatusRateLimited   = "rate_limited"
)

// MaxHealth is the ceiling for credential and instance health scores
const MaxHealth = 100

// Credential is a stored provider secret plus its quota and health bookkeeping
type Credential struct {
	ID                  string
	UserID              string
	Provider            string
	EncryptedSecret     []byte
	DailyQuota          int
	MinuteQuota         int
	RequestsToday       int
	RequestsThisMinute  int
	RequestsThisMonth   int
	TokensUsed          int64
	HealthScore         int
	ConsecutiveFailures int
	IsActive            bool
	IsBlocked           bool
	BlockUntil          *time.Time
	BlockReason         *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BlockActive reports whether the credential is blocked at now.
// A block whose deadline has passed counts as lifted even if the flag is still set.
func (c *Credential) BlockActive(now time.Time) bool {
	return blockActive(c.IsBlocked, c.BlockUntil, now)
}

// Block marks the credential blocked until the given time (nil = indefinitely)
func (c *Credential) Block(until *time.Time, reason string) {
	c.IsBlocked = true
	c.BlockUntil = until
	c.BlockReason = &reason
}

// Unblock clears the block flag, deadline and reason
func (c *Credential) Unblock() {
	c.IsBlocked = false
	c.BlockUntil = nil
	c.BlockReason = nil
}

// Instance pairs a credential with one model and carries per-model quota, health and confidence
type Instance struct {
	ID                  string
	CredentialID        string
	UserID              string
	Provider            string
	ModelID             string
	DailyQuota          int
	MinuteQuota         int
	DailyTokenQuota     int64
	RemainingDaily      int
	RemainingMinute     int
	RemainingTokens     int64
	AvgLatencyMs        float64
	TotalRequests       int64
	TotalSuccesses      int64
	TotalFailures       int64
	ConsecutiveFailures int
	HealthScore         int
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	LastFailureReason   *string
	Confidence          float64
	IsBlocked           bool
	BlockUntil          *time.Time
	BlockReason         *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewInstance creates the instance row for a credential and model, mirroring the credential's quotas
func NewInstance(id string, cred *Credential, modelID string, dailyTokenQuota int64, now time.Time) *Instance {
	return &Instance{
		ID:              id,
		CredentialID:    cred.ID,
		UserID:          cred.UserID,
		Provider:        cred.Provider,
		ModelID:         modelID,
		DailyQuota:      cred.DailyQuota,
		MinuteQuota:     cred.MinuteQuota,
		DailyTokenQuota: dailyTokenQuota,
		RemainingDaily:  cred.DailyQuota,
		RemainingMinute: cred.MinuteQuota,
		RemainingTokens: dailyTokenQuota,
		HealthScore:     MaxHealth,
		Confidence:      1.0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// BlockActive reports whether the instance is blocked at now (lazy expiry, nil deadline = indefinite)
func (i *Instance) BlockActive(now time.Time) bool {
	return blockActive(i.IsBlocked, i.BlockUntil, now)
}

// Block marks the instance blocked until the given time (nil = indefinitely)
func (i *Instance) Block(until *time.Time, reason string) {
	i.IsBlocked = true
	i.BlockUntil = until
	i.BlockReason = &reason
}

// Unblock clears the block flag, deadline and reason
func (i *Instance) Unblock() {
	i.IsBlocked = false
	i.BlockUntil = nil
	i.BlockReason = nil
}

// SuccessRate returns successes over total requests, or -1 when nothing was observed
func (i *Instance) SuccessRate() float64 {
	if i.TotalRequests == 0 {
		return -1
	}
	return float64(i.TotalSuccesses) / float64(i.TotalRequests)
}

func blockActive(flag bool, until *time.Time, now time.Time) bool {
	if !flag {
		return false
	}
	if until == nil {
		return true
	}
	return now.Before(*until)
}

// UsageLog is one append-only row per call attempt (or cache hit)
type UsageLog struct {
	ID           string
	RequestID    string
	UserID       string
	CredentialID *string
	InstanceID   *string
	Provider     string
	Model        string
	Status       string
	TokensIn     int
	TokensOut    int
	LatencyMs    int64
	Cached       bool
	CostUSD      decimal.Decimal
	ErrorMessage *string
	CreatedAt    time.Time
}

// FailureLog is the append-only record written for every classified failure
type FailureLog struct {
	ID                string
	InstanceID        string
	CredentialID      string
	Provider          string
	Model             string
	ErrorClass        string
	ErrorCode         string
	ErrorMessage      string
	LatencyMs         int64
	RetryAfterSeconds int
	CreatedAt         time.Time
}

// CircuitRecord is the per-provider breaker snapshot
type CircuitRecord struct {
	Provider      string     `json:"provider"`
	State         string     `json:"state"`
	Failures      int        `json:"failures"`
	Forced        bool       `json:"forced"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}
