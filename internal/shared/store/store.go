// Package store defines the persistence contracts the gateway consumes:
// the credential store, the instance rows and their row lock, and the
// append-only usage/failure log sinks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
)

// ErrNotFound is returned when a credential or instance does not exist
var ErrNotFound = errors.New("not found")

// Credentials is the credential store
type Credentials interface {
	ListCredentials(ctx context.Context, userID string) ([]*models.Credential, error)
	GetCredential(ctx context.Context, id string) (*models.Credential, error)
	CreateCredential(ctx context.Context, cred *models.Credential) error
}

// InstanceTx exposes the rows locked by WithInstanceLock.
// Mutations made through the returned pointers are persisted when the callback returns nil.
type InstanceTx interface {
	Instance() *models.Instance
	Credential() *models.Credential
	// Siblings locks and returns every other instance sharing the credential
	Siblings(ctx context.Context) ([]*models.Instance, error)
}

// Instances holds per credential×model rows
type Instances interface {
	ListInstances(ctx context.Context, userID string) ([]*models.Instance, error)
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	// CreateInstances inserts rows, skipping any credential×model pair that already exists
	CreateInstances(ctx context.Context, instances []*models.Instance) error
	// WithInstanceLock runs fn with the instance's credential row and the instance row locked,
	// in that order. The changes are discarded if fn returns an error.
	WithInstanceLock(ctx context.Context, instanceID string, fn func(tx InstanceTx) error) error
	ListInstanceIDs(ctx context.Context) ([]string, error)
	// ClearExpiredBlocks unblocks instances and credentials whose block_until has passed
	ClearExpiredBlocks(ctx context.Context, now time.Time) (int, error)
	// ResetDailyQuotas restores daily and minute counters and lifts health below 50 to 75
	ResetDailyQuotas(ctx context.Context) (int, error)
	// ResetMinuteQuotas restores the minute counters
	ResetMinuteQuotas(ctx context.Context) (int, error)
}

// Logs are the append-only sinks
type Logs interface {
	LogUsage(ctx context.Context, entry *models.UsageLog) error
	LogFailure(ctx context.Context, entry *models.FailureLog) error
}

// Store is everything the gateway needs from persistence
type Store interface {
	Credentials
	Instances
	Logs
	Ping(ctx context.Context) error
	Close() error
}

// Maintenance constants shared by the implementations
const (
	SecondChanceThreshold = 50
	SecondChanceHealth    = 75
)
