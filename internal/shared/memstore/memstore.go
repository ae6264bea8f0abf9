// Package memstore is an in-process store.Store used for single-node deployments
// (STORE_BACKEND=memory) and tests. Every credential has its own mutex, which
// serializes all instance updates under that credential.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/store"
)

// Store keeps rows in maps; readers always receive copies
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*models.Credential
	instances   map[string]*models.Instance
	credLocks   map[string]*sync.Mutex
	usage       []*models.UsageLog
	failures    []*models.FailureLog
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		credentials: make(map[string]*models.Credential),
		instances:   make(map[string]*models.Instance),
		credLocks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func copyCredential(c *models.Credential) *models.Credential {
	cp := *c
	cp.EncryptedSecret = append([]byte(nil), c.EncryptedSecret...)
	return &cp
}

func copyInstance(i *models.Instance) *models.Instance {
	cp := *i
	return &cp
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Credential
	for _, c := range s.credentials {
		if c.UserID == userID {
			out = append(out, copyCredential(c))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) || (out[a].CreatedAt.Equal(out[b].CreatedAt) && out[a].ID < out[b].ID) })
	return out, nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	return copyCredential(c), nil
}

func (s *Store) CreateCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[cred.ID]; exists {
		return fmt.Errorf("credential %s already exists", cred.ID)
	}
	s.credentials[cred.ID] = copyCredential(cred)
	s.credLocks[cred.ID] = &sync.Mutex{}
	return nil
}

func (s *Store) ListInstances(ctx context.Context, userID string) ([]*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Instance
	for _, i := range s.instances {
		if i.UserID == userID {
			out = append(out, copyInstance(i))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *Store) CreateInstances(ctx context.Context, instances []*models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(s.instances))
	for _, i := range s.instances {
		existing[i.CredentialID+"|"+i.ModelID] = true
	}
	for _, i := range instances {
		if _, ok := s.credentials[i.CredentialID]; !ok {
			return fmt.Errorf("instance %s references credential %s: %w", i.ID, i.CredentialID, store.ErrNotFound)
		}
		k := i.CredentialID + "|" + i.ModelID
		if existing[k] {
			continue
		}
		existing[k] = true
		s.instances[i.ID] = copyInstance(i)
	}
	return nil
}

func (s *Store) ListInstanceIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type memTx struct {
	s        *Store
	cred     *models.Credential
	inst     *models.Instance
	siblings []*models.Instance
}

func (t *memTx) Instance() *models.Instance     { return t.inst }
func (t *memTx) Credential() *models.Credential { return t.cred }

func (t *memTx) Siblings(ctx context.Context) ([]*models.Instance, error) {
	if t.siblings != nil {
		return t.siblings, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.siblings = []*models.Instance{}
	for _, i := range t.s.instances {
		if i.CredentialID == t.cred.ID && i.ID != t.inst.ID {
			t.siblings = append(t.siblings, copyInstance(i))
		}
	}
	sort.Slice(t.siblings, func(a, b int) bool { return t.siblings[a].ID < t.siblings[b].ID })
	return t.siblings, nil
}

// WithInstanceLock takes the credential's mutex, works on copies and writes them back only on success
func (s *Store) WithInstanceLock(ctx context.Context, instanceID string, fn func(tx store.InstanceTx) error) error {
	s.mu.RLock()
	inst, ok := s.instances[instanceID]
	var lock *sync.Mutex
	if ok {
		lock = s.credLocks[inst.CredentialID]
	}
	s.mu.RUnlock()
	if !ok || lock == nil {
		return fmt.Errorf("instance %s: %w", instanceID, store.ErrNotFound)
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// re-read under the lock
	s.mu.RLock()
	tx := &memTx{
		s:    s,
		inst: copyInstance(s.instances[instanceID]),
		cred: copyCredential(s.credentials[inst.CredentialID]),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[tx.cred.ID] = tx.cred
	s.instances[tx.inst.ID] = tx.inst
	for _, sib := range tx.siblings {
		s.instances[sib.ID] = sib
	}
	return nil
}

// eachCredential visits credentials in ID order, holding each one's mutex
// so bulk jobs serialize with WithInstanceLock the way row locks do.
func (s *Store) eachCredential(ctx context.Context, fn func(c *models.Credential, insts []*models.Instance)) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.credentials))
	for id := range s.credentials {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.RLock()
		lock := s.credLocks[id]
		s.mu.RUnlock()
		if lock == nil {
			continue
		}

		lock.Lock()
		s.mu.Lock()
		if c, ok := s.credentials[id]; ok {
			var insts []*models.Instance
			for _, i := range s.instances {
				if i.CredentialID == id {
					insts = append(insts, i)
				}
			}
			fn(c, insts)
		}
		s.mu.Unlock()
		lock.Unlock()
	}
	return nil
}

func (s *Store) ClearExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := s.eachCredential(ctx, func(c *models.Credential, insts []*models.Instance) {
		for _, i := range insts {
			if i.IsBlocked && i.BlockUntil != nil && !now.Before(*i.BlockUntil) {
				i.Unblock()
				i.UpdatedAt = now
				n++
			}
		}
		if c.IsBlocked && c.BlockUntil != nil && !now.Before(*c.BlockUntil) {
			c.Unblock()
			c.UpdatedAt = now
		}
	})
	return n, err
}

func (s *Store) ResetDailyQuotas(ctx context.Context) (int, error) {
	n := 0
	err := s.eachCredential(ctx, func(c *models.Credential, insts []*models.Instance) {
		for _, i := range insts {
			i.RemainingDaily = i.DailyQuota
			i.RemainingMinute = i.MinuteQuota
			i.RemainingTokens = i.DailyTokenQuota
			if i.HealthScore < store.SecondChanceThreshold {
				i.HealthScore = store.SecondChanceHealth
			}
			n++
		}
		c.RequestsToday = 0
		c.RequestsThisMinute = 0
		if c.HealthScore < store.SecondChanceThreshold {
			c.HealthScore = store.SecondChanceHealth
		}
	})
	return n, err
}

func (s *Store) ResetMinuteQuotas(ctx context.Context) (int, error) {
	n := 0
	err := s.eachCredential(ctx, func(c *models.Credential, insts []*models.Instance) {
		for _, i := range insts {
			i.RemainingMinute = i.MinuteQuota
			n++
		}
		c.RequestsThisMinute = 0
	})
	return n, err
}

func (s *Store) LogUsage(ctx context.Context, entry *models.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.usage = append(s.usage, &cp)
	return nil
}

func (s *Store) LogFailure(ctx context.Context, entry *models.FailureLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.failures = append(s.failures, &cp)
	return nil
}

// UsageLogs returns a snapshot of the usage sink
func (s *Store) UsageLogs() []models.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UsageLog, len(s.usage))
	for i, u := range s.usage {
		out[i] = *u
	}
	return out
}

// FailureLogs returns a snapshot of the failure sink
func (s *Store) FailureLogs() []models.FailureLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FailureLog, len(s.failures))
	for i, f := range s.failures {
		out[i] = *f
	}
	return out
}

// GetInstance returns a copy of one instance row
func (s *Store) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, store.ErrNotFound)
	}
	return copyInstance(i), nil
}
