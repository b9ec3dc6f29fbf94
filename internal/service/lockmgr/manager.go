// Package lockmgr hands out bounded concurrency slots on analysis instances.
//
// Capacity enforcement lives in the lock repository's conditional SQL; this
// layer adds instance selection (round robin over a stable order) and the
// lease lifecycle the dispatcher drives: acquire, heartbeat, release, expire.
package lockmgr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// Manager selects instances and manages leases over the lock repository.
type Manager struct {
	repo      domain.LockRepository
	instances []domain.Instance
	ttl       time.Duration

	mu     sync.Mutex
	cursor int
}

// New builds a Manager. Instances are sorted by name so every process walks
// the fleet in the same order and the cursor spreads load instead of piling
// every dispatcher onto the first instance.
func New(repo domain.LockRepository, instances []domain.Instance, ttl time.Duration) *Manager {
	sorted := make([]domain.Instance, len(instances))
	copy(sorted, instances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Manager{repo: repo, instances: sorted, ttl: ttl}
}

// TTL returns the configured lease duration.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Instances returns the fleet in selection order.
func (m *Manager) Instances() []domain.Instance { return m.instances }

// InstanceByName resolves a configured instance.
func (m *Manager) InstanceByName(name string) (domain.Instance, bool) {
	for _, in := range m.instances {
		if in.Name == name {
			return in, true
		}
	}
	return domain.Instance{}, false
}

// Acquire claims one slot for the job, trying each instance once starting at
// the round-robin cursor. ok=false means the whole fleet is at capacity; the
// caller re-enqueues with a delay rather than spinning here.
func (m *Manager) Acquire(ctx domain.Context, jobID string) (domain.Lease, domain.Instance, bool, error) {
	tracer := otel.Tracer("service.lockmgr")
	ctx, span := tracer.Start(ctx, "lockmgr.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))
	if len(m.instances) == 0 {
		return domain.Lease{}, domain.Instance{}, false, fmt.Errorf("op=lockmgr.Acquire: no instances configured: %w", domain.ErrInvalidArgument)
	}

	m.mu.Lock()
	start := m.cursor
	m.cursor = (m.cursor + 1) % len(m.instances)
	m.mu.Unlock()

	for i := 0; i < len(m.instances); i++ {
		inst := m.instances[(start+i)%len(m.instances)]
		token := uuid.New().String()
		lock, ok, err := m.repo.TryAcquire(ctx, inst.Name, inst.ConcurrencyCap, token, jobID, m.ttl)
		if err != nil {
			return domain.Lease{}, domain.Instance{}, false, fmt.Errorf("op=lockmgr.Acquire: %w", err)
		}
		if !ok {
			continue
		}
		span.SetAttributes(
			attribute.String("lock.instance", lock.InstanceName),
			attribute.Int("lock.slot", lock.Slot),
		)
		return domain.Lease{
			Instance:   lock.InstanceName,
			Slot:       lock.Slot,
			Token:      lock.Token,
			AcquiredAt: lock.AcquiredAt,
			ExpiresAt:  lock.ExpiresAt,
		}, inst, true, nil
	}
	return domain.Lease{}, domain.Instance{}, false, nil
}

// Heartbeat extends the lease. ok=false means the lease was reaped and the
// holder must stop treating its slot as owned.
func (m *Manager) Heartbeat(ctx domain.Context, lease domain.Lease) (bool, error) {
	ok, err := m.repo.Heartbeat(ctx, lease.Instance, lease.Slot, lease.Token, m.ttl)
	if err != nil {
		return false, fmt.Errorf("op=lockmgr.Heartbeat: %w", err)
	}
	return ok, nil
}

// Release frees the slot. Releasing an already-reaped lease is not an error.
func (m *Manager) Release(ctx domain.Context, lease domain.Lease) error {
	if _, err := m.repo.Release(ctx, lease.Token); err != nil {
		return fmt.Errorf("op=lockmgr.Release: %w", err)
	}
	return nil
}

// Expire reaps every lease past now and returns the orphaned job ids for the
// reconciler.
func (m *Manager) Expire(ctx domain.Context, now time.Time) ([]string, error) {
	ids, err := m.repo.ExpireLeases(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("op=lockmgr.Expire: %w", err)
	}
	return ids, nil
}
