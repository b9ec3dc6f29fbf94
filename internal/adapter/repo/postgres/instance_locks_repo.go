package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// InstanceLockRepo implements slot leasing on top of the instance_locks table.
// Capacity is enforced by the claim statement itself, never by a read followed
// by a write, so any number of dispatchers can race safely.
type InstanceLockRepo struct{ Pool PgxPool }

// NewInstanceLockRepo constructs an InstanceLockRepo with the given pool.
func NewInstanceLockRepo(p PgxPool) *InstanceLockRepo { return &InstanceLockRepo{Pool: p} }

// TryAcquire claims the lowest free slot below cap in a single statement. A
// slot is free when no row exists or its row has expired; the expired case is
// taken over through the conditional upsert. ok=false means the instance is at
// capacity (or a race was lost, which looks the same to the caller).
func (r *InstanceLockRepo) TryAcquire(ctx domain.Context, instance string, cap int, token, jobID string, ttl time.Duration) (domain.InstanceLock, bool, error) {
	tracer := otel.Tracer("repo.instance_locks")
	ctx, span := tracer.Start(ctx, "instance_locks.TryAcquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("lock.instance", instance),
		attribute.Int("lock.cap", cap),
	)
	q := `INSERT INTO instance_locks (instance_name, slot, token, holder_job_id, acquired_at, expires_at)
	SELECT $1, s.slot, $2, $3, now(), now() + make_interval(secs => $4)
	FROM generate_series(0, $5 - 1) AS s(slot)
	WHERE NOT EXISTS (
		SELECT 1 FROM instance_locks l
		WHERE l.instance_name = $1 AND l.slot = s.slot AND l.expires_at > now()
	)
	ORDER BY s.slot
	LIMIT 1
	ON CONFLICT (instance_name, slot) DO UPDATE
		SET token = EXCLUDED.token, holder_job_id = EXCLUDED.holder_job_id,
			acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE instance_locks.expires_at <= now()
	RETURNING instance_name, slot, token, holder_job_id, acquired_at, expires_at`
	row := r.Pool.QueryRow(ctx, q, instance, token, jobID, ttl.Seconds(), cap)
	var l domain.InstanceLock
	if err := row.Scan(&l.InstanceName, &l.Slot, &l.Token, &l.HolderJobID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.InstanceLock{}, false, nil
		}
		return domain.InstanceLock{}, false, fmt.Errorf("op=instance_locks.try_acquire: %w", err)
	}
	return l, true, nil
}

// Heartbeat extends the lease while the token still matches and the lease has
// not expired. ok=false tells the dispatcher its lease is gone.
func (r *InstanceLockRepo) Heartbeat(ctx domain.Context, instance string, slot int, token string, ttl time.Duration) (bool, error) {
	tracer := otel.Tracer("repo.instance_locks")
	ctx, span := tracer.Start(ctx, "instance_locks.Heartbeat")
	defer span.End()
	q := `UPDATE instance_locks SET expires_at = now() + make_interval(secs => $4)
	WHERE instance_name=$1 AND slot=$2 AND token=$3 AND expires_at > now()`
	tag, err := r.Pool.Exec(ctx, q, instance, slot, token, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("op=instance_locks.heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release frees the slot by token. ok=false means the reaper got there first.
func (r *InstanceLockRepo) Release(ctx domain.Context, token string) (bool, error) {
	tracer := otel.Tracer("repo.instance_locks")
	ctx, span := tracer.Start(ctx, "instance_locks.Release")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM instance_locks WHERE token=$1`, token)
	if err != nil {
		return false, fmt.Errorf("op=instance_locks.release: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireLeases deletes every lease past now and returns the job ids that were
// holding them, for the reconciler to fail over.
func (r *InstanceLockRepo) ExpireLeases(ctx domain.Context, now time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.instance_locks")
	ctx, span := tracer.Start(ctx, "instance_locks.ExpireLeases")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `DELETE FROM instance_locks WHERE expires_at <= $1 RETURNING holder_job_id`, now)
	if err != nil {
		return nil, fmt.Errorf("op=instance_locks.expire: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=instance_locks.expire: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=instance_locks.expire: rows: %w", err)
	}
	return ids, nil
}

// CountActive returns how many un-expired leases an instance holds.
func (r *InstanceLockRepo) CountActive(ctx domain.Context, instance string, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.instance_locks")
	ctx, span := tracer.Start(ctx, "instance_locks.CountActive")
	defer span.End()
	var n int
	q := `SELECT COUNT(*) FROM instance_locks WHERE instance_name=$1 AND expires_at > $2`
	if err := r.Pool.QueryRow(ctx, q, instance, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=instance_locks.count_active: %w", err)
	}
	return n, nil
}

// ListActive returns every un-expired lease across instances.
func (r *InstanceLockRepo) ListActive(ctx domain.Context, now time.Time) ([]domain.InstanceLock, error) {
	tracer := otel.Tracer("repo.instance_locks")
	ctx, span := tracer.Start(ctx, "instance_locks.ListActive")
	defer span.End()
	q := `SELECT instance_name, slot, token, holder_job_id, acquired_at, expires_at
	FROM instance_locks WHERE expires_at > $1 ORDER BY instance_name ASC, slot ASC`
	rows, err := r.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("op=instance_locks.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.InstanceLock
	for rows.Next() {
		var l domain.InstanceLock
		if err := rows.Scan(&l.InstanceName, &l.Slot, &l.Token, &l.HolderJobID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("op=instance_locks.list_active: scan: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=instance_locks.list_active: rows: %w", err)
	}
	return out, nil
}
