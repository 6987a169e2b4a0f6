package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PostgresIdempotencyRepository 基于 idempotency_locks 主键约束的幂等账本
type PostgresIdempotencyRepository struct {
	db     *sql.DB
	now    Clock
	logger *zap.Logger
}

// NewPostgresIdempotencyRepository 创建幂等账本
func NewPostgresIdempotencyRepository(db *sql.DB, now Clock, logger *zap.Logger) *PostgresIdempotencyRepository {
	if now == nil {
		now = SystemClock
	}
	return &PostgresIdempotencyRepository{db: db, now: now, logger: logger}
}

// TryAcquire 先清理该键的过期行，再插入；主键冲突即已被持有
func (r *PostgresIdempotencyRepository) TryAcquire(ctx context.Context, q DBTX, key, owner string, ttl time.Duration) (bool, error) {
	key = NormalizeLockKey(key)
	if key == "" {
		return false, nil
	}
	if q == nil {
		q = r.db
	}
	now := r.now()

	if _, err := q.ExecContext(ctx,
		`DELETE FROM idempotency_locks WHERE lock_key = $1 AND expires_at <= $2`,
		key, now,
	); err != nil {
		return false, fmt.Errorf("failed to purge expired lock: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_locks (lock_key, locked_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_key) DO NOTHING
	`, key, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result: %w", err)
	}
	if n == 0 {
		r.logger.Debug("Idempotency key already held", zap.String("key", key))
	}
	return n == 1, nil
}

// TryAcquireIsolated 在保存点内获取；语句失败只回滚到保存点，不会让调用方事务进入中止状态
func (r *PostgresIdempotencyRepository) TryAcquireIsolated(ctx context.Context, tx *Tx, key, owner string, ttl time.Duration) (bool, error) {
	var ok bool
	err := tx.Savepoint(ctx, "idempotency_acquire", func() error {
		var err error
		ok, err = r.TryAcquire(ctx, tx, key, owner, ttl)
		return err
	})
	return ok, err
}
