package notify

import (
	"context"
	"time"

	"dentra-dispatch/internal/models"
	"dentra-dispatch/internal/repository"

	"go.uber.org/zap"
)

// DefaultDedupeTTL 通知去重键有效期
const DefaultDedupeTTL = 24 * time.Hour

// isolatedAcquirer 能在保存点内登记去重键的账本
type isolatedAcquirer interface {
	TryAcquireIsolated(ctx context.Context, tx *repository.Tx, key, owner string, ttl time.Duration) (bool, error)
}

// Notifier 在事务内登记去重键，提交后投递
type Notifier struct {
	ledger repository.IdempotencyRepository
	sink   Sink
	ttl    time.Duration
	logger *zap.Logger
}

// NewNotifier 创建 Notifier
func NewNotifier(ledger repository.IdempotencyRepository, sink Sink, logger *zap.Logger) *Notifier {
	return &Notifier{ledger: ledger, sink: sink, ttl: DefaultDedupeTTL, logger: logger}
}

// Notify 去重后投递。tx 非空时投递推迟到提交之后，回滚则不投递。
func (n *Notifier) Notify(ctx context.Context, tx *repository.Tx, msg models.Notification) Result {
	if msg.Channel == "" {
		msg.Channel = "IN_APP"
	}

	if msg.DedupeKey != "" {
		ok, err := n.acquire(ctx, tx, msg.DedupeKey)
		if err != nil {
			n.logger.Warn("Notification dedupe failed",
				zap.String("dedupe_key", msg.DedupeKey),
				zap.Error(err),
			)
			return Result{Status: StatusFailed, Err: err}
		}
		if !ok {
			return Result{Status: StatusSkipped}
		}
	}

	if tx == nil {
		return n.deliver(ctx, msg)
	}
	tx.AfterCommit(func(ctx context.Context) {
		n.deliver(ctx, msg)
	})
	return Result{Status: StatusQueued}
}

func (n *Notifier) acquire(ctx context.Context, tx *repository.Tx, key string) (bool, error) {
	if tx == nil {
		return n.ledger.TryAcquire(ctx, nil, key, "notify", n.ttl)
	}
	if ia, ok := n.ledger.(isolatedAcquirer); ok {
		return ia.TryAcquireIsolated(ctx, tx, key, "notify", n.ttl)
	}
	return n.ledger.TryAcquire(ctx, tx, key, "notify", n.ttl)
}

func (n *Notifier) deliver(ctx context.Context, msg models.Notification) Result {
	res := n.sink.Deliver(ctx, msg)
	if res.Status == StatusFailed {
		n.logger.Warn("Notification delivery failed",
			zap.String("type", msg.Type),
			zap.String("channel", res.Channel),
			zap.String("dedupe_key", msg.DedupeKey),
			zap.Error(res.Err),
		)
	}
	return res
}
