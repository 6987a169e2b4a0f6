package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dentra-dispatch/internal/models"
	"dentra-dispatch/internal/notify"
	"dentra-dispatch/internal/repository"

	"go.uber.org/zap"
)

const maxIdleBackoff = 30 * time.Second

// Options worker 运行参数
type Options struct {
	WorkerID     string
	PollInterval time.Duration
	Lease        time.Duration
	RetryDelay   time.Duration
}

// Worker 单线程的领取-分发-提交循环。可以在多个进程中同时运行。
type Worker struct {
	db        repository.TxBeginner
	store     repository.EventsRepository
	registry  *Registry
	ticks     *TickScheduler
	heartbeat *Heartbeat
	notifier  *notify.Notifier
	opts      Options
	logger    *zap.Logger

	tx *repository.Tx
}

// NewWorker 创建 worker；ticks、heartbeat、notifier 可以为 nil
func NewWorker(db repository.TxBeginner, store repository.EventsRepository, registry *Registry, ticks *TickScheduler, heartbeat *Heartbeat, notifier *notify.Notifier, opts Options, logger *zap.Logger) *Worker {
	return &Worker{
		db:        db,
		store:     store,
		registry:  registry,
		ticks:     ticks,
		heartbeat: heartbeat,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With(zap.String("worker_id", opts.WorkerID)),
	}
}

// Run 循环直到 ctx 取消；处理器错误不会导致退出
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Dispatch worker started",
		zap.Duration("poll_interval", w.opts.PollInterval),
		zap.Duration("lease", w.opts.Lease),
		zap.Strings("event_types", w.registry.Types()),
	)
	defer w.rollbackDangling()

	backoff := w.opts.PollInterval
	for {
		processed, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Dispatch worker stopped")
			return nil
		}

		var wait time.Duration
		switch {
		case err != nil:
			w.logger.Error("Dispatch iteration failed", zap.Error(err))
			wait = backoff
			backoff *= 2
			if backoff > maxIdleBackoff {
				backoff = maxIdleBackoff
			}
		case processed:
			backoff = w.opts.PollInterval
			continue
		default:
			backoff = w.opts.PollInterval
			wait = w.opts.PollInterval
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Dispatch worker stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// RunOnce 执行一轮：心跳、tick、领取并分发一条事件。
// 返回是否处理了事件；错误仅表示基础设施失败。
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if w.heartbeat != nil {
		w.heartbeat.Beat(ctx)
	}
	if w.ticks != nil {
		w.ticks.Run(ctx)
	}
	w.rollbackDangling()

	ev, err := w.store.Claim(ctx, w.opts.WorkerID, w.opts.Lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if ev == nil {
		return false, nil
	}
	return true, w.dispatch(ctx, ev)
}

func (w *Worker) rollbackDangling() {
	if w.tx == nil {
		return
	}
	if !w.tx.Closed() {
		w.logger.Warn("Rolling back dangling transaction")
		if err := w.tx.Rollback(); err != nil {
			w.logger.Warn("Failed to roll back dangling transaction", zap.Error(err))
		}
	}
	w.tx = nil
}

func (w *Worker) dispatch(ctx context.Context, ev *models.Event) error {
	log := w.logger.With(
		zap.Int64("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.Int("attempt", ev.Attempts),
	)
	// 标记结果不受关闭信号影响；失败时由租约过期兜底
	markCtx := context.WithoutCancel(ctx)

	handlers := w.registry.Handlers(ev.Type)
	if len(handlers) == 0 {
		log.Debug("No handler registered, marking done")
		return w.store.MarkDone(markCtx, ev.ID)
	}

	tx, err := repository.BeginTx(ctx, w.db)
	if err != nil {
		return w.fail(markCtx, log, ev, err.Error())
	}
	w.tx = tx

	var anomalies []error
	for _, h := range handlers {
		err := w.safeHandle(ctx, h, tx, *ev)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrAnomaly) {
			log.Warn("Handler reported data anomaly", zap.String("handler", h.Name()), zap.Error(err))
			anomalies = append(anomalies, fmt.Errorf("%s: %w", h.Name(), err))
			continue
		}
		w.rollbackDangling()
		return w.fail(markCtx, log, ev, fmt.Sprintf("%s: %v", h.Name(), err))
	}

	if err := tx.Commit(ctx); err != nil {
		w.tx = nil
		return w.fail(markCtx, log, ev, fmt.Sprintf("commit: %v", err))
	}
	w.tx = nil

	for _, a := range anomalies {
		w.reportAnomaly(markCtx, ev, a)
	}

	if err := w.store.MarkDone(markCtx, ev.ID); err != nil {
		return err
	}
	log.Info("Event processed", zap.Int("handlers", len(handlers)))
	return nil
}

func (w *Worker) safeHandle(ctx context.Context, h Handler, tx *repository.Tx, ev models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, tx, ev)
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, ev *models.Event, reason string) error {
	status, err := w.store.MarkFailed(ctx, ev.ID, reason, w.opts.RetryDelay)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	fields := []zap.Field{zap.String("error", repository.TruncateError(reason, 500)), zap.String("status", string(status))}
	if status == models.EventStatusNew {
		log.Warn("Event failed, will retry", append(fields, zap.Duration("retry_delay", w.opts.RetryDelay))...)
	} else {
		log.Error("Event dead-lettered", fields...)
	}
	return nil
}

func (w *Worker) reportAnomaly(ctx context.Context, ev *models.Event, cause error) {
	if w.notifier == nil {
		return
	}
	w.notifier.Notify(ctx, nil, models.Notification{
		Role:         "Admin",
		Type:         "DATA_ANOMALY",
		Title:        "Data integrity anomaly",
		Message:      fmt.Sprintf("%s event #%d: %v", ev.Type, ev.ID, cause),
		RelatedTable: "agent_events",
		RelatedID:    ev.ID,
		DedupeKey:    fmt.Sprintf("event:%d:anomaly", ev.ID),
		Priority:     90,
	})
}
