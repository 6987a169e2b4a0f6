package notify

import (
	"context"
	"errors"

	"dentra-dispatch/internal/models"

	"go.uber.org/zap"
)

// Status 通知结果
type Status int

const (
	StatusDelivered Status = iota
	StatusQueued           // 已登记，事务提交后投递
	StatusSkipped          // 去重键已被持有
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusQueued:
		return "queued"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result 一次通知的结果；失败不会影响调用方事务
type Result struct {
	Status  Status
	Channel string
	Err     error
}

// Sink 通知投递通道
type Sink interface {
	Deliver(ctx context.Context, n models.Notification) Result
}

// MultiSink 依次投递到所有通道；任一失败即整体失败
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, n models.Notification) Result {
	if len(m) == 0 {
		return Result{Status: StatusSkipped, Channel: "none"}
	}
	var errs []error
	for _, s := range m {
		if res := s.Deliver(ctx, n); res.Status == StatusFailed {
			errs = append(errs, res.Err)
		}
	}
	if len(errs) > 0 {
		return Result{Status: StatusFailed, Channel: "multi", Err: errors.Join(errs...)}
	}
	return Result{Status: StatusDelivered, Channel: "multi"}
}

// LogSink 只写日志（未配置 Redis / MQTT 时使用）
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Deliver(_ context.Context, n models.Notification) Result {
	s.Logger.Info("Notification",
		zap.String("type", n.Type),
		zap.String("role", n.Role),
		zap.String("title", n.Title),
		zap.String("dedupe_key", n.DedupeKey),
	)
	return Result{Status: StatusDelivered, Channel: "log"}
}
