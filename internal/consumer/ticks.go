package consumer

import (
	"context"
	"time"

	"dentra-dispatch/internal/models"
	"dentra-dispatch/internal/repository"

	"go.uber.org/zap"
)

// Tick 周期性入队的监控事件
type Tick struct {
	Name      string // 去重键前缀，如 "inventory_monitor"
	EventType models.EventType
	Interval  time.Duration
	Bucket    time.Duration // 去重时间桶
	Priority  int
	Payload   interface{}
}

// DedupeKey 时间桶去重键；同一桶内多个 worker 只会入队一次
func (t Tick) DedupeKey(now time.Time) string {
	if t.Bucket >= 24*time.Hour {
		return t.Name + ":" + now.Format("2006-01-02")
	}
	bucket := t.Bucket
	if bucket <= 0 {
		bucket = time.Hour
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := now.Sub(midnight)
	start := midnight.Add(offset - offset%bucket)
	return t.Name + ":" + start.Format("2006-01-02T15:04")
}

// TickIntervals 各类 tick 的配置间隔
type TickIntervals struct {
	Inventory          time.Duration
	Revenue            time.Duration
	Case               time.Duration
	AppointmentMonitor time.Duration
}

func atLeast(d, min time.Duration) time.Duration {
	if d < min {
		return min
	}
	return d
}

// DefaultTicks 标准监控 tick；间隔为 0 的类别不启用
func DefaultTicks(iv TickIntervals) []Tick {
	var ticks []Tick
	if iv.Inventory > 0 {
		ticks = append(ticks, Tick{
			Name: "inventory_monitor", EventType: models.EventInventoryMonitorTick,
			Interval: atLeast(iv.Inventory, time.Minute), Bucket: time.Hour,
			Priority: 30, Payload: map[string]int{"horizon_days": 30},
		})
	}
	if iv.Revenue > 0 {
		ticks = append(ticks, Tick{
			Name: "revenue_monitor", EventType: models.EventRevenueMonitorTick,
			Interval: atLeast(iv.Revenue, time.Minute), Bucket: time.Hour,
			Priority: 40, Payload: map[string]int{"horizon_days": 60},
		})
	}
	if iv.Case > 0 {
		ticks = append(ticks, Tick{
			Name: "case_monitor", EventType: models.EventCaseMonitorTick,
			Interval: atLeast(iv.Case, 5*time.Minute), Bucket: 24 * time.Hour,
			Priority: 45, Payload: map[string]int{"daysAhead": 0},
		})
	}
	if iv.AppointmentMonitor > 0 {
		interval := atLeast(iv.AppointmentMonitor, time.Minute)
		ticks = append(ticks, Tick{
			Name: "appointment_monitor", EventType: models.EventAppointmentMonitorTick,
			Interval: interval, Bucket: interval,
			Priority: 20, Payload: map[string]interface{}{},
		})
	}
	return ticks
}

// TickScheduler 每轮检查到期的 tick 并入队
type TickScheduler struct {
	store  repository.EventsRepository
	ticks  []Tick
	last   map[string]time.Time
	loc    *time.Location
	now    repository.Clock
	logger *zap.Logger
}

// NewTickScheduler 创建调度器；loc 决定去重桶的日历边界
func NewTickScheduler(store repository.EventsRepository, ticks []Tick, loc *time.Location, now repository.Clock, logger *zap.Logger) *TickScheduler {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = repository.SystemClock
	}
	return &TickScheduler{
		store:  store,
		ticks:  ticks,
		last:   make(map[string]time.Time),
		loc:    loc,
		now:    now,
		logger: logger,
	}
}

// Run 入队所有到期 tick；失败的下一轮重试
func (s *TickScheduler) Run(ctx context.Context) {
	now := s.now()
	for _, t := range s.ticks {
		if last, ok := s.last[t.Name]; ok && now.Sub(last) < t.Interval {
			continue
		}

		key := t.DedupeKey(now.In(s.loc))
		req := repository.EnqueueRequest{
			Type:      t.EventType,
			Payload:   t.Payload,
			Priority:  t.Priority,
			DedupeKey: key,
		}
		id, err := s.store.Enqueue(ctx, req)
		if err != nil {
			s.logger.Warn("Failed to enqueue tick",
				zap.String("tick", t.Name),
				zap.Error(err),
			)
			continue
		}
		s.last[t.Name] = now
		if id > 0 {
			s.logger.Debug("Tick enqueued",
				zap.String("tick", t.Name),
				zap.Int64("event_id", id),
				zap.String("dedupe_key", key),
			)
		}
	}
}
