package consumer

import (
	"context"
	"errors"
	"sort"

	"dentra-dispatch/internal/models"
	"dentra-dispatch/internal/repository"
)

// ErrAnomaly 数据完整性异常：事件仍标记为完成，并通知运维，不再重试
var ErrAnomaly = errors.New("data integrity anomaly")

// Handler 事件处理器，在分发事务内执行
type Handler interface {
	Name() string
	Handle(ctx context.Context, tx *repository.Tx, ev models.Event) error
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, tx *repository.Tx, ev models.Event) error
}

func (h handlerFunc) Name() string { return h.name }

func (h handlerFunc) Handle(ctx context.Context, tx *repository.Tx, ev models.Event) error {
	return h.fn(ctx, tx, ev)
}

// HandlerFunc 将函数包装为具名 Handler
func HandlerFunc(name string, fn func(ctx context.Context, tx *repository.Tx, ev models.Event) error) Handler {
	return handlerFunc{name: name, fn: fn}
}

// Registry 事件类型到有序处理器列表的显式映射
type Registry struct {
	handlers map[models.EventType][]Handler
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.EventType][]Handler)}
}

// Register 追加处理器，保持注册顺序；nil 处理器被忽略
func (r *Registry) Register(eventType models.EventType, handlers ...Handler) {
	eventType = eventType.Normalize()
	list := r.handlers[eventType]
	for _, h := range handlers {
		if h != nil {
			list = append(list, h)
		}
	}
	r.handlers[eventType] = list
}

// Handlers 事件类型对应的处理器；未注册返回 nil
func (r *Registry) Handlers(eventType models.EventType) []Handler {
	return r.handlers[eventType.Normalize()]
}

// Types 已注册的事件类型（排序后）
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// DomainHandlers 各业务域处理器，未接入的为 nil
type DomainHandlers struct {
	Appointment Handler
	Inventory   Handler
	Revenue     Handler
	Case        Handler
}

// DefaultRegistry 默认分发表
func DefaultRegistry(h DomainHandlers) *Registry {
	r := NewRegistry()

	r.Register(models.EventAppointmentCreated, h.Appointment, h.Revenue)
	r.Register(models.EventAppointmentCompleted, h.Appointment, h.Revenue, h.Inventory)
	r.Register(models.EventAppointmentMonitorTick, h.Appointment)
	r.Register(models.EventAppointmentMonitorSweep, h.Appointment)
	r.Register(models.EventAppointmentAutoScheduleRequested, h.Appointment)

	for _, t := range []models.EventType{
		models.EventVisitConsumablesUpdated,
		models.EventInventoryMonitorTick,
		models.EventInventoryDailyTick,
		models.EventInventoryRulesUpdated,
	} {
		r.Register(t, h.Inventory)
	}

	for _, t := range []models.EventType{
		models.EventRevenueMonitorTick,
		models.EventRevenueDailyTick,
		models.EventARRankAndNotify,
	} {
		r.Register(t, h.Revenue)
	}

	for _, t := range []models.EventType{
		models.EventCaseUpdated,
		models.EventCaseGenerateSummary,
		models.EventCaseMonitorTick,
		models.EventCaseStageTransitionRequest,
		models.EventCaseStageTransitionApproved,
		models.EventCaseAutoMatchRequested,
	} {
		r.Register(t, h.Case)
	}

	r.Register(models.EventAgentRunRequested)
	return r
}
