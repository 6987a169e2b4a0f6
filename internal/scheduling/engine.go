package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dentra-dispatch/internal/models"
	"dentra-dispatch/internal/repository"

	"go.uber.org/zap"
)

const (
	// 冲突查询向前回看的时长，覆盖前一天开始的长手术
	conflictLookback  = 24 * time.Hour
	durationSampleCap = 200
)

// AppointmentStore 预约数据访问
type AppointmentStore interface {
	GetForUpdate(ctx context.Context, q repository.DBTX, id int64) (*models.Appointment, error)
	ListActive(ctx context.Context, q repository.DBTX, f repository.CalendarFilter) ([]models.Appointment, error)
	ListForDay(ctx context.Context, q repository.DBTX, from, to time.Time) ([]models.Appointment, error)
	UpdateSchedule(ctx context.Context, q repository.DBTX, id int64, start, end time.Time, durationMin int, status models.AppointmentStatus) error
	SetStatusIfActive(ctx context.Context, q repository.DBTX, id int64, status models.AppointmentStatus) (bool, error)
	LockCalendar(ctx context.Context, q repository.DBTX, keys ...string) error
	InsertAudit(ctx context.Context, q repository.DBTX, appointmentID int64, action string, meta map[string]interface{}) error
	InsertRescheduleSuggestion(ctx context.Context, q repository.DBTX, appointmentID int64, reason string, slots []models.CandidateSlot) (bool, error)
}

// CaseStore 病例数据访问
type CaseStore interface {
	GetStage(ctx context.Context, q repository.DBTX, caseID int64) (string, error)
	ListProcedureDurations(ctx context.Context, q repository.DBTX, procedureCode string, limit int) ([]int, error)
}

// Engine 冲突检测与空闲时段搜索
type Engine struct {
	appts  AppointmentStore
	cases  CaseStore
	policy Policy
	now    repository.Clock
	logger *zap.Logger
}

// NewEngine 创建排班引擎
func NewEngine(appts AppointmentStore, cases CaseStore, policy Policy, now repository.Clock, logger *zap.Logger) *Engine {
	if now == nil {
		now = repository.SystemClock
	}
	return &Engine{appts: appts, cases: cases, policy: policy, now: now, logger: logger}
}

// Policy 当前规则
func (e *Engine) Policy() Policy {
	return e.policy
}

// Now 诊所时区的当前时间
func (e *Engine) Now() time.Time {
	return e.now().In(e.policy.Location)
}

// ConflictQuery 待检测的预约区间
type ConflictQuery struct {
	AppointmentID int64
	DoctorID      int64
	OperatoryID   *int64
	Start         time.Time
	End           time.Time
}

// DetectConflicts 医生维度与诊室维度的重叠检测
func (e *Engine) DetectConflicts(ctx context.Context, q repository.DBTX, cq ConflictQuery) ([]models.Conflict, error) {
	if cq.DoctorID <= 0 {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if !cq.End.After(cq.Start) {
		return nil, fmt.Errorf("appointment end must be after start")
	}

	f := repository.CalendarFilter{
		DoctorID:  &cq.DoctorID,
		From:      cq.Start.Add(-conflictLookback),
		To:        cq.End,
		ExcludeID: cq.AppointmentID,
	}
	rows, err := e.appts.ListActive(ctx, q, f)
	if err != nil {
		return nil, err
	}
	conflicts := FindConflicts(models.ConflictDoctor, cq.Start, cq.End, rows, cq.AppointmentID, e.policy.DefaultBusy)

	if cq.OperatoryID != nil && e.policy.OperatoryConflicts {
		f.DoctorID = nil
		f.OperatoryID = cq.OperatoryID
		rows, err := e.appts.ListActive(ctx, q, f)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, FindConflicts(models.ConflictOperatory, cq.Start, cq.End, rows, cq.AppointmentID, e.policy.DefaultBusy)...)
	}
	return conflicts, nil
}

// SlotRequest 空闲时段搜索参数
type SlotRequest struct {
	DoctorID             int64
	OperatoryID          *int64
	TargetDate           time.Time
	DurationMin          int
	ExcludeAppointmentID int64
	Limit                int
	DaysAhead            *int       // nil 取策略默认；0 只搜目标日
	EarliestStart        *time.Time // 仅约束第一天
	NotBefore            *time.Time
}

// SuggestSlots 从目标日期起逐日搜索，找到候选的第一天即停止
func (e *Engine) SuggestSlots(ctx context.Context, q repository.DBTX, req SlotRequest) ([]models.CandidateSlot, error) {
	if req.DoctorID <= 0 {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if req.DurationMin <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.policy.SuggestionLimit
	}
	daysAhead := e.horizon(req.DaysAhead)
	if daysAhead < 0 {
		return nil, fmt.Errorf("days_ahead must not be negative")
	}

	now := e.Now()
	base := e.policy.Midnight(req.TargetDate)
	var notBeforeDay time.Time
	if req.NotBefore != nil {
		notBeforeDay = e.policy.Midnight(*req.NotBefore)
	}

	var out []models.CandidateSlot
	for d := 0; d <= daysAhead && len(out) < limit; d++ {
		day := base.AddDate(0, 0, d)
		if req.NotBefore != nil && day.Before(notBeforeDay) {
			continue
		}
		workStart, workEnd := e.policy.WorkWindow(day)

		busy, err := e.busyWindows(ctx, q, req, workStart, workEnd)
		if err != nil {
			return nil, err
		}

		var earliest *time.Time
		if d == 0 && req.EarliestStart != nil {
			t := req.EarliestStart.In(e.policy.Location)
			earliest = &t
		}
		found := SearchDay(DaySearch{
			WorkStart: workStart,
			WorkEnd:   workEnd,
			Step:      e.policy.SlotStep,
			Duration:  time.Duration(req.DurationMin) * time.Minute,
			Earliest:  earliest,
			NotBefore: req.NotBefore,
			Now:       now,
			Buffer:    e.policy.PastBuffer,
			Busy:      busy,
			Limit:     limit - len(out),
		})
		out = append(out, found...)
		if len(found) > 0 {
			break
		}
	}
	return out, nil
}

// horizon 搜索范围 [目标日, 目标日+daysAhead]
func (e *Engine) horizon(daysAhead *int) int {
	if daysAhead == nil {
		return e.policy.DaysAhead
	}
	return *daysAhead
}

func (e *Engine) busyWindows(ctx context.Context, q repository.DBTX, req SlotRequest, workStart, workEnd time.Time) ([]BusyWindow, error) {
	f := repository.CalendarFilter{
		DoctorID:  &req.DoctorID,
		From:      workStart.Add(-conflictLookback),
		To:        workEnd,
		ExcludeID: req.ExcludeAppointmentID,
	}
	if req.OperatoryID != nil && e.policy.OperatoryConflicts {
		f.OperatoryID = req.OperatoryID
	}
	rows, err := e.appts.ListActive(ctx, q, f)
	if err != nil {
		return nil, err
	}
	return BusyWindows(rows, req.ExcludeAppointmentID, e.policy.DefaultBusy), nil
}

// PredictDuration 历史样本足够时取中位数，否则查默认表
func (e *Engine) PredictDuration(ctx context.Context, q repository.DBTX, procedureType string) (int, error) {
	code := NormalizeProcedure(procedureType)
	if e.policy.DurationHistory && e.cases != nil {
		samples, err := e.cases.ListProcedureDurations(ctx, q, code, durationSampleCap)
		if err != nil {
			return 0, err
		}
		if med, ok := e.policy.MedianDuration(samples); ok {
			return med, nil
		}
	}
	return e.policy.DefaultDuration(code), nil
}

// HealingFloor 关联病例的最早可约时间；无病例时返回 nil。
// reference 为预约自身的时间，零值按当前时间处理。
func (e *Engine) HealingFloor(ctx context.Context, q repository.DBTX, caseID *int64, reference time.Time) (*time.Time, error) {
	if caseID == nil || *caseID <= 0 || e.cases == nil {
		return nil, nil
	}
	stage, err := e.cases.GetStage(ctx, q, *caseID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := e.Now()
	ref := now
	if !reference.IsZero() {
		ref = reference.In(e.policy.Location)
	}
	floor := HealingFloor(ref, e.policy.StageDelay(stage), now)
	return &floor, nil
}

// LockCalendar 锁定医生与诊室日历，直到事务结束
func (e *Engine) LockCalendar(ctx context.Context, q repository.DBTX, doctorID int64, operatoryID *int64) error {
	keys := []string{fmt.Sprintf("doctor:%d", doctorID)}
	if operatoryID != nil && e.policy.OperatoryConflicts {
		keys = append(keys, fmt.Sprintf("operatory:%d", *operatoryID))
	}
	return e.appts.LockCalendar(ctx, q, keys...)
}
