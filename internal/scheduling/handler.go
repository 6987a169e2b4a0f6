package scheduling

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

// Notifier 通知出口
type Notifier interface {
	Notify(ctx context.Context, tx *repository.Tx, n models.Notification) notify.Result
}

// HandlerOptions 与数据库能力对应的可选写入
type HandlerOptions struct {
	AuditLog              bool
	RescheduleSuggestions bool
}

// AppointmentHandler 处理预约相关事件
type AppointmentHandler struct {
	engine   *Engine
	appts    AppointmentStore
	ledger   repository.IdempotencyRepository
	notifier Notifier
	opts     HandlerOptions
	logger   *zap.Logger
}

// NewAppointmentHandler 创建预约事件处理器
func NewAppointmentHandler(engine *Engine, appts AppointmentStore, ledger repository.IdempotencyRepository, notifier Notifier, opts HandlerOptions, logger *zap.Logger) *AppointmentHandler {
	return &AppointmentHandler{
		engine:   engine,
		appts:    appts,
		ledger:   ledger,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

func (h *AppointmentHandler) Name() string { return "appointment" }

// Handle 按事件类型分发
func (h *AppointmentHandler) Handle(ctx context.Context, tx *repository.Tx, ev models.Event) error {
	switch ev.Type {
	case models.EventAppointmentCreated:
		return h.onCreated(ctx, tx, ev)
	case models.EventAppointmentCompleted:
		return h.onCompleted(ctx, tx, ev)
	case models.EventAppointmentMonitorTick, models.EventAppointmentMonitorSweep:
		return h.onMonitorTick(ctx, tx)
	case models.EventAppointmentAutoScheduleRequested:
		return h.onAutoSchedule(ctx, tx, ev)
	}
	return nil
}

// loadLocked 读取并锁定预约；不存在时返回 nil, nil
func (h *AppointmentHandler) loadLocked(ctx context.Context, tx *repository.Tx, ev models.Event) (*models.Appointment, appointmentPayload, error) {
	p, err := parseAppointmentPayload(ev)
	if err != nil {
		return nil, p, err
	}
	appt, err := h.appts.GetForUpdate(ctx, tx, p.id())
	if errors.Is(err, repository.ErrNotFound) {
		h.logger.Info("Appointment not found, skipping",
			zap.Int64("appointment_id", p.id()),
			zap.String("event_type", string(ev.Type)),
		)
		return nil, p, nil
	}
	if err != nil {
		return nil, p, err
	}
	return appt, p, nil
}

func (h *AppointmentHandler) onCreated(ctx context.Context, tx *repository.Tx, ev models.Event) error {
	appt, p, err := h.loadLocked(ctx, tx, ev)
	if err != nil || appt == nil {
		return err
	}
	if appt.Status.IsFinal() {
		h.logger.Info("Appointment already final, skipping",
			zap.Int64("appointment_id", appt.ID),
			zap.String("status", string(appt.Status)),
		)
		return nil
	}
	if err := h.engine.LockCalendar(ctx, tx, appt.DoctorID, appt.OperatoryID); err != nil {
		return err
	}

	duration := p.DurationMin
	if duration <= 0 {
		if duration, err = h.engine.PredictDuration(ctx, tx, appt.Type); err != nil {
			return err
		}
	}

	floor, err := h.engine.HealingFloor(ctx, tx, appt.LinkedCaseID, appt.ScheduledStart)
	if err != nil {
		return err
	}
	start := appt.ScheduledStart.In(h.engine.Policy().Location)
	meta := map[string]interface{}{"predicted_duration_min": duration}
	if floor != nil && start.Before(*floor) {
		meta["clamped_from"] = start
		start = ceilMinute(*floor)
	}
	end := start.Add(time.Duration(duration) * time.Minute)

	conflicts, err := h.engine.DetectConflicts(ctx, tx, ConflictQuery{
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		OperatoryID:   appt.OperatoryID,
		Start:         start,
		End:           end,
	})
	if err != nil {
		return err
	}

	status := appt.Status
	switch {
	case len(conflicts) == 0 && status == models.AppointmentRequested:
		status = models.AppointmentConfirmed
	case len(conflicts) > 0 && status == models.AppointmentConfirmed:
		status = models.AppointmentRequested
	}
	if err := h.appts.UpdateSchedule(ctx, tx, appt.ID, start, end, duration, status); err != nil {
		return err
	}
	appt.ScheduledStart, appt.ScheduledEnd, appt.Status = start, &end, status

	var suggestions []models.CandidateSlot
	if len(conflicts) > 0 {
		suggestions, err = h.engine.SuggestSlots(ctx, tx, SlotRequest{
			DoctorID:             appt.DoctorID,
			OperatoryID:          appt.OperatoryID,
			TargetDate:           start,
			DurationMin:          duration,
			ExcludeAppointmentID: appt.ID,
			EarliestStart:        &start,
			NotBefore:            floor,
		})
		if err != nil {
			return err
		}
		if err := h.saveSuggestions(ctx, tx, appt.ID, "CONFLICT", suggestions); err != nil {
			return err
		}
	}

	meta["status"] = status
	meta["conflicts"] = conflicts
	meta["suggestions"] = len(suggestions)
	if err := h.audit(ctx, tx, appt.ID, "CREATED", meta); err != nil {
		return err
	}

	if len(conflicts) > 0 {
		h.notifyConflict(ctx, tx, appt, conflicts, suggestions)
	} else {
		h.notifyScheduled(ctx, tx, appt, "scheduled", "APPOINTMENT_SCHEDULED", "Appointment scheduled")
		h.scheduleReminders(ctx, tx, appt)
	}

	h.logger.Info("Appointment processed",
		zap.Int64("appointment_id", appt.ID),
		zap.String("status", string(status)),
		zap.Int("conflicts", len(conflicts)),
		zap.Int("duration_min", duration),
	)
	return nil
}

func (h *AppointmentHandler) onCompleted(ctx context.Context, tx *repository.Tx, ev models.Event) error {
	appt, _, err := h.loadLocked(ctx, tx, ev)
	if err != nil || appt == nil {
		return err
	}
	if !appt.Status.IsFinal() {
		if _, err := h.appts.SetStatusIfActive(ctx, tx, appt.ID, models.AppointmentCompleted); err != nil {
			return err
		}
	}
	if err := h.audit(ctx, tx, appt.ID, "COMPLETED", map[string]interface{}{"previous_status": appt.Status}); err != nil {
		return err
	}
	h.notifier.Notify(ctx, tx, apptNotification(appt, "patient", "completed", "APPOINTMENT_COMPLETED",
		"Visit completed", "Thank you for visiting. Your visit summary will be shared shortly."))
	h.notifier.Notify(ctx, tx, apptNotification(appt, "doctor", "completed", "APPOINTMENT_COMPLETED",
		"Visit completed", fmt.Sprintf("Appointment #%d was marked completed.", appt.ID)))
	return nil
}

func (h *AppointmentHandler) onMonitorTick(ctx context.Context, tx *repository.Tx) error {
	policy := h.engine.Policy()
	now := h.engine.Now()
	from := policy.Midnight(now)

	rows, err := h.appts.ListForDay(ctx, tx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	noShows, delays := 0, 0
	for i := range rows {
		a := &rows[i]
		if a.Status.IsFinal() {
			continue
		}
		switch {
		case now.After(a.ScheduledStart.Add(policy.NoShowGrace)):
			marked, err := h.markNoShow(ctx, tx, a)
			if err != nil {
				return err
			}
			if marked {
				noShows++
			}
		case now.After(a.ScheduledStart.Add(policy.DelayGrace)):
			key := fmt.Sprintf("appt:%d:delay:%s", a.ID, now.Format("2006-01-02"))
			ok, err := h.ledger.TryAcquire(ctx, tx, key, "appointment", 24*time.Hour)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			delays++
			late := int(now.Sub(a.ScheduledStart) / time.Minute)
			msg := fmt.Sprintf("Patient for appointment #%d is %d minutes late.", a.ID, late)
			doc := apptNotification(a, "doctor", "delay", "APPOINTMENT_DELAY", "Patient running late", msg)
			doc.DedupeKey = ""
			admin := apptNotification(a, "admin", "delay", "APPOINTMENT_DELAY", "Patient running late", msg)
			admin.DedupeKey = ""
			h.notifier.Notify(ctx, tx, doc)
			h.notifier.Notify(ctx, tx, admin)
		}
	}

	if noShows > 0 || delays > 0 {
		h.logger.Info("Appointment monitor sweep",
			zap.Int("scanned", len(rows)),
			zap.Int("no_shows", noShows),
			zap.Int("delays", delays),
		)
	}
	return nil
}

func (h *AppointmentHandler) markNoShow(ctx context.Context, tx *repository.Tx, a *models.Appointment) (bool, error) {
	ok, err := h.appts.SetStatusIfActive(ctx, tx, a.ID, models.AppointmentNoShow)
	if err != nil || !ok {
		return false, err
	}
	policy := h.engine.Policy()
	duration := int(a.End(policy.DefaultBusy).Sub(a.ScheduledStart) / time.Minute)

	suggestions, err := h.engine.SuggestSlots(ctx, tx, SlotRequest{
		DoctorID:             a.DoctorID,
		OperatoryID:          a.OperatoryID,
		TargetDate:           h.engine.Now(),
		DurationMin:          duration,
		ExcludeAppointmentID: a.ID,
		Limit:                policy.NoShowLimit,
	})
	if err != nil {
		return false, err
	}
	if err := h.saveSuggestions(ctx, tx, a.ID, "NO_SHOW", suggestions); err != nil {
		return false, err
	}
	if err := h.audit(ctx, tx, a.ID, "NO_SHOW", map[string]interface{}{
		"scheduled_start": a.ScheduledStart,
		"suggestions":     len(suggestions),
	}); err != nil {
		return false, err
	}

	when := prettyTime(a.ScheduledStart.In(policy.Location))
	h.notifier.Notify(ctx, tx, withSlots(apptNotification(a, "patient", "noshow", "APPOINTMENT_NO_SHOW",
		"Missed appointment", fmt.Sprintf("We missed you at %s. Please pick a new time.", when)), suggestions))
	h.notifier.Notify(ctx, tx, apptNotification(a, "doctor", "noshow", "APPOINTMENT_NO_SHOW",
		"Patient no-show", fmt.Sprintf("Appointment #%d at %s was marked no-show.", a.ID, when)))
	h.notifier.Notify(ctx, tx, withSlots(apptNotification(a, "admin", "noshow", "APPOINTMENT_NO_SHOW",
		"Patient no-show", fmt.Sprintf("Appointment #%d at %s was marked no-show.", a.ID, when)), suggestions))
	return true, nil
}

func (h *AppointmentHandler) onAutoSchedule(ctx context.Context, tx *repository.Tx, ev models.Event) error {
	appt, p, err := h.loadLocked(ctx, tx, ev)
	if err != nil || appt == nil {
		return err
	}
	if appt.Status.IsFinal() {
		return h.autoScheduleFailed(ctx, tx, appt, map[string]interface{}{
			"reason": "final_status",
			"status": appt.Status,
		})
	}
	if err := h.engine.LockCalendar(ctx, tx, appt.DoctorID, appt.OperatoryID); err != nil {
		return err
	}

	duration := p.DurationMin
	if duration <= 0 && appt.PredictedDurationMin != nil {
		duration = *appt.PredictedDurationMin
	}
	if duration <= 0 {
		if duration, err = h.engine.PredictDuration(ctx, tx, appt.Type); err != nil {
			return err
		}
	}
	floor, err := h.engine.HealingFloor(ctx, tx, appt.LinkedCaseID, appt.ScheduledStart)
	if err != nil {
		return err
	}

	target := appt.ScheduledStart
	if now := h.engine.Now(); target.Before(now) {
		target = now
	}
	suggestions, err := h.engine.SuggestSlots(ctx, tx, SlotRequest{
		DoctorID:             appt.DoctorID,
		OperatoryID:          appt.OperatoryID,
		TargetDate:           target,
		DurationMin:          duration,
		ExcludeAppointmentID: appt.ID,
		Limit:                p.Limit,
		DaysAhead:            p.DaysAhead,
		NotBefore:            floor,
	})
	if err != nil {
		return err
	}
	if len(suggestions) == 0 {
		return h.autoScheduleFailed(ctx, tx, appt, map[string]interface{}{
			"reason":       "no_slots",
			"duration_min": duration,
			"days_ahead":   h.engine.horizon(p.DaysAhead),
		})
	}

	chosen := suggestions[0]
	previous := appt.ScheduledStart
	if err := h.appts.UpdateSchedule(ctx, tx, appt.ID, chosen.Start, chosen.End, duration, models.AppointmentConfirmed); err != nil {
		return err
	}
	appt.ScheduledStart, appt.ScheduledEnd, appt.Status = chosen.Start, &chosen.End, models.AppointmentConfirmed

	if err := h.audit(ctx, tx, appt.ID, "AUTO_SCHEDULED", map[string]interface{}{
		"from":         previous,
		"to":           chosen,
		"alternatives": len(suggestions) - 1,
	}); err != nil {
		return err
	}
	h.notifyScheduled(ctx, tx, appt, "autoscheduled", "APPOINTMENT_AUTO_SCHEDULED", "Appointment booked")
	h.scheduleReminders(ctx, tx, appt)
	return nil
}

// autoScheduleFailed 记录失败原因；未开启审计日志时改为通知管理员
func (h *AppointmentHandler) autoScheduleFailed(ctx context.Context, tx *repository.Tx, a *models.Appointment, meta map[string]interface{}) error {
	reason, _ := meta["reason"].(string)
	h.logger.Warn("Auto-schedule failed",
		zap.Int64("appointment_id", a.ID),
		zap.String("reason", reason),
	)
	if h.opts.AuditLog {
		return h.audit(ctx, tx, a.ID, "AUTO_SCHEDULE_FAILED", meta)
	}
	n := apptNotification(a, "admin", "autoschedule_failed:"+reason, "APPOINTMENT_AUTO_SCHEDULE_FAILED",
		"Auto-schedule failed", fmt.Sprintf("Appointment #%d could not be auto-scheduled (%s).", a.ID, reason))
	n.TemplateVars = meta
	h.notifier.Notify(ctx, tx, n)
	return nil
}

func (h *AppointmentHandler) audit(ctx context.Context, tx *repository.Tx, apptID int64, action string, meta map[string]interface{}) error {
	if !h.opts.AuditLog {
		return nil
	}
	meta["source"] = "dispatch_worker"
	return h.appts.InsertAudit(ctx, tx, apptID, action, meta)
}

func (h *AppointmentHandler) saveSuggestions(ctx context.Context, tx *repository.Tx, apptID int64, reason string, slots []models.CandidateSlot) error {
	if !h.opts.RescheduleSuggestions || len(slots) == 0 {
		return nil
	}
	_, err := h.appts.InsertRescheduleSuggestion(ctx, tx, apptID, reason, slots)
	return err
}

func (h *AppointmentHandler) notifyScheduled(ctx context.Context, tx *repository.Tx, a *models.Appointment, kind, notifType, title string) {
	when := prettyTime(a.ScheduledStart.In(h.engine.Policy().Location))
	h.notifier.Notify(ctx, tx, apptNotification(a, "patient", kind, notifType, title,
		fmt.Sprintf("Your appointment is confirmed for %s.", when)))
	h.notifier.Notify(ctx, tx, apptNotification(a, "doctor", kind, notifType, title,
		fmt.Sprintf("Appointment #%d is confirmed for %s.", a.ID, when)))
	h.notifier.Notify(ctx, tx, apptNotification(a, "admin", kind, notifType, title,
		fmt.Sprintf("Appointment #%d is confirmed for %s.", a.ID, when)))
}

func (h *AppointmentHandler) notifyConflict(ctx context.Context, tx *repository.Tx, a *models.Appointment, conflicts []models.Conflict, slots []models.CandidateSlot) {
	when := prettyTime(a.ScheduledStart.In(h.engine.Policy().Location))
	patient := withSlots(apptNotification(a, "patient", "conflict", "APPOINTMENT_CONFLICT",
		"Please choose another time", fmt.Sprintf("The slot at %s is no longer available.", when)), slots)
	admin := withSlots(apptNotification(a, "admin", "conflict", "APPOINTMENT_CONFLICT",
		"Scheduling conflict", fmt.Sprintf("Appointment #%d at %s conflicts with %d booking(s).", a.ID, when, len(conflicts))), slots)
	admin.Priority = 80
	admin.TemplateVars["conflicts"] = conflicts
	h.notifier.Notify(ctx, tx, patient)
	h.notifier.Notify(ctx, tx, admin)
}

func (h *AppointmentHandler) scheduleReminders(ctx context.Context, tx *repository.Tx, a *models.Appointment) {
	now := h.engine.Now()
	when := prettyTime(a.ScheduledStart.In(h.engine.Policy().Location))
	for _, r := range reminderOffsets {
		at := a.ScheduledStart.Add(-r.offset)
		if !at.After(now) {
			continue
		}
		n := apptNotification(a, "patient", "reminder:"+r.label, "APPOINTMENT_REMINDER",
			"Appointment reminder", fmt.Sprintf("Reminder: your appointment is at %s.", when))
		n.ScheduledAt = &at
		h.notifier.Notify(ctx, tx, n)
	}
}

func withSlots(n models.Notification, slots []models.CandidateSlot) models.Notification {
	if n.TemplateVars == nil {
		n.TemplateVars = map[string]interface{}{}
	}
	n.TemplateVars["suggestedSlots"] = slots
	return n
}

func ceilMinute(t time.Time) time.Time {
	if r := t.Truncate(time.Minute); !r.Equal(t) {
		return r.Add(time.Minute)
	}
	return t
}
