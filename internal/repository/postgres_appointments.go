package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"dentra-dispatch/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const appointmentColumns = `id, patient_id, doctor_id, operatory_id, type, status,
	scheduled_start, scheduled_end, predicted_duration_min, linked_case_id`

// CalendarFilter 按医生和/或诊室（OR）查询时间窗内的有效预约
type CalendarFilter struct {
	DoctorID    *int64
	OperatoryID *int64
	From        time.Time
	To          time.Time
	ExcludeID   int64
}

// AppointmentsRepository 预约读写；所有方法在调用方提供的连接或事务上执行
type AppointmentsRepository struct {
	logger *zap.Logger
}

// NewAppointmentsRepository 创建预约仓库
func NewAppointmentsRepository(logger *zap.Logger) *AppointmentsRepository {
	return &AppointmentsRepository{logger: logger}
}

// normalizedStatus 历史拼写（Canceled、No-show、Completed）统一为大写下划线形式
const normalizedStatus = `upper(replace(replace(trim(status), '-', '_'), ' ', '_'))`

func finalStatuses() interface{} {
	return pq.Array(models.FinalStatusSpellings())
}

// GetForUpdate 读取并锁定预约行
func (r *AppointmentsRepository) GetForUpdate(ctx context.Context, q DBTX, id int64) (*models.Appointment, error) {
	if id <= 0 {
		return nil, fmt.Errorf("appointment_id is required")
	}
	appt, err := r.scanAppointment(q.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment %d: %w", id, err)
	}
	return appt, nil
}

// ListActive 时间窗内非终态预约（按开始时间排序）
func (r *AppointmentsRepository) ListActive(ctx context.Context, q DBTX, f CalendarFilter) ([]models.Appointment, error) {
	args := []interface{}{finalStatuses(), f.From, f.To, f.ExcludeID}
	var dims []string
	if f.DoctorID != nil {
		args = append(args, *f.DoctorID)
		dims = append(dims, fmt.Sprintf("doctor_id = $%d", len(args)))
	}
	if f.OperatoryID != nil {
		args = append(args, *f.OperatoryID)
		dims = append(dims, fmt.Sprintf("operatory_id = $%d", len(args)))
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("doctor_id or operatory_id is required")
	}

	query := `SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE ` + normalizedStatus + ` <> ALL($1)
		  AND scheduled_start >= $2 AND scheduled_start < $3
		  AND id <> $4
		  AND (` + strings.Join(dims, " OR ") + `)
		ORDER BY scheduled_start, id`
	return r.list(ctx, q, query, args...)
}

// ListForDay [from, to) 内所有非终态预约
func (r *AppointmentsRepository) ListForDay(ctx context.Context, q DBTX, from, to time.Time) ([]models.Appointment, error) {
	return r.list(ctx, q, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+normalizedStatus+` <> ALL($1)
		  AND scheduled_start >= $2 AND scheduled_start < $3
		ORDER BY scheduled_start, id`, finalStatuses(), from, to)
}

// UpdateSchedule 写入时间、预测时长与状态
func (r *AppointmentsRepository) UpdateSchedule(ctx context.Context, q DBTX, id int64, start, end time.Time, durationMin int, status models.AppointmentStatus) error {
	_, err := q.ExecContext(ctx, `
		UPDATE appointments
		SET scheduled_start = $2,
		    scheduled_end = $3,
		    predicted_duration_min = $4,
		    status = $5,
		    updated_at = now()
		WHERE id = $1
	`, id, start, end, durationMin, string(status))
	if err != nil {
		return fmt.Errorf("failed to update appointment %d: %w", id, err)
	}
	return nil
}

// SetStatusIfActive 仅在当前非终态时更新状态，返回是否更新
func (r *AppointmentsRepository) SetStatusIfActive(ctx context.Context, q DBTX, id int64, status models.AppointmentStatus) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE appointments
		SET status = $2, updated_at = now()
		WHERE id = $1 AND `+normalizedStatus+` <> ALL($3)
	`, id, string(status), finalStatuses())
	if err != nil {
		return false, fmt.Errorf("failed to set appointment %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LockCalendar 事务级咨询锁；键排序后依次加锁，避免死锁
func (r *AppointmentsRepository) LockCalendar(ctx context.Context, q DBTX, keys ...string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, k := range sorted {
		if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, k); err != nil {
			return fmt.Errorf("failed to lock calendar %s: %w", k, err)
		}
	}
	return nil
}

// InsertAudit 写审计日志
func (r *AppointmentsRepository) InsertAudit(ctx context.Context, q DBTX, appointmentID int64, action string, meta map[string]interface{}) error {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode audit meta: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO appointment_audit_logs (appointment_id, action, meta_json) VALUES ($1, $2, $3)`,
		appointmentID, action, raw,
	); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// InsertRescheduleSuggestion 已有 PENDING 建议时不再插入，返回是否插入
func (r *AppointmentsRepository) InsertRescheduleSuggestion(ctx context.Context, q DBTX, appointmentID int64, reason string, slots []models.CandidateSlot) (bool, error) {
	raw, err := json.Marshal(slots)
	if err != nil {
		return false, fmt.Errorf("failed to encode slots: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO appointment_reschedule_suggestions (appointment_id, reason, suggested_slots_json, status)
		SELECT $1, $2, $3, 'PENDING'
		WHERE NOT EXISTS (
			SELECT 1 FROM appointment_reschedule_suggestions
			WHERE appointment_id = $1 AND status = 'PENDING'
		)
	`, appointmentID, reason, raw)
	if err != nil {
		return false, fmt.Errorf("failed to insert reschedule suggestion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *AppointmentsRepository) list(ctx context.Context, q DBTX, query string, args ...interface{}) ([]models.Appointment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *AppointmentsRepository) scanAppointment(row rowScanner) (*models.Appointment, error) {
	var (
		a         models.Appointment
		status    string
		operatory sql.NullInt64
		end       sql.NullTime
		predicted sql.NullInt64
		caseID    sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &operatory, &a.Type, &status,
		&a.ScheduledStart, &end, &predicted, &caseID); err != nil {
		return nil, err
	}

	parsed, ok := models.ParseAppointmentStatus(status)
	if !ok {
		// 未知状态按有效预约处理，继续占用日历
		r.logger.Warn("Unknown appointment status",
			zap.Int64("appointment_id", a.ID),
			zap.String("status", status),
		)
		parsed = models.AppointmentRequested
	}
	a.Status = parsed
	if operatory.Valid {
		a.OperatoryID = &operatory.Int64
	}
	if end.Valid {
		a.ScheduledEnd = &end.Time
	}
	if predicted.Valid {
		v := int(predicted.Int64)
		a.PredictedDurationMin = &v
	}
	if caseID.Valid {
		a.LinkedCaseID = &caseID.Int64
	}
	return &a, nil
}
