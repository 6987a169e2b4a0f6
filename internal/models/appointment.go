package models

import (
	"strings"
	"time"
)

// AppointmentStatus 预约状态（封闭枚举）
type AppointmentStatus string

const (
	AppointmentRequested  AppointmentStatus = "REQUESTED"
	AppointmentConfirmed  AppointmentStatus = "CONFIRMED"
	AppointmentCheckedIn  AppointmentStatus = "CHECKED_IN"
	AppointmentInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentCancelled  AppointmentStatus = "CANCELLED"
	AppointmentCompleted  AppointmentStatus = "COMPLETED"
	AppointmentNoShow     AppointmentStatus = "NO_SHOW"
)

// FinalAppointmentStatuses 不参与冲突检测的终态
var FinalAppointmentStatuses = []AppointmentStatus{
	AppointmentCancelled,
	AppointmentCompleted,
	AppointmentNoShow,
}

// finalAliases 历史数据中终态的其他拼写（已大写、连字符和空格转为下划线）
var finalAliases = []string{"CANCELED", "NOSHOW"}

// FinalStatusSpellings 终态在规范化后可能出现的全部拼写，供 SQL 过滤使用
func FinalStatusSpellings() []string {
	out := make([]string, 0, len(FinalAppointmentStatuses)+len(finalAliases))
	for _, s := range FinalAppointmentStatuses {
		out = append(out, string(s))
	}
	return append(out, finalAliases...)
}

// IsFinal 是否终态
func (s AppointmentStatus) IsFinal() bool {
	for _, f := range FinalAppointmentStatuses {
		if s == f {
			return true
		}
	}
	return false
}

// ParseAppointmentStatus 在读取数据库行时统一历史拼写
func ParseAppointmentStatus(raw string) (AppointmentStatus, bool) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "REQUESTED", "SCHEDULED", "PENDING":
		return AppointmentRequested, true
	case "CONFIRMED":
		return AppointmentConfirmed, true
	case "CHECKED_IN", "CHECKEDIN":
		return AppointmentCheckedIn, true
	case "IN_PROGRESS":
		return AppointmentInProgress, true
	case "CANCELLED", "CANCELED":
		return AppointmentCancelled, true
	case "COMPLETED":
		return AppointmentCompleted, true
	case "NO_SHOW", "NOSHOW":
		return AppointmentNoShow, true
	}
	return "", false
}

// Appointment 预约
type Appointment struct {
	ID                   int64
	PatientID            int64
	DoctorID             int64
	OperatoryID          *int64
	Type                 string
	Status               AppointmentStatus
	ScheduledStart       time.Time
	ScheduledEnd         *time.Time
	PredictedDurationMin *int
	LinkedCaseID         *int64
}

// End 结束时间：已存结束时间，否则开始时间加预测时长，否则加 fallback
func (a *Appointment) End(fallback time.Duration) time.Time {
	if a.ScheduledEnd != nil && a.ScheduledEnd.After(a.ScheduledStart) {
		return *a.ScheduledEnd
	}
	if a.PredictedDurationMin != nil && *a.PredictedDurationMin > 0 {
		return a.ScheduledStart.Add(time.Duration(*a.PredictedDurationMin) * time.Minute)
	}
	return a.ScheduledStart.Add(fallback)
}

// ConflictKind 冲突维度
type ConflictKind string

const (
	ConflictDoctor    ConflictKind = "DOCTOR"
	ConflictOperatory ConflictKind = "OPERATORY"
)

// Conflict 与另一预约的时间重叠
type Conflict struct {
	Kind              ConflictKind      `json:"type"`
	WithAppointmentID int64             `json:"withAppointmentId"`
	Start             time.Time         `json:"start"`
	End               time.Time         `json:"end"`
	Status            AppointmentStatus `json:"status"`
}

// CandidateSlot 可用时段
type CandidateSlot struct {
	Date        string    `json:"date"`
	StartTime   string    `json:"startTime"`
	EndTime     string    `json:"endTime"`
	DurationMin int       `json:"predictedDurationMin"`
	Start       time.Time `json:"-"`
	End         time.Time `json:"-"`
}
