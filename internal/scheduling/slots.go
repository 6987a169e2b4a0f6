package scheduling

import (
	"time"

	"dentra-dispatch/internal/models"
)

// BusyWindow 已占用区间 [Start, End)
type BusyWindow struct {
	Start         time.Time
	End           time.Time
	AppointmentID int64
}

// Overlaps 开区间重叠：首尾相接不算冲突
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// BusyWindows 将预约转为占用区间，跳过终态与 excludeID
func BusyWindows(rows []models.Appointment, excludeID int64, fallback time.Duration) []BusyWindow {
	out := make([]BusyWindow, 0, len(rows))
	for i := range rows {
		a := &rows[i]
		if a.ID == excludeID || a.Status.IsFinal() {
			continue
		}
		out = append(out, BusyWindow{Start: a.ScheduledStart, End: a.End(fallback), AppointmentID: a.ID})
	}
	return out
}

// FindConflicts 目标区间与 rows 中非终态预约的重叠
func FindConflicts(kind models.ConflictKind, start, end time.Time, rows []models.Appointment, excludeID int64, fallback time.Duration) []models.Conflict {
	var out []models.Conflict
	for i := range rows {
		a := &rows[i]
		if a.ID == excludeID || a.Status.IsFinal() {
			continue
		}
		aEnd := a.End(fallback)
		if Overlaps(start, end, a.ScheduledStart, aEnd) {
			out = append(out, models.Conflict{
				Kind:              kind,
				WithAppointmentID: a.ID,
				Start:             a.ScheduledStart,
				End:               aEnd,
				Status:            a.Status,
			})
		}
	}
	return out
}

// DaySearch 单日搜索参数
type DaySearch struct {
	WorkStart time.Time
	WorkEnd   time.Time
	Step      time.Duration
	Duration  time.Duration
	Earliest  *time.Time // 仅第一天生效
	NotBefore *time.Time
	Now       time.Time
	Buffer    time.Duration
	Busy      []BusyWindow
	Limit     int
}

// SearchDay 从 max(营业开始, Earliest) 起按步长扫描，返回可用时段
func SearchDay(p DaySearch) []models.CandidateSlot {
	if p.Step <= 0 || p.Duration <= 0 || p.Limit <= 0 {
		return nil
	}
	cursor := p.WorkStart
	if p.Earliest != nil && p.Earliest.After(cursor) {
		cursor = *p.Earliest
	}
	minStart := p.Now.Add(p.Buffer)

	var out []models.CandidateSlot
	for ; !cursor.Add(p.Duration).After(p.WorkEnd) && len(out) < p.Limit; cursor = cursor.Add(p.Step) {
		end := cursor.Add(p.Duration)
		if cursor.Before(minStart) {
			continue
		}
		if p.NotBefore != nil && cursor.Before(*p.NotBefore) {
			continue
		}
		if overlapsAny(cursor, end, p.Busy) {
			continue
		}
		out = append(out, NewCandidate(cursor, end))
	}
	return out
}

func overlapsAny(start, end time.Time, busy []BusyWindow) bool {
	for _, b := range busy {
		if Overlaps(start, end, b.Start, b.End) {
			return true
		}
	}
	return false
}

// NewCandidate 以 start 所在时区格式化
func NewCandidate(start, end time.Time) models.CandidateSlot {
	return models.CandidateSlot{
		Date:        start.Format("2006-01-02"),
		StartTime:   start.Format("15:04"),
		EndTime:     end.Format("15:04"),
		DurationMin: int(end.Sub(start) / time.Minute),
		Start:       start,
		End:         end,
	}
}
