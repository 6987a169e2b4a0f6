package scheduling

import (
	"fmt"
	"strings"
	"time"
)

// Policy 排班规则
type Policy struct {
	Location        *time.Location
	WorkStart       time.Duration // 距当日零点
	WorkEnd         time.Duration
	SlotStep        time.Duration
	DaysAhead       int
	PastBuffer      time.Duration // 当天的候选时段至少晚于 now + PastBuffer
	DefaultBusy     time.Duration // 既无结束时间也无预测时长时的占用时长
	DelayGrace      time.Duration
	NoShowGrace     time.Duration
	SuggestionLimit int
	NoShowLimit     int

	StageDelayDays   map[string]int
	DefaultDurations map[string]int
	FallbackDuration int
	MinSamples       int
	MinDuration      int
	MaxDuration      int

	OperatoryConflicts bool
	DurationHistory    bool
}

// DefaultPolicy 诊所默认规则
func DefaultPolicy(loc *time.Location) Policy {
	if loc == nil {
		loc = time.UTC
	}
	return Policy{
		Location:        loc,
		WorkStart:       9 * time.Hour,
		WorkEnd:         18 * time.Hour,
		SlotStep:        15 * time.Minute,
		DaysAhead:       7,
		PastBuffer:      2 * time.Minute,
		DefaultBusy:     30 * time.Minute,
		DelayGrace:      10 * time.Minute,
		NoShowGrace:     45 * time.Minute,
		SuggestionLimit: 10,
		NoShowLimit:     8,
		StageDelayDays: map[string]int{
			"NEW":                0,
			"IN_TREATMENT":       3,
			"WAITING_ON_PATIENT": 7,
			"CLOSED":             0,
			"COMPLETED":          0,
		},
		DefaultDurations: map[string]int{
			"CONSULTATION": 20,
			"CHECKUP":      20,
			"SCALING":      45,
			"FILLING":      60,
			"EXTRACTION":   45,
			"ROOT_CANAL":   90,
			"IMPLANT":      120,
		},
		FallbackDuration:   30,
		MinSamples:         5,
		MinDuration:        10,
		MaxDuration:        240,
		OperatoryConflicts: true,
		DurationHistory:    true,
	}
}

// ParseClock 解析 "HH:MM" 为距零点的时长
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Midnight 给定时刻在诊所时区的当日零点
func (p Policy) Midnight(t time.Time) time.Time {
	t = t.In(p.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.Location)
}

// WorkWindow 某天的营业时间
func (p Policy) WorkWindow(day time.Time) (time.Time, time.Time) {
	midnight := p.Midnight(day)
	return clockOn(midnight, p.WorkStart), clockOn(midnight, p.WorkEnd)
}

// clockOn 避免夏令时切换日直接加时长产生偏差
func clockOn(midnight time.Time, offset time.Duration) time.Time {
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day(), h, m, 0, 0, midnight.Location())
}
