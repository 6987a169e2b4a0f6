package scheduling

import (
	"strings"
	"time"
)

// StageDelay 病例阶段对应的愈合天数；未知阶段为 0
func (p Policy) StageDelay(stage string) int {
	return p.StageDelayDays[strings.ToUpper(strings.TrimSpace(stage))]
}

// HealingFloor reference + 愈合天数，且不早于 now
func HealingFloor(reference time.Time, delayDays int, now time.Time) time.Time {
	floor := reference.AddDate(0, 0, delayDays)
	if floor.Before(now) {
		return now
	}
	return floor
}
