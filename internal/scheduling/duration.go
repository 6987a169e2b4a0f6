package scheduling

import (
	"sort"
	"strings"
)

// NormalizeProcedure 统一手术类型编码，空值视为 CONSULTATION
func NormalizeProcedure(s string) string {
	t := strings.ToUpper(strings.TrimSpace(s))
	t = strings.NewReplacer("-", "_", " ", "_").Replace(t)
	if t == "" {
		t = "CONSULTATION"
	}
	if len(t) > 50 {
		t = t[:50]
	}
	return t
}

// DefaultDuration 默认时长表
func (p Policy) DefaultDuration(procedure string) int {
	if d, ok := p.DefaultDurations[NormalizeProcedure(procedure)]; ok {
		return d
	}
	return p.FallbackDuration
}

// MedianDuration 样本不少于 MinSamples 时返回截断到 [MinDuration, MaxDuration] 的中位数
func (p Policy) MedianDuration(samples []int) (int, bool) {
	vals := make([]int, 0, len(samples))
	for _, v := range samples {
		if v > 0 {
			vals = append(vals, v)
		}
	}
	if len(vals) < p.MinSamples || len(vals) == 0 {
		return 0, false
	}
	sort.Ints(vals)
	mid := len(vals) / 2
	med := vals[mid]
	if len(vals)%2 == 0 {
		med = (vals[mid-1] + vals[mid]) / 2
	}
	if med < p.MinDuration {
		med = p.MinDuration
	}
	if med > p.MaxDuration {
		med = p.MaxDuration
	}
	return med, true
}
