package timing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// searchDays 查找边界时回溯/前探的最大天数，覆盖一个完整的周末
const searchDays = 8

// ClockTime 一天中的时刻（时:分）
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClockTime 解析 "HH:MM" 或 "H" 形式的时刻
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	hourPart, minutePart, hasMinute := strings.Cut(s, ":")

	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 23 {
		return ClockTime{}, fmt.Errorf("无效的刷新时刻 %q", s)
	}
	minute := 0
	if hasMinute {
		minute, err = strconv.Atoi(minutePart)
		if err != nil || minute < 0 || minute > 59 {
			return ClockTime{}, fmt.Errorf("无效的刷新时刻 %q", s)
		}
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

// RefreshSchedule 固定的每日刷新边界。上游数据在已知时刻集中发布，
// 跨过任一边界的缓存都视为过期。
type RefreshSchedule struct {
	times            []ClockTime
	loc              *time.Location
	businessDaysOnly bool
}

// NewRefreshSchedule 创建刷新计划，marks 为空时返回的计划没有任何边界
func NewRefreshSchedule(marks []string, loc *time.Location, businessDaysOnly bool) (*RefreshSchedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	times := make([]ClockTime, 0, len(marks))
	for _, mark := range marks {
		ct, err := ParseClockTime(mark)
		if err != nil {
			return nil, err
		}
		times = append(times, ct)
	}
	sort.Slice(times, func(i, j int) bool {
		if times[i].Hour != times[j].Hour {
			return times[i].Hour < times[j].Hour
		}
		return times[i].Minute < times[j].Minute
	})
	return &RefreshSchedule{times: times, loc: loc, businessDaysOnly: businessDaysOnly}, nil
}

// IsEmpty 是否没有配置任何边界
func (s *RefreshSchedule) IsEmpty() bool {
	return s == nil || len(s.times) == 0
}

// Times 返回已排序的刷新时刻
func (s *RefreshSchedule) Times() []ClockTime {
	if s == nil {
		return nil
	}
	out := make([]ClockTime, len(s.times))
	copy(out, s.times)
	return out
}

// IsBusinessDay 判断是否是工作日（周一到周五）
func (s *RefreshSchedule) IsBusinessDay(t time.Time) bool {
	weekday := t.Weekday()
	return weekday >= time.Monday && weekday <= time.Friday
}

// LastBoundary 返回不晚于 now 的最近一个边界
func (s *RefreshSchedule) LastBoundary(now time.Time) (time.Time, bool) {
	if s.IsEmpty() {
		return time.Time{}, false
	}
	local := now.In(s.loc)
	for d := 0; d <= searchDays; d++ {
		day := local.AddDate(0, 0, -d)
		if s.businessDaysOnly && !s.IsBusinessDay(day) {
			continue
		}
		for i := len(s.times) - 1; i >= 0; i-- {
			b := s.boundaryOn(day, s.times[i])
			if !b.After(now) {
				return b, true
			}
		}
	}
	return time.Time{}, false
}

// NextBoundary 返回严格晚于 after 的下一个边界
func (s *RefreshSchedule) NextBoundary(after time.Time) (time.Time, bool) {
	if s.IsEmpty() {
		return time.Time{}, false
	}
	local := after.In(s.loc)
	for d := 0; d <= searchDays; d++ {
		day := local.AddDate(0, 0, d)
		if s.businessDaysOnly && !s.IsBusinessDay(day) {
			continue
		}
		for _, ct := range s.times {
			b := s.boundaryOn(day, ct)
			if b.After(after) {
				return b, true
			}
		}
	}
	return time.Time{}, false
}

// Crossed 判断 (since, now] 区间内是否存在边界
func (s *RefreshSchedule) Crossed(since, now time.Time) bool {
	b, ok := s.LastBoundary(now)
	return ok && b.After(since)
}

func (s *RefreshSchedule) boundaryOn(day time.Time, ct ClockTime) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), ct.Hour, ct.Minute, 0, 0, s.loc)
}
