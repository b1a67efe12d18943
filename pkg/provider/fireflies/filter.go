package fireflies

import (
	"encoding/json"
	"time"

	"taskforge/pkg/provider/core"
)

// MeetingTime 读取转录的 date 字段（毫秒时间戳）
func MeetingTime(r core.Record) (time.Time, bool) {
	var doc struct {
		Date json.Number `json:"date"`
	}
	if err := json.Unmarshal(r.Payload, &doc); err != nil || doc.Date == "" {
		return time.Time{}, false
	}
	ms, err := doc.Date.Float64()
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

// FilterByDay 只保留会议日期落在 day 所在自然日（按 loc）的转录，保持原有顺序
func FilterByDay(records []core.Record, day time.Time, loc *time.Location) []core.Record {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.In(loc).Date()
	out := make([]core.Record, 0)
	for _, r := range records {
		t, ok := MeetingTime(r)
		if !ok {
			continue
		}
		ty, tm, td := t.In(loc).Date()
		if ty == y && tm == m && td == d {
			out = append(out, r)
		}
	}
	return out
}
