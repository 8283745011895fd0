package market

import (
	"fmt"
	"strings"
	"time"
)

// Session 表示一天内的交易时段（UTC，自零点起的分钟偏移，半开区间）。
type Session struct {
	OpenMin  int
	CloseMin int
}

// Calendar 描述每周交易日历：每个 weekday 一组时段。
// 同名日历视为相同配置，backend 据此做一次性 repair 去重。
type Calendar struct {
	Name     string
	Weekdays map[time.Weekday][]Session
}

// AlwaysOpen 全天候市场（加密货币等），永不丢弃、永不填补。
func AlwaysOpen() *Calendar {
	return &Calendar{Name: "always"}
}

// WeekdayCalendar 构造工作日日历，openMin~closeMin 为 UTC 分钟偏移。
func WeekdayCalendar(name string, openMin, closeMin int) (*Calendar, error) {
	if name == "" {
		return nil, fmt.Errorf("calendar name 不能为空")
	}
	if openMin < 0 || closeMin > 24*60 || closeMin <= openMin {
		return nil, fmt.Errorf("时段非法: [%d,%d)", openMin, closeMin)
	}
	wd := make(map[time.Weekday][]Session, 5)
	for d := time.Monday; d <= time.Friday; d++ {
		wd[d] = []Session{{OpenMin: openMin, CloseMin: closeMin}}
	}
	return &Calendar{Name: strings.ToLower(name), Weekdays: wd}, nil
}

// IsOpen 判断毫秒时间戳是否落在交易时段内。
// 无 Weekdays 配置表示全天候市场。
func (c *Calendar) IsOpen(ts int64) bool {
	if c == nil || len(c.Weekdays) == 0 {
		return true
	}
	t := time.UnixMilli(ts).UTC()
	sessions, ok := c.Weekdays[t.Weekday()]
	if !ok {
		return false
	}
	min := t.Hour()*60 + t.Minute()
	for _, s := range sessions {
		if min >= s.OpenMin && min < s.CloseMin {
			return true
		}
	}
	return false
}
