package cache

import "sort"

// Window 是一个半开覆盖区间 [Start, End)。
type Window struct {
	Start int64
	End   int64
}

// coverageSet 维护单个 SeriesKey 已拉取过的区间并集。
// 相邻或重叠的窗口在 Add 时合并，Missing 只返回真正的缺口，
// 已覆盖部分（哪怕只是部分重叠）绝不重复拉取。
type coverageSet struct {
	wins []Window
}

// Add 合并一个窗口。空区间忽略。
func (c *coverageSet) Add(start, end int64) {
	if end <= start {
		return
	}
	idx := sort.Search(len(c.wins), func(i int) bool { return c.wins[i].Start > start })
	c.wins = append(c.wins, Window{})
	copy(c.wins[idx+1:], c.wins[idx:])
	c.wins[idx] = Window{Start: start, End: end}

	merged := c.wins[:1]
	for _, w := range c.wins[1:] {
		last := &merged[len(merged)-1]
		if w.Start <= last.End { // 重叠或相邻
			if w.End > last.End {
				last.End = w.End
			}
			continue
		}
		merged = append(merged, w)
	}
	c.wins = merged
}

// Missing 返回 [start,end) 中尚未覆盖的子区间。
func (c *coverageSet) Missing(start, end int64) []Window {
	if end <= start {
		return nil
	}
	var gaps []Window
	cursor := start
	for _, w := range c.wins {
		if w.End <= cursor {
			continue
		}
		if w.Start >= end {
			break
		}
		if w.Start > cursor {
			gaps = append(gaps, Window{Start: cursor, End: w.Start})
		}
		if w.End > cursor {
			cursor = w.End
		}
		if cursor >= end {
			return gaps
		}
	}
	if cursor < end {
		gaps = append(gaps, Window{Start: cursor, End: end})
	}
	return gaps
}

// Covers 判断 [start,end) 是否已完全覆盖。
func (c *coverageSet) Covers(start, end int64) bool {
	return len(c.Missing(start, end)) == 0
}

// Windows 返回覆盖窗口快照（诊断用）。
func (c *coverageSet) Windows() []Window {
	out := make([]Window, len(c.wins))
	copy(out, c.wins)
	return out
}
