package market

import (
	"fmt"
	"sort"
)

// DuplicateTimestampError 表示同一 SeriesKey+时间戳出现了两根行情不同的 K 线。
// 数据有歧义时必须让整批摄入失败，绝不静默二选一。
type DuplicateTimestampError struct {
	Key SeriesKey
	TS  int64
}

func (e *DuplicateTimestampError) Error() string {
	return fmt.Sprintf("重复时间戳且行情不一致: %s ts=%d", e.Key, e.TS)
}

// Series 是单个 SeriesKey 的有序 K 线容器，负责排序合并与日历修复。
// 非并发安全，由持有它的 backend 负责串行访问。
type Series struct {
	key  SeriesKey
	bars []Bar
}

func NewSeries(key SeriesKey) *Series {
	return &Series{key: key}
}

func (s *Series) Key() SeriesKey { return s.key }

// Len 返回当前 K 线数量。
func (s *Series) Len() int { return len(s.bars) }

// Merge 合并一批 K 线。输入不要求有序；同 TS 且行情一致的重复是幂等 no-op，
// 行情不一致时返回 DuplicateTimestampError 且不落任何一根（整批拒绝）。
// upsert=true 用于迁移/回填，按新值覆盖旧值。
func (s *Series) Merge(bars []Bar, upsert bool) error {
	if len(bars) == 0 {
		return nil
	}
	incoming := append([]Bar(nil), bars...)
	// 稳定排序保证 upsert 批内同 TS 时以调用方给出的最后一根为准
	sort.SliceStable(incoming, func(i, j int) bool { return incoming[i].TS < incoming[j].TS })

	// 批内冲突同样视为歧义数据
	for i := 1; i < len(incoming); i++ {
		if incoming[i].TS == incoming[i-1].TS {
			if !incoming[i].SameValues(incoming[i-1]) && !upsert {
				return &DuplicateTimestampError{Key: s.key, TS: incoming[i].TS}
			}
			incoming = append(incoming[:i-1], incoming[i:]...)
			i--
		}
	}
	if !upsert {
		for _, nb := range incoming {
			if old, ok := s.at(nb.TS); ok && !old.SameValues(nb) {
				return &DuplicateTimestampError{Key: s.key, TS: nb.TS}
			}
		}
	}

	merged := make([]Bar, 0, len(s.bars)+len(incoming))
	i, j := 0, 0
	for i < len(s.bars) && j < len(incoming) {
		switch {
		case s.bars[i].TS < incoming[j].TS:
			merged = append(merged, s.bars[i])
			i++
		case s.bars[i].TS > incoming[j].TS:
			merged = append(merged, incoming[j])
			j++
		default:
			merged = append(merged, incoming[j]) // 同值或 upsert，取新
			i++
			j++
		}
	}
	merged = append(merged, s.bars[i:]...)
	merged = append(merged, incoming[j:]...)
	s.bars = merged
	return nil
}

func (s *Series) at(ts int64) (Bar, bool) {
	idx := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].TS >= ts })
	if idx < len(s.bars) && s.bars[idx].TS == ts {
		return s.bars[idx], true
	}
	return Bar{}, false
}

// Repair 按交易日历修复序列：时段外的 K 线丢弃，时段内网格缺口用上一根
// 收盘价前向填补（volume=0）。由调用方保证每个 (key, calendar) 只跑一次。
func (s *Series) Repair(cal *Calendar, step Timestep) {
	if len(s.bars) == 0 {
		return
	}
	stepMs := step.Millis()
	kept := s.bars[:0]
	for _, b := range s.bars {
		if cal.IsOpen(b.TS) {
			kept = append(kept, b)
		}
	}
	s.bars = kept
	if len(s.bars) < 2 || stepMs <= 0 {
		return
	}
	filled := make([]Bar, 0, len(s.bars))
	filled = append(filled, s.bars[0])
	for i := 1; i < len(s.bars); i++ {
		prev := filled[len(filled)-1]
		for ts := prev.TS + stepMs; ts < s.bars[i].TS; ts += stepMs {
			if !cal.IsOpen(ts) {
				continue
			}
			filled = append(filled, Bar{
				AssetID: prev.AssetID,
				QuoteID: prev.QuoteID,
				TS:      ts,
				Open:    prev.Close,
				High:    prev.Close,
				Low:     prev.Close,
				Close:   prev.Close,
				Volume:  0,
			})
		}
		filled = append(filled, s.bars[i])
	}
	s.bars = filled
}

// TailAsOf 返回 TS<=cutoff 的最后 length 根，按时间升序。
func (s *Series) TailAsOf(cutoff int64, length int) []Bar {
	if length <= 0 {
		return nil
	}
	end := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].TS > cutoff })
	start := end - length
	if start < 0 {
		start = 0
	}
	if start == end {
		return nil
	}
	out := make([]Bar, end-start)
	copy(out, s.bars[start:end])
	return out
}

// LastAsOf 返回 TS<=cutoff 的最近一根；不存在时 ok=false，不算错误。
func (s *Series) LastAsOf(cutoff int64) (Bar, bool) {
	end := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].TS > cutoff })
	if end == 0 {
		return Bar{}, false
	}
	return s.bars[end-1], true
}

// All 返回全部 K 线的拷贝（按 TS 升序）。
func (s *Series) All() []Bar {
	out := make([]Bar, len(s.bars))
	copy(out, s.bars)
	return out
}
