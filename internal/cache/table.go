package cache

import (
	"context"
	"sync"

	"backcast/internal/logger"
	"backcast/internal/market"
)

// TableBackend 把每个 SeriesKey 映射到一条内存有序序列，适合工作集
// 能整个放进内存的常见场景。超出行数预算时按"最久未被查询的 key"
// 整体淘汰——淘汰换的是重新拉取的成本，绝不换正确性。
type TableBackend struct {
	maxRows int

	mu      sync.Mutex
	entries map[market.SeriesKey]*tableEntry
	tick    int64
	onEvict func(market.SeriesKey)
}

type tableEntry struct {
	series     *market.Series
	lastAccess int64
	repaired   map[string]bool // calendar name → 已修复
}

// NewTableBackend 构造内存表。maxRows<=0 表示不限。
func NewTableBackend(maxRows int) *TableBackend {
	return &TableBackend{
		maxRows: maxRows,
		entries: make(map[market.SeriesKey]*tableEntry),
	}
}

// OnEvict 注册淘汰回调；PointInTimeCache 用它同步丢弃覆盖窗口。
func (t *TableBackend) OnEvict(fn func(market.SeriesKey)) {
	t.mu.Lock()
	t.onEvict = fn
	t.mu.Unlock()
}

func (t *TableBackend) touch(e *tableEntry) {
	t.tick++
	e.lastAccess = t.tick
}

func (t *TableBackend) entry(key market.SeriesKey) *tableEntry {
	e, ok := t.entries[key]
	if !ok {
		e = &tableEntry{series: market.NewSeries(key), repaired: make(map[string]bool)}
		t.entries[key] = e
	}
	t.touch(e)
	return e
}

func (t *TableBackend) Store(ctx context.Context, key market.SeriesKey, bars []market.Bar, upsert bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(key)
	if err := e.series.Merge(bars, upsert); err != nil {
		return err
	}
	t.evictLocked(key)
	return nil
}

// evictLocked 在超出预算时淘汰最久未查询的 key。keep 指向刚写入的 key，
// 单 key 本身就超预算时允许超出，否则会自己淘汰自己陷入反复拉取。
func (t *TableBackend) evictLocked(keep market.SeriesKey) {
	if t.maxRows <= 0 {
		return
	}
	for t.totalRowsLocked() > t.maxRows && len(t.entries) > 1 {
		var victim market.SeriesKey
		oldest := int64(-1)
		for k, e := range t.entries {
			if k == keep {
				continue
			}
			if oldest < 0 || e.lastAccess < oldest {
				oldest = e.lastAccess
				victim = k
			}
		}
		if oldest < 0 {
			return
		}
		delete(t.entries, victim)
		logger.Debugf("[cache] 淘汰 %s（行数预算 %d）", victim, t.maxRows)
		if t.onEvict != nil {
			t.onEvict(victim)
		}
	}
}

func (t *TableBackend) totalRowsLocked() int {
	total := 0
	for _, e := range t.entries {
		total += e.series.Len()
	}
	return total
}

func (t *TableBackend) QueryAsOf(ctx context.Context, key market.SeriesKey, cutoff int64, length int) ([]market.Bar, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil, nil
	}
	t.touch(e)
	return e.series.TailAsOf(cutoff, length), nil
}

func (t *TableBackend) LastAsOf(ctx context.Context, key market.SeriesKey, cutoff int64) (market.Bar, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return market.Bar{}, false, nil
	}
	t.touch(e)
	b, ok := e.series.LastAsOf(cutoff)
	return b, ok, nil
}

func (t *TableBackend) Attach(ctx context.Context, key market.SeriesKey, cal *market.Calendar, step market.Timestep) error {
	if cal == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	if e.repaired[cal.Name] {
		return nil
	}
	e.series.Repair(cal, step)
	e.repaired[cal.Name] = true
	return nil
}

func (t *TableBackend) Drop(ctx context.Context, key market.SeriesKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}

// Rows 返回当前总行数（测试与诊断用）。
func (t *TableBackend) Rows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalRowsLocked()
}

func (t *TableBackend) Close() error { return nil }
