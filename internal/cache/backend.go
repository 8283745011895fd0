package cache

import (
	"context"
	"fmt"

	"backcast/internal/market"
)

// Backend 统一内存表与嵌入式 SQL 两种存储的行为。
// 选择哪个实现是构造期配置，PointInTimeCache 之外不可见。
type Backend interface {
	// Store 落一批 K 线。upsert=true 时同 key+ts 覆盖（迁移/回填），
	// 否则行情不一致的重复时间戳让整批失败。
	Store(ctx context.Context, key market.SeriesKey, bars []market.Bar, upsert bool) error
	// QueryAsOf 返回 TS<=cutoff 的最后 length 根，按时间升序。
	QueryAsOf(ctx context.Context, key market.SeriesKey, cutoff int64, length int) ([]market.Bar, error)
	// LastAsOf 返回 TS<=cutoff 的最近一根；不存在时 ok=false。
	LastAsOf(ctx context.Context, key market.SeriesKey, cutoff int64) (market.Bar, bool, error)
	// Attach 将 key 绑定到交易日历并执行一次性修复（时段外丢弃、
	// 时段内缺口前向填补）。同一 (key, calendar) 重复调用是 no-op。
	Attach(ctx context.Context, key market.SeriesKey, cal *market.Calendar, step market.Timestep) error
	// Drop 删除 key 的全部数据。
	Drop(ctx context.Context, key market.SeriesKey) error
	Close() error
}

// Fetcher 是上游数据源约定：返回按 TS 升序、无重复、落在 [start,end) 内的 K 线。
type Fetcher interface {
	Fetch(ctx context.Context, key market.SeriesKey, start, end int64) ([]market.Bar, error)
	Name() string
}

// validateFetched 校验上游返回是否守约；越界/乱序/重复一律拒收。
func validateFetched(key market.SeriesKey, bars []market.Bar, start, end int64) error {
	for i, b := range bars {
		if b.TS < start || b.TS >= end {
			return &ContractViolationError{Key: key, Reason: fmt.Sprintf("ts=%d 超出 [%d,%d)", b.TS, start, end)}
		}
		if i > 0 && bars[i].TS <= bars[i-1].TS {
			return &ContractViolationError{Key: key, Reason: fmt.Sprintf("ts=%d 乱序或重复", b.TS)}
		}
	}
	return nil
}
