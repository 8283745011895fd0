package cache

import (
	"errors"
	"fmt"

	"backcast/internal/market"
)

// ErrNoData 表示覆盖窗口内确实不存在任何 K 线（上游返回空）。
var ErrNoData = errors.New("no data in requested window")

// DataUnavailableError 表示上游拉取失败或请求窗口内无数据。
// 对调用方是可恢复的类型化错误——策略可据此选择跳过、重试或中止，
// 绝不会被静默压成一个"空但没标记"的结果。
type DataUnavailableError struct {
	Key   market.SeriesKey
	Start int64
	End   int64
	Cause error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("数据不可用: %s [%d,%d): %v", e.Key, e.Start, e.End, e.Cause)
}

func (e *DataUnavailableError) Unwrap() error { return e.Cause }

// ContractViolationError 表示上游 Fetcher 违反了返回约定
// （乱序、重复时间戳、越界）。视为正确性问题，不会自动恢复。
type ContractViolationError struct {
	Key    market.SeriesKey
	Reason string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("上游数据违反约定: %s: %s", e.Key, e.Reason)
}
