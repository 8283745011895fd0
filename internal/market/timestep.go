package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timestep 描述一条 K 线流的采样周期（内部 duration + 数据源 interval）。
type Timestep struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
}

var supportedTimesteps = map[string]Timestep{
	"1m":  {Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	"5m":  {Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	"15m": {Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	"30m": {Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	"1h":  {Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	"4h":  {Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	"1d":  {Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour, SourceInterval: "1w"},
}

// ParseTimestep 返回标准化周期定义。
func ParseTimestep(input string) (Timestep, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	ts, ok := supportedTimesteps[key]
	if !ok {
		return Timestep{}, fmt.Errorf("不支持的周期: %s", input)
	}
	return ts, nil
}

// SupportedTimesteps 返回所有支持的 key（排序后）。
func SupportedTimesteps() []string {
	keys := make([]string, 0, len(supportedTimesteps))
	for k := range supportedTimesteps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Millis 返回周期毫秒数。
func (ts Timestep) Millis() int64 {
	return ts.Duration.Milliseconds()
}

func alignDown(v, step int64) int64 {
	if step <= 0 {
		return v
	}
	rem := v % step
	if rem < 0 {
		rem += step
	}
	return v - rem
}

// AlignRange 将毫秒时间对齐到周期网格，保证 start<=end。
func (ts Timestep) AlignRange(start, end int64) (int64, int64) {
	step := ts.Millis()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedBars 计算 start~end（含）区间按网格应存在的 K 线数量。
func (ts Timestep) ExpectedBars(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := ts.Millis()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}
