package source

import (
	"context"
	"math"

	"backcast/internal/market"
)

// Synthetic 按时间戳确定性地生成 K 线，离线运行与测试用。
// 同一 (key, ts) 永远生成同一根，天然满足 Fetcher 的有序/无重复约定。
type Synthetic struct {
	Base float64 // 基准价，<=0 取 100
}

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Fetch(ctx context.Context, key market.SeriesKey, start, end int64) ([]market.Bar, error) {
	step, err := market.ParseTimestep(key.Timestep)
	if err != nil {
		return nil, err
	}
	base := s.Base
	if base <= 0 {
		base = 100
	}
	stepMs := step.Millis()
	first, _ := step.AlignRange(start, start)
	if first < start {
		first += stepMs
	}
	var out []market.Bar
	for ts := first; ts < end; ts += stepMs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		phase := float64(ts/stepMs) / 24.0
		mid := base * (1 + 0.05*math.Sin(phase))
		out = append(out, market.Bar{
			AssetID: key.Asset,
			QuoteID: key.Quote,
			TS:      ts,
			Open:    mid * 0.999,
			High:    mid * 1.002,
			Low:     mid * 0.997,
			Close:   mid,
			Volume:  1000 + 100*math.Cos(phase),
		})
	}
	return out, nil
}
