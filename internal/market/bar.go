package market

import (
	"fmt"
	"strings"
)

// Bar 表示一根固定周期的 OHLCV K 线，构造后不可变。
type Bar struct {
	AssetID string  `json:"asset_id"`
	QuoteID string  `json:"quote_id"`
	TS      int64   `json:"ts"` // Unix ms，对齐到周期起点
	Open    float64 `json:"open"`
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
	Close   float64 `json:"close"`
	Volume  float64 `json:"volume"`
}

// SameValues 比较两根 K 线的行情字段（不含 key/TS）。
func (b Bar) SameValues(o Bar) bool {
	return b.Open == o.Open && b.High == o.High && b.Low == o.Low &&
		b.Close == o.Close && b.Volume == o.Volume
}

// SeriesKey 唯一标识一条逻辑 K 线流。comparable，可直接作 map key。
type SeriesKey struct {
	Asset    string
	Quote    string
	Timestep string
}

// NewSeriesKey 在 API 边界构造 key：quote 为空时回退到结算货币，
// 这个默认替换只在这里发生一次，核心代码不再关心。
func NewSeriesKey(asset, quote, timestep, settlement string) (SeriesKey, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return SeriesKey{}, fmt.Errorf("asset 不能为空")
	}
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if quote == "" {
		quote = strings.ToUpper(strings.TrimSpace(settlement))
	}
	if quote == "" {
		return SeriesKey{}, fmt.Errorf("quote 为空且未配置结算货币")
	}
	ts, err := ParseTimestep(timestep)
	if err != nil {
		return SeriesKey{}, err
	}
	return SeriesKey{Asset: asset, Quote: quote, Timestep: ts.Key}, nil
}

func (k SeriesKey) String() string {
	return k.Asset + "/" + k.Quote + "@" + k.Timestep
}
