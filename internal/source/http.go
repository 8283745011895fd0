// Package source 提供 cache.Fetcher 的两个实现：交易所风格的 kline REST
// 接口，以及离线运行/测试用的确定性生成器。
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"backcast/internal/market"

	"github.com/tidwall/gjson"
)

// HTTPSource 拉取 Binance 风格的 /klines 数组响应。
// 响应体是嵌套数组而非对象，用 gjson 按下标取列。
type HTTPSource struct {
	name     string
	baseURL  string
	path     string
	maxBatch int
	client   *http.Client
}

// NewHTTPSource 构造 REST 数据源。maxBatch 限定单次请求根数，<=0 取 1000。
func NewHTTPSource(name, baseURL, path string, maxBatch int) *HTTPSource {
	if maxBatch <= 0 || maxBatch > 1500 {
		maxBatch = 1000
	}
	if path == "" {
		path = "/api/v3/klines"
	}
	return &HTTPSource{
		name:     name,
		baseURL:  baseURL,
		path:     path,
		maxBatch: maxBatch,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPSource) Name() string { return s.name }

// Fetch 分页拉满 [start,end)，游标按最后一根的 TS+step 前移。
func (s *HTTPSource) Fetch(ctx context.Context, key market.SeriesKey, start, end int64) ([]market.Bar, error) {
	step, err := market.ParseTimestep(key.Timestep)
	if err != nil {
		return nil, err
	}
	stepMs := step.Millis()
	var out []market.Bar
	cursor := start
	for cursor < end {
		batch, err := s.fetchPage(ctx, key, step, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		// 上游返回早于 startTime 的数据时游标可能不前进，必须终止而不是空转
		next := batch[len(batch)-1].TS + stepMs
		if next <= cursor {
			break
		}
		cursor = next
	}
	return out, nil
}

func (s *HTTPSource) fetchPage(ctx context.Context, key market.SeriesKey, step market.Timestep, start, end int64) ([]market.Bar, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = s.path
	q := u.Query()
	q.Set("symbol", key.Asset+key.Quote)
	q.Set("interval", step.SourceInterval)
	q.Set("limit", strconv.Itoa(s.maxBatch))
	q.Set("startTime", strconv.FormatInt(start, 10))
	q.Set("endTime", strconv.FormatInt(end-1, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s 返回状态码 %d", s.name, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseKlines(key, body)
}

// parseKlines 解析 [[openTime,"o","h","l","c","v",...],...] 形态的响应。
func parseKlines(key market.SeriesKey, body []byte) ([]market.Bar, error) {
	rows := gjson.ParseBytes(body)
	if !rows.IsArray() {
		return nil, fmt.Errorf("响应不是 kline 数组: %s", truncate(body, 120))
	}
	var out []market.Bar
	var parseErr error
	rows.ForEach(func(_, row gjson.Result) bool {
		cols := row.Array()
		if len(cols) < 6 {
			parseErr = fmt.Errorf("kline 行字段不足: %s", row.Raw)
			return false
		}
		out = append(out, market.Bar{
			AssetID: key.Asset,
			QuoteID: key.Quote,
			TS:      cols[0].Int(),
			Open:    cols[1].Float(),
			High:    cols[2].Float(),
			Low:     cols[3].Float(),
			Close:   cols[4].Float(),
			Volume:  cols[5].Float(),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
