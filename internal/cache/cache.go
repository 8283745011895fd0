package cache

import (
	"context"
	"fmt"
	"sync"

	"backcast/internal/logger"
	"backcast/internal/market"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config 配置 PointInTimeCache。
type Config struct {
	Backend         Backend
	Fetcher         Fetcher
	Settlement      string            // quote 缺省时的结算货币
	DefaultTimestep string            // GetLastPrice 使用的周期
	LookbackBars    int               // 覆盖窗口在请求长度之外的缓冲根数（吸收周末/假日缺口）
	RateLimitPerMin int               // 上游拉取限速；<=0 不限
	Calendar        *market.Calendar  // 会话级交易日历；nil 表示不修复
}

// PointInTimeCache 是策略侧唯一入口：包一个 Backend，强制"查询绝不可见
// cutoff 之后的数据"这条红线，并按 key 记录已拉取的覆盖窗口避免重复拉取。
// 回测模式单线程协作式；读写锁按 SeriesKey 粒度，为实盘变体的
// 多读单写纪律留好了结构（读不阻塞读，覆盖扩展只锁单个 key）。
type PointInTimeCache struct {
	backend      Backend
	fetcher      Fetcher
	settlement   string
	defaultStep  string
	lookbackBars int
	calendar     *market.Calendar
	limiter      *rate.Limiter

	mu       sync.Mutex
	coverage map[market.SeriesKey]*coverageSet
	locks    map[market.SeriesKey]*sync.RWMutex
}

func New(cfg Config) (*PointInTimeCache, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend 不能为空")
	}
	if cfg.Settlement == "" {
		return nil, fmt.Errorf("settlement 不能为空")
	}
	defaultStep := cfg.DefaultTimestep
	if defaultStep == "" {
		defaultStep = "1m"
	}
	if _, err := market.ParseTimestep(defaultStep); err != nil {
		return nil, err
	}
	lookback := cfg.LookbackBars
	if lookback <= 0 {
		lookback = 30
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60.0), cfg.RateLimitPerMin)
	}
	c := &PointInTimeCache{
		backend:      cfg.Backend,
		fetcher:      cfg.Fetcher,
		settlement:   cfg.Settlement,
		defaultStep:  defaultStep,
		lookbackBars: lookback,
		calendar:     cfg.Calendar,
		limiter:      limiter,
		coverage:     make(map[market.SeriesKey]*coverageSet),
		locks:        make(map[market.SeriesKey]*sync.RWMutex),
	}
	// 淘汰必须连带丢弃覆盖窗口，否则后续查询会以为数据还在
	if tb, ok := cfg.Backend.(*TableBackend); ok {
		tb.OnEvict(c.dropCoverage)
	}
	return c, nil
}

// Key 在 API 边界构造 SeriesKey（quote 缺省替换只发生在这里）。
func (c *PointInTimeCache) Key(asset, quote, timestep string) (market.SeriesKey, error) {
	return market.NewSeriesKey(asset, quote, timestep, c.settlement)
}

func (c *PointInTimeCache) keyLock(key market.SeriesKey) *sync.RWMutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lk, ok := c.locks[key]
	if !ok {
		lk = &sync.RWMutex{}
		c.locks[key] = lk
	}
	return lk
}

func (c *PointInTimeCache) coverageFor(key market.SeriesKey) *coverageSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	cov, ok := c.coverage[key]
	if !ok {
		cov = &coverageSet{}
		c.coverage[key] = cov
	}
	return cov
}

func (c *PointInTimeCache) dropCoverage(key market.SeriesKey) {
	c.mu.Lock()
	delete(c.coverage, key)
	c.mu.Unlock()
}

// Coverage 返回 key 的覆盖窗口快照（诊断用）。
func (c *PointInTimeCache) Coverage(key market.SeriesKey) []Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cov, ok := c.coverage[key]; ok {
		return cov.Windows()
	}
	return nil
}

// GetLastPrice 返回 TS<=asOf 的最近一根的收盘价。
// 没有这样的 K 线返回 ok=false——这是预期中的缺席，不是错误；
// 不触发上游拉取，只看 backend 现有数据。
func (c *PointInTimeCache) GetLastPrice(ctx context.Context, asset, quote string, asOf int64) (decimal.Decimal, bool, error) {
	key, err := c.Key(asset, quote, c.defaultStep)
	if err != nil {
		return decimal.Zero, false, err
	}
	lk := c.keyLock(key)
	lk.RLock()
	defer lk.RUnlock()
	bar, ok, err := c.backend.LastAsOf(ctx, key, asOf)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return decimal.NewFromFloat(bar.Close), true, nil
}

// GetHistorical 返回 TS<=cutoff（cutoff=asOf-timeshift）的最后 length 根，
// 按时间升序。核心不变量：返回的每一根都满足 TS<=cutoff，与 backend 无关。
// 覆盖不足时只拉取缺失的子区间；拉取失败返回 DataUnavailableError。
func (c *PointInTimeCache) GetHistorical(ctx context.Context, asset, quote, timestep string, length int, asOf, timeshift int64) ([]market.Bar, error) {
	if length <= 0 {
		return nil, fmt.Errorf("length 需 > 0")
	}
	key, err := c.Key(asset, quote, timestep)
	if err != nil {
		return nil, err
	}
	step, err := market.ParseTimestep(key.Timestep)
	if err != nil {
		return nil, err
	}
	cutoff := asOf - timeshift
	stepMs := step.Millis()
	gridCut, _ := step.AlignRange(cutoff, cutoff)
	covEnd := gridCut + stepMs
	covStart := gridCut - int64(length+c.lookbackBars)*stepMs
	if covStart < 0 {
		covStart = 0
	}
	if err := c.ensureCovered(ctx, key, step, covStart, covEnd); err != nil {
		return nil, err
	}

	lk := c.keyLock(key)
	lk.RLock()
	bars, err := c.backend.QueryAsOf(ctx, key, cutoff, length)
	lk.RUnlock()
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, &DataUnavailableError{Key: key, Start: covStart, End: covEnd, Cause: ErrNoData}
	}
	return bars, nil
}

// Prefetch 为一批资产预热覆盖窗口，省掉逐步查询时的零碎拉取。
// 幂等：窗口已覆盖时不会再打一次上游。
func (c *PointInTimeCache) Prefetch(ctx context.Context, assets []string, quote, timestep string, start, end int64) error {
	if end <= start {
		return fmt.Errorf("prefetch 窗口非法: [%d,%d)", start, end)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range assets {
		key, err := c.Key(asset, quote, timestep)
		if err != nil {
			return err
		}
		step, err := market.ParseTimestep(key.Timestep)
		if err != nil {
			return err
		}
		alStart, alEnd := step.AlignRange(start, end)
		g.Go(func() error {
			return c.ensureCovered(gctx, key, step, alStart, alEnd+step.Millis())
		})
	}
	return g.Wait()
}

// ensureCovered 保证 [start,end) 完全覆盖：只拉缺口，落库成功后才扩展
// 覆盖窗口——中途失败不会留下半记录的覆盖状态。持 key 写锁，
// 覆盖扩展是按 key 的独占操作，不锁整个缓存。
func (c *PointInTimeCache) ensureCovered(ctx context.Context, key market.SeriesKey, step market.Timestep, start, end int64) error {
	lk := c.keyLock(key)
	lk.Lock()
	defer lk.Unlock()

	cov := c.coverageFor(key)
	gaps := cov.Missing(start, end)
	if len(gaps) == 0 {
		return nil
	}
	if c.fetcher == nil {
		return &DataUnavailableError{Key: key, Start: start, End: end,
			Cause: fmt.Errorf("未配置上游数据源，缺口=%d", len(gaps))}
	}
	for _, gap := range gaps {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return &DataUnavailableError{Key: key, Start: gap.Start, End: gap.End, Cause: err}
			}
		}
		bars, err := c.fetcher.Fetch(ctx, key, gap.Start, gap.End)
		if err != nil {
			return &DataUnavailableError{Key: key, Start: gap.Start, End: gap.End, Cause: err}
		}
		if err := validateFetched(key, bars, gap.Start, gap.End); err != nil {
			return err
		}
		if len(bars) > 0 {
			if err := c.backend.Store(ctx, key, bars, false); err != nil {
				return err
			}
			if c.calendar != nil {
				if err := c.backend.Attach(ctx, key, c.calendar, step); err != nil {
					return err
				}
			}
		} else {
			logger.Debugf("[cache] %s [%d,%d) 上游无数据，窗口记为已覆盖", key, gap.Start, gap.End)
		}
		cov.Add(gap.Start, gap.End)
	}
	return nil
}

// Ingest 绕过上游直接灌入一批 K 线（批量加载/回填），并把对应窗口记入覆盖。
func (c *PointInTimeCache) Ingest(ctx context.Context, key market.SeriesKey, bars []market.Bar, upsert bool) error {
	if len(bars) == 0 {
		return nil
	}
	step, err := market.ParseTimestep(key.Timestep)
	if err != nil {
		return err
	}
	lk := c.keyLock(key)
	lk.Lock()
	defer lk.Unlock()
	if err := c.backend.Store(ctx, key, bars, upsert); err != nil {
		return err
	}
	if c.calendar != nil {
		if err := c.backend.Attach(ctx, key, c.calendar, step); err != nil {
			return err
		}
	}
	minTS, maxTS := bars[0].TS, bars[0].TS
	for _, b := range bars[1:] {
		if b.TS < minTS {
			minTS = b.TS
		}
		if b.TS > maxTS {
			maxTS = b.TS
		}
	}
	c.coverageFor(key).Add(minTS, maxTS+step.Millis())
	return nil
}

// Clear 丢弃 key 的数据与覆盖窗口。
func (c *PointInTimeCache) Clear(ctx context.Context, key market.SeriesKey) error {
	lk := c.keyLock(key)
	lk.Lock()
	defer lk.Unlock()
	if err := c.backend.Drop(ctx, key); err != nil {
		return err
	}
	c.dropCoverage(key)
	return nil
}

func (c *PointInTimeCache) Close() error {
	return c.backend.Close()
}
