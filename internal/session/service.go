package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backcast/internal/cache"
	"backcast/internal/clock"
	"backcast/internal/logger"
	"backcast/internal/market"

	"github.com/google/uuid"
)

// CycleFunc 每个模拟步被调用一次；返回错误会中止整个会话。
type CycleFunc func(ctx context.Context, now int64) error

// CycleFactory 为一次会话构造 cycle 回调（策略逻辑在这条边界之外）。
type CycleFactory func(run Run, pit *cache.PointInTimeCache, stats *RunStats) CycleFunc

// ServiceConfig 配置会话服务。
type ServiceConfig struct {
	Cache         *cache.PointInTimeCache
	Runs          *RunStore
	Factory       CycleFactory // nil 时使用内置的数据回放 cycle
	MaxConcurrent int
}

// Service 负责提交会话并在后台执行，进度写入 RunStore。
type Service struct {
	cache   *cache.PointInTimeCache
	runs    *RunStore
	factory CycleFactory

	sem     chan struct{}
	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache 不能为空")
	}
	if cfg.Runs == nil {
		return nil, fmt.Errorf("run store 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	factory := cfg.Factory
	if factory == nil {
		factory = replayFactory
	}
	return &Service{
		cache:   cfg.Cache,
		runs:    cfg.Runs,
		factory: factory,
		sem:     make(chan struct{}, maxConcurrent),
		baseCtx: context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于会话取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// StartRun 校验参数、落一条 pending 记录并立即返回；模拟在后台进行。
func (s *Service) StartRun(req RunRequest) (Run, error) {
	key, err := s.cache.Key(req.Asset, req.Quote, req.Timestep)
	if err != nil {
		return Run{}, err
	}
	step, err := market.ParseTimestep(key.Timestep)
	if err != nil {
		return Run{}, err
	}
	start, end := step.AlignRange(req.StartTS, req.EndTS)
	// 边界在这里就按 clock 的规则挡下，失败不入库
	probe := clock.New()
	if err := probe.Start(start, end, step.Duration); err != nil {
		return Run{}, err
	}
	lookback := req.Lookback
	if lookback <= 0 {
		lookback = 30
	}
	run := Run{
		ID:       uuid.NewString(),
		Asset:    key.Asset,
		Quote:    key.Quote,
		Timestep: key.Timestep,
		Status:   StatusPending,
		StartTS:  start,
		EndTS:    end,
		LastTime: start,
		Config: RunConfig{
			Asset:    key.Asset,
			Quote:    key.Quote,
			Timestep: key.Timestep,
			StartTS:  start,
			EndTS:    end,
			StepMs:   step.Millis(),
			Lookback: lookback,
		},
	}
	if err := s.runs.Insert(s.ctx(), run); err != nil {
		return Run{}, err
	}
	go s.runLoop(run, step)
	return run, nil
}

func (s *Service) runLoop(run Run, step market.Timestep) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		_ = s.runs.Finish(context.Background(), run.ID, StatusFailed, "服务已关闭", RunStats{LastTime: run.StartTS})
		return
	}
	defer func() { <-s.sem }()

	ctx := s.ctx()
	_ = s.runs.UpdateProgress(ctx, run.ID, StatusRunning, "预热数据…", run.StartTS, 0)

	// 整个窗口（含 lookback 缓冲）一次性预热，循环里就不会零碎拉取
	warmStart := run.StartTS - int64(run.Config.Lookback)*step.Millis()
	if warmStart < 0 {
		warmStart = 0
	}
	if err := s.cache.Prefetch(ctx, []string{run.Asset}, run.Quote, run.Timestep, warmStart, run.EndTS); err != nil {
		logger.Warnf("[session] run %s 预热失败: %v", run.ID, err)
		_ = s.runs.Finish(ctx, run.ID, StatusFailed, err.Error(), RunStats{LastTime: run.StartTS})
		return
	}

	stats := RunStats{LastTime: run.StartTS}
	cycle := s.factory(run, s.cache, &stats)

	clk := clock.New()
	if err := clk.Start(run.StartTS, run.EndTS, step.Duration); err != nil {
		_ = s.runs.Finish(ctx, run.ID, StatusFailed, err.Error(), stats)
		return
	}

	progressEvery := 20
	wrapped := func(ctx context.Context, now int64) error {
		if err := cycle(ctx, now); err != nil {
			return err
		}
		stats.LastTime = now
		stats.Cycles = clk.Cycles() + 1
		if stats.Cycles%progressEvery == 0 {
			msg := fmt.Sprintf("t=%s", time.UnixMilli(now).UTC().Format(time.RFC3339))
			_ = s.runs.UpdateProgress(ctx, run.ID, StatusRunning, msg, now, stats.Cycles)
		}
		return nil
	}

	err := clk.Run(ctx, func(ctx context.Context) error {
		return wrapped(ctx, clk.Now())
	})
	if err != nil {
		var aborted *clock.AbortedError
		if errors.As(err, &aborted) {
			logger.Warnf("[session] run %s 中止于 t=%d: %v", run.ID, aborted.At, aborted.Cause)
			_ = s.runs.Finish(ctx, run.ID, StatusAborted, err.Error(), stats)
			return
		}
		_ = s.runs.Finish(ctx, run.ID, StatusFailed, err.Error(), stats)
		return
	}
	stats.Cycles = clk.Cycles()
	if err := s.runs.Finish(ctx, run.ID, StatusDone, "完成", stats); err != nil {
		logger.Warnf("[session] run %s 写终态失败: %v", run.ID, err)
	}
	logger.Infof("[session] run %s 完成：cycles=%d barsServed=%d", run.ID, stats.Cycles, stats.BarsServed)
}

// Get 返回会话记录。
func (s *Service) Get(ctx context.Context, id string) (Run, bool, error) {
	return s.runs.Get(ctx, id)
}

// List 返回最近的会话记录。
func (s *Service) List(ctx context.Context, limit int) ([]Run, error) {
	return s.runs.List(ctx, limit)
}

// replayFactory 是内置 cycle：逐步查询历史窗口与最新价，
// 演示"数据不可用是可恢复错误"的处理方式（跳过该步而非中止）。
func replayFactory(run Run, pit *cache.PointInTimeCache, stats *RunStats) CycleFunc {
	return func(ctx context.Context, now int64) error {
		bars, err := pit.GetHistorical(ctx, run.Asset, run.Quote, run.Timestep, run.Config.Lookback, now, 0)
		if err != nil {
			var unavailable *cache.DataUnavailableError
			if errors.As(err, &unavailable) {
				stats.Skipped++
				return nil
			}
			return err
		}
		stats.BarsServed += len(bars)
		if price, ok, err := pit.GetLastPrice(ctx, run.Asset, run.Quote, now); err == nil && ok {
			stats.LastPrice = price.String()
		}
		return nil
	}
}
