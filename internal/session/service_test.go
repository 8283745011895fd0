package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"backcast/internal/cache"
	"backcast/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(hour, min int) int64 {
	return time.Date(2024, 1, 1, hour, min, 0, 0, time.UTC).UnixMilli()
}

type gridFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *gridFetcher) Name() string { return "grid" }

func (f *gridFetcher) Fetch(ctx context.Context, key market.SeriesKey, start, end int64) ([]market.Bar, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	step, err := market.ParseTimestep(key.Timestep)
	if err != nil {
		return nil, err
	}
	stepMs := step.Millis()
	first, _ := step.AlignRange(start, start)
	if first < start {
		first += stepMs
	}
	var out []market.Bar
	for ts := first; ts < end; ts += stepMs {
		px := float64((ts / stepMs) % 100000)
		out = append(out, market.Bar{
			AssetID: key.Asset, QuoteID: key.Quote, TS: ts,
			Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 3,
		})
	}
	return out, nil
}

func newTestService(t *testing.T, factory CycleFactory) (*Service, *RunStore) {
	t.Helper()
	pit, err := cache.New(cache.Config{
		Backend:         cache.NewTableBackend(0),
		Fetcher:         &gridFetcher{},
		Settlement:      "USD",
		DefaultTimestep: "5m",
		LookbackBars:    1,
	})
	require.NoError(t, err)
	runs, err := NewRunStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })
	svc, err := NewService(ServiceConfig{Cache: pit, Runs: runs, Factory: factory, MaxConcurrent: 2})
	require.NoError(t, err)
	return svc, runs
}

func TestStartRunRejectsInvalidRange(t *testing.T) {
	svc, runs := newTestService(t, nil)

	_, err := svc.StartRun(RunRequest{
		Asset: "AAPL", Quote: "USD", Timestep: "5m",
		StartTS: ms(10, 0), EndTS: ms(9, 30),
	})
	require.Error(t, err)

	// 校验失败的请求不留记录
	list, err := runs.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRunCompletesWithExactCycleCount(t *testing.T) {
	svc, _ := newTestService(t, nil)

	run, err := svc.StartRun(RunRequest{
		Asset: "AAPL", Quote: "USD", Timestep: "5m",
		StartTS: ms(9, 30), EndTS: ms(10, 0), Lookback: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)

	var final Run
	require.Eventually(t, func() bool {
		got, ok, err := svc.Get(context.Background(), run.ID)
		if err != nil || !ok {
			return false
		}
		final = got
		return got.Status == StatusDone
	}, 5*time.Second, 20*time.Millisecond)

	// 30 分钟 / 5m 步长 = 恰好 6 个 cycle，最后一步落在 09:55
	assert.Equal(t, 6, final.Stats.Cycles)
	assert.Equal(t, ms(9, 55), final.Stats.LastTime)
	assert.Greater(t, final.Stats.BarsServed, 0)
	assert.Equal(t, 0, final.Stats.Skipped)
	assert.NotEmpty(t, final.Stats.LastPrice)
}

func TestRunAbortsOnCycleError(t *testing.T) {
	factory := func(run Run, pit *cache.PointInTimeCache, stats *RunStats) CycleFunc {
		calls := 0
		return func(ctx context.Context, now int64) error {
			calls++
			if calls == 3 {
				return fmt.Errorf("策略崩了")
			}
			return nil
		}
	}
	svc, _ := newTestService(t, factory)

	run, err := svc.StartRun(RunRequest{
		Asset: "AAPL", Quote: "USD", Timestep: "5m",
		StartTS: ms(9, 30), EndTS: ms(10, 0),
	})
	require.NoError(t, err)

	var final Run
	require.Eventually(t, func() bool {
		got, ok, err := svc.Get(context.Background(), run.ID)
		if err != nil || !ok {
			return false
		}
		final = got
		return got.Status == StatusAborted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, final.Message, "策略崩了")
	// 第 3 个 cycle 出错：前两步已成功推进到 09:35
	assert.Equal(t, ms(9, 35), final.Stats.LastTime)
}

func TestRunStoreRoundTrip(t *testing.T) {
	runs, err := NewRunStore(t.TempDir())
	require.NoError(t, err)
	defer runs.Close()
	ctx := context.Background()

	run := Run{
		ID: "run-1", Asset: "AAPL", Quote: "USD", Timestep: "5m",
		Status: StatusPending, StartTS: ms(9, 30), EndTS: ms(10, 0), LastTime: ms(9, 30),
		Config: RunConfig{Asset: "AAPL", Quote: "USD", Timestep: "5m",
			StartTS: ms(9, 30), EndTS: ms(10, 0), StepMs: 5 * 60 * 1000, Lookback: 2},
	}
	require.NoError(t, runs.Insert(ctx, run))

	require.NoError(t, runs.UpdateProgress(ctx, "run-1", StatusRunning, "t=09:40", ms(9, 40), 3))
	got, ok, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, ms(9, 40), got.LastTime)
	assert.Equal(t, 3, got.Cycles)
	assert.Equal(t, run.Config, got.Config)

	stats := RunStats{Cycles: 6, BarsServed: 12, LastPrice: "118", LastTime: ms(9, 55)}
	require.NoError(t, runs.Finish(ctx, "run-1", StatusDone, "完成", stats))
	got, ok, err = runs.Get(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, stats, got.Stats)

	_, ok, err = runs.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := runs.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-1", list[0].ID)
}
