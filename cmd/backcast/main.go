package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"backcast/internal/cache"
	"backcast/internal/config"
	"backcast/internal/httpapi"
	"backcast/internal/logger"
	"backcast/internal/market"
	"backcast/internal/session"
	"backcast/internal/source"
)

func main() {
	cfgPath := os.Getenv("BACKCAST_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（backend=%s source=%s）", cfg.Cache.Backend, cfg.Source.Kind)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := buildBackend(cfg)
	if err != nil {
		log.Fatalf("初始化存储失败: %v", err)
	}
	cal, err := buildCalendar(cfg)
	if err != nil {
		log.Fatalf("初始化交易日历失败: %v", err)
	}
	pit, err := cache.New(cache.Config{
		Backend:         backend,
		Fetcher:         buildFetcher(cfg),
		Settlement:      cfg.Cache.Settlement,
		DefaultTimestep: cfg.Cache.DefaultTimestep,
		LookbackBars:    cfg.Cache.LookbackBars,
		RateLimitPerMin: cfg.Cache.RateLimitPerMin,
		Calendar:        cal,
	})
	if err != nil {
		log.Fatalf("初始化缓存失败: %v", err)
	}
	defer pit.Close()

	runs, err := session.NewRunStore(cfg.App.DataRoot)
	if err != nil {
		log.Fatalf("初始化 run store 失败: %v", err)
	}
	defer runs.Close()

	svc, err := session.NewService(session.ServiceConfig{
		Cache:         pit,
		Runs:          runs,
		MaxConcurrent: cfg.Session.MaxConcurrent,
	})
	if err != nil {
		log.Fatalf("初始化会话服务失败: %v", err)
	}
	svc.SetContext(ctx)

	srv, err := httpapi.NewServer(httpapi.Config{
		Addr:    cfg.Server.Addr,
		Service: svc,
		Cache:   pit,
	})
	if err != nil {
		log.Fatalf("初始化 HTTP 服务失败: %v", err)
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.Run(); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

func buildBackend(cfg *config.Config) (cache.Backend, error) {
	if strings.EqualFold(cfg.Cache.Backend, "sqlite") {
		return cache.NewSQLiteBackend(cfg.App.DataRoot, cfg.Cache.BatchSize)
	}
	return cache.NewTableBackend(cfg.Cache.MaxRows), nil
}

func buildFetcher(cfg *config.Config) cache.Fetcher {
	if strings.EqualFold(cfg.Source.Kind, "http") {
		return source.NewHTTPSource(cfg.Source.Name, cfg.Source.BaseURL, cfg.Source.Path, cfg.Source.MaxBatch)
	}
	return &source.Synthetic{}
}

func buildCalendar(cfg *config.Config) (*market.Calendar, error) {
	if cfg.Calendar.Name == "" {
		return nil, nil
	}
	return market.WeekdayCalendar(cfg.Calendar.Name, cfg.Calendar.OpenMin, cfg.Calendar.CloseMin)
}
