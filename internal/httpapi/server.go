// Package httpapi 提供 Gin 接口：提交会话、查询进度、查历史 K 线与覆盖窗口。
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"backcast/internal/cache"
	"backcast/internal/logger"
	"backcast/internal/session"

	"github.com/gin-gonic/gin"
)

type Server struct {
	addr   string
	svc    *session.Service
	pit    *cache.PointInTimeCache
	router *gin.Engine
	http   *http.Server
}

type Config struct {
	Addr    string
	Service *session.Service
	Cache   *cache.PointInTimeCache
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("session service 不能为空")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8087"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{addr: cfg.Addr, svc: cfg.Service, pit: cfg.Cache, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.POST("/sessions", s.handleSessionStart)
	api.GET("/sessions", s.handleSessionList)
	api.GET("/sessions/:id", s.handleSessionDetail)
	api.GET("/bars", s.handleBars)
	api.GET("/coverage", s.handleCoverage)
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
}

// Handler 暴露底层路由（测试与嵌入用）。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Run() error {
	s.http = &http.Server{Addr: s.addr, Handler: s.router}
	logger.Infof("[http] 监听 %s", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleSessionStart(c *gin.Context) {
	var req session.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.svc.StartRun(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) handleSessionList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.svc.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleSessionDetail(c *gin.Context) {
	run, ok, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleBars 按 as_of 查询历史，走与策略相同的入口，同样受缺口拉取与
// 无未来数据约束。
func (s *Server) handleBars(c *gin.Context) {
	asset := c.Query("asset")
	quote := c.Query("quote")
	timestep := c.DefaultQuery("timestep", "1m")
	length, _ := strconv.Atoi(c.DefaultQuery("length", "100"))
	asOf, err := strconv.ParseInt(c.DefaultQuery("as_of", strconv.FormatInt(time.Now().UnixMilli(), 10)), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "as_of 非法"})
		return
	}
	bars, err := s.pit.GetHistorical(c.Request.Context(), asset, quote, timestep, length, asOf, 0)
	if err != nil {
		var unavailable *cache.DataUnavailableError
		if errors.As(err, &unavailable) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bars": bars})
}

func (s *Server) handleCoverage(c *gin.Context) {
	key, err := s.pit.Key(c.Query("asset"), c.Query("quote"), c.DefaultQuery("timestep", "1m"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key.String(), "windows": s.pit.Coverage(key)})
}
