package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// runModel 是 runs 表的 gorm 映射；config/stats 以 JSON 列存快照。
type runModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Asset       string `gorm:"size:32;index"`
	Quote       string `gorm:"size:32"`
	Timestep    string `gorm:"size:8"`
	Status      string `gorm:"size:16;index"`
	StartTS     int64
	EndTS       int64
	LastTime    int64
	Cycles      int
	Message     string
	ConfigJSON  datatypes.JSON `gorm:"column:config_json"`
	StatsJSON   datatypes.JSON `gorm:"column:stats_json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (runModel) TableName() string { return "runs" }

// RunStore 持久化会话记录（runs.db，gorm + sqlite）。
type RunStore struct {
	db *gorm.DB
}

func NewRunStore(root string) (*RunStore, error) {
	if root == "" {
		return nil, fmt.Errorf("run store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &RunStore{db: db}, nil
}

func (s *RunStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(r Run) (runModel, error) {
	cfg, err := r.MarshalConfig()
	if err != nil {
		return runModel{}, err
	}
	stats, err := r.MarshalStats()
	if err != nil {
		return runModel{}, err
	}
	return runModel{
		ID:         r.ID,
		Asset:      r.Asset,
		Quote:      r.Quote,
		Timestep:   r.Timestep,
		Status:     r.Status,
		StartTS:    r.StartTS,
		EndTS:      r.EndTS,
		LastTime:   r.LastTime,
		Cycles:     r.Cycles,
		Message:    r.Message,
		ConfigJSON: datatypes.JSON(cfg),
		StatsJSON:  datatypes.JSON(stats),
	}, nil
}

func fromModel(m runModel) Run {
	r := Run{
		ID:        m.ID,
		Asset:     m.Asset,
		Quote:     m.Quote,
		Timestep:  m.Timestep,
		Status:    m.Status,
		StartTS:   m.StartTS,
		EndTS:     m.EndTS,
		LastTime:  m.LastTime,
		Cycles:    m.Cycles,
		Message:   m.Message,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.ConfigJSON) > 0 {
		_ = json.Unmarshal(m.ConfigJSON, &r.Config)
	}
	if len(m.StatsJSON) > 0 {
		_ = json.Unmarshal(m.StatsJSON, &r.Stats)
	}
	return r
}

func (s *RunStore) Insert(ctx context.Context, r Run) error {
	m, err := toModel(r)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// UpdateProgress 更新状态行情：status/message/last_time/cycles。
func (s *RunStore) UpdateProgress(ctx context.Context, id, status, message string, lastTime int64, cycles int) error {
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":    status,
			"message":   message,
			"last_time": lastTime,
			"cycles":    cycles,
		}).Error
}

// Finish 写终态与 stats 快照。
func (s *RunStore) Finish(ctx context.Context, id, status, message string, stats RunStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now()
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":       status,
			"message":      message,
			"last_time":    stats.LastTime,
			"cycles":       stats.Cycles,
			"stats_json":   datatypes.JSON(raw),
			"completed_at": &now,
		}).Error
}

func (s *RunStore) Get(ctx context.Context, id string) (Run, bool, error) {
	var m runModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return fromModel(m), true, nil
}

func (s *RunStore) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []runModel
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		out = append(out, fromModel(m))
	}
	return out, nil
}
