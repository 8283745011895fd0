// Package session 管理回测会话的生命周期：提交、后台执行、进度与结果落库。
// 会话失败时持久化错误类别、出错的 key/区间和最后成功推进到的模拟时间，
// 保证失败点可复现。
package session

import (
	"encoding/json"
	"time"
)

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

// RunRequest 为提交会话使用。
type RunRequest struct {
	Asset    string `json:"asset" binding:"required"`
	Quote    string `json:"quote"`
	Timestep string `json:"timestep" binding:"required"`
	StartTS  int64  `json:"start_ts" binding:"required"`
	EndTS    int64  `json:"end_ts" binding:"required"`
	Lookback int    `json:"lookback"`
}

// RunConfig 是本次会话的参数快照，便于重放。
type RunConfig struct {
	Asset    string `json:"asset"`
	Quote    string `json:"quote"`
	Timestep string `json:"timestep"`
	StartTS  int64  `json:"start_ts"`
	EndTS    int64  `json:"end_ts"`
	StepMs   int64  `json:"step_ms"`
	Lookback int    `json:"lookback"`
}

// RunStats 汇总一次会话的执行情况。
type RunStats struct {
	Cycles     int    `json:"cycles"`
	BarsServed int    `json:"bars_served"`
	Skipped    int    `json:"skipped"` // 数据不可用被策略跳过的步数
	LastPrice  string `json:"last_price,omitempty"`
	LastTime   int64  `json:"last_time"`
}

// Run 表示一次会话记录。
type Run struct {
	ID        string    `json:"id"`
	Asset     string    `json:"asset"`
	Quote     string    `json:"quote"`
	Timestep  string    `json:"timestep"`
	Status    string    `json:"status"`
	StartTS   int64     `json:"start_ts"`
	EndTS     int64     `json:"end_ts"`
	LastTime  int64     `json:"last_time"`
	Cycles    int       `json:"cycles"`
	Message   string    `json:"message"`
	Config    RunConfig `json:"config"`
	Stats     RunStats  `json:"stats"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// MarshalStats 返回 stats JSON。
func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}
