// Package clock 驱动回测的模拟时间。核心保证只有一条：Advance 要么严格推进
// 时间并返回 true，要么进入终态并返回 false，绝不会"返回 true 却没动时间"，
// 从结构上消灭了循环原地打转的缺陷。
package clock

import (
	"context"
	"fmt"
	"time"

	"backcast/internal/logger"
)

// State 表示会话状态机：Idle → Running → {Completed | Aborted}。
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// InvalidRangeError 表示会话边界配置非法，在 Start 即被拒绝，不会重试。
type InvalidRangeError struct {
	Begin, End int64
	Step       time.Duration
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("会话区间非法: begin=%d end=%d step=%s", e.Begin, e.End, e.Step)
}

// AbortedError 表示 cycle 回调抛错导致会话中止；At 记录最后一次成功推进到的
// 模拟时间，便于复现失败点。
type AbortedError struct {
	At    int64
	Cause error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("会话在 t=%d 中止: %v", e.At, e.Cause)
}

func (e *AbortedError) Unwrap() error { return e.Cause }

// SimulationClock 是回测的会话管理器：单线程协作式，每次驱动一个 cycle。
type SimulationClock struct {
	state   State
	current int64 // Unix ms
	end     int64
	step    int64
	cycles  int
}

func New() *SimulationClock {
	return &SimulationClock{state: StateIdle}
}

// Start 进入 Running。end<=begin 或 step<=0 直接返回 InvalidRangeError。
func (c *SimulationClock) Start(begin, end int64, step time.Duration) error {
	if end <= begin || step <= 0 {
		return &InvalidRangeError{Begin: begin, End: end, Step: step}
	}
	c.state = StateRunning
	c.current = begin
	c.end = end
	c.step = step.Milliseconds()
	c.cycles = 0
	return nil
}

// Now 返回当前模拟时间（Unix ms）。
func (c *SimulationClock) Now() int64 { return c.current }

// State 返回状态机当前状态。
func (c *SimulationClock) State() State { return c.state }

// Cycles 返回已执行的 cycle 数。
func (c *SimulationClock) Cycles() int { return c.cycles }

// ShouldContinue 在 Running 态返回 true。
func (c *SimulationClock) ShouldContinue() bool {
	return c.state == StateRunning
}

// Advance 尝试推进一个 step。不变量：要么 current 严格增大并返回 true，
// 要么转入 Completed/Aborted 并返回 false。Advance 本身永不报错，
// 非法配置在 Start 已被挡下。
func (c *SimulationClock) Advance() bool {
	if c.state != StateRunning {
		return false
	}
	if c.current+c.step >= c.end {
		c.state = StateCompleted
		return false
	}
	c.current += c.step
	return true
}

// Run 执行 cycle()+Advance() 直到 ShouldContinue 为 false。
// cycle 报错对会话是致命的：转 Aborted 并包装成 AbortedError 上抛，
// 不允许带着陈旧状态静默继续。
func (c *SimulationClock) Run(ctx context.Context, cycle func(ctx context.Context) error) error {
	if c.state != StateRunning {
		return fmt.Errorf("会话未启动（state=%s）", c.state)
	}
	for c.ShouldContinue() {
		if err := ctx.Err(); err != nil {
			c.state = StateAborted
			return &AbortedError{At: c.current, Cause: err}
		}
		if err := cycle(ctx); err != nil {
			c.state = StateAborted
			logger.Warnf("[clock] cycle 失败，t=%d: %v", c.current, err)
			return &AbortedError{At: c.current, Cause: err}
		}
		c.cycles++
		c.Advance()
	}
	return nil
}
