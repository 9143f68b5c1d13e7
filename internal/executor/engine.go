// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package executor 认领执行引擎：认领可执行任务、续约、调用 agent、判定结果并以认领守卫写回
package executor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"plan-orchestrator/internal/agent"
	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/pkg/log"
	"plan-orchestrator/pkg/metrics"
)

// EventPublisher 执行引擎只需要发布能力
type EventPublisher interface {
	Publish(ctx context.Context, typ eventlog.Type, planID, taskID string, data map[string]any) (*eventlog.Event, error)
}

// defaultKeyer 可选：按任务类型给出缺省 agent key
type defaultKeyer interface {
	DefaultKeyFor(taskType string) string
}

// Config 执行引擎参数
type Config struct {
	WorkerID           string
	PollInterval       time.Duration
	Concurrency        int
	ClaimBatchSize     int
	MaxDispatchPerTick int
	ReadyFirst         bool
	RefiningMaxRatio   float64
	RefiningMinPerTick int
	LeaseDuration      time.Duration
	HeartbeatInterval  time.Duration
	ExecutionTimeout   time.Duration
	TimeoutRetryMax    int
	ExpiredCheckEvery  int // 每 N 个 tick 统计一次租约过期任务
}

// DefaultConfig 与 worker 配置文件默认值一致
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		Concurrency:        8,
		ClaimBatchSize:     100,
		MaxDispatchPerTick: 100,
		ReadyFirst:         true,
		RefiningMaxRatio:   defaultRefiningRatio,
		RefiningMinPerTick: 1,
		LeaseDuration:      120 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		ExecutionTimeout:   120 * time.Second,
		TimeoutRetryMax:    1,
		ExpiredCheckEvery:  30,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = d.ClaimBatchSize
	}
	if c.MaxDispatchPerTick <= 0 {
		c.MaxDispatchPerTick = d.MaxDispatchPerTick
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	if c.TimeoutRetryMax < 0 {
		c.TimeoutRetryMax = 0
	}
	if c.ExpiredCheckEvery <= 0 {
		c.ExpiredCheckEvery = d.ExpiredCheckEvery
	}
}

// Engine 按 PollInterval 认领任务并交给有界 worker 池执行
type Engine struct {
	tasks  task.Store
	execs  task.ExecutionStore
	plans  plan.Store
	agents agent.Factory
	events EventPublisher
	cfg    Config
	logger *log.Logger

	limiter  chan struct{} // 并发槽位
	inflight sync.WaitGroup
	ticks    atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine events 可为 nil
func NewEngine(tasks task.Store, execs task.ExecutionStore, plans plan.Store, agents agent.Factory,
	events EventPublisher, cfg Config, logger *log.Logger) *Engine {
	cfg.normalize()
	return &Engine{
		tasks:   tasks,
		execs:   execs,
		plans:   plans,
		agents:  agents,
		events:  events,
		cfg:     cfg,
		logger:  logger.Component("executor").With("worker_id", cfg.WorkerID),
		limiter: make(chan struct{}, cfg.Concurrency),
		stopCh:  make(chan struct{}),
	}
}

// WorkerID 认领使用的 owner
func (e *Engine) WorkerID() string { return e.cfg.WorkerID }

// Start 启动认领循环；ctx 取消或 Stop 后退出
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Tick(ctx)
			}
		}
	}()
}

// Stop 停止认领并等待进行中的任务结束
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.inflight.Wait()
}

// Drain 等待已派发的任务执行完毕
func (e *Engine) Drain() { e.inflight.Wait() }

// Tick 一轮认领与派发，返回派发数
func (e *Engine) Tick(ctx context.Context) int {
	defer e.sampleExpired(ctx)

	limit := ResolveClaimLimit(e.cfg.ClaimBatchSize, e.cfg.MaxDispatchPerTick, cap(e.limiter)-len(e.limiter))
	reserved := e.reserve(limit)
	if reserved == 0 {
		return 0
	}
	claimed := e.claim(ctx, reserved)
	e.release(reserved - len(claimed))

	for _, t := range claimed {
		e.inflight.Add(1)
		go func(t *task.Task) {
			defer e.inflight.Done()
			defer e.release(1)
			e.runClaimed(ctx, t)
		}(t)
	}
	return len(claimed)
}

func (e *Engine) reserve(n int) int {
	got := 0
	for got < n {
		select {
		case e.limiter <- struct{}{}:
			got++
		default:
			return got
		}
	}
	return got
}

func (e *Engine) release(n int) {
	for i := 0; i < n; i++ {
		<-e.limiter
	}
}

func (e *Engine) claim(ctx context.Context, limit int) []*task.Task {
	cp := PlanClaim(limit, e.cfg.ReadyFirst, e.cfg.RefiningMaxRatio, e.cfg.RefiningMinPerTick)
	out := make([]*task.Task, 0, cp.Limit)
	for _, slot := range cp.Primary {
		out = append(out, e.claimByType(ctx, slot.ReadyLike, slot.Limit)...)
	}
	for _, readyLike := range cp.FallbackOrder {
		remaining := cp.Limit - len(out)
		if remaining <= 0 {
			break
		}
		out = append(out, e.claimByType(ctx, readyLike, remaining)...)
	}
	return out
}

func (e *Engine) claimByType(ctx context.Context, readyLike bool, limit int) []*task.Task {
	if limit <= 0 {
		return nil
	}
	var (
		got    []*task.Task
		err    error
		source = "ready"
	)
	if readyLike {
		got, err = e.tasks.ClaimReadyLike(ctx, e.cfg.WorkerID, limit, e.cfg.LeaseDuration)
	} else {
		source = "refining"
		got, err = e.tasks.ClaimRefining(ctx, e.cfg.WorkerID, limit, e.cfg.LeaseDuration)
	}
	if err != nil {
		e.logger.Warn("认领任务失败", "source", source, "error", err)
		return nil
	}
	for _, t := range got {
		metrics.TaskClaimedTotal.WithLabelValues(source).Inc()
		if t.LeaseReclaimed {
			e.logger.Info("回收租约过期任务", "task_id", t.ID, "attempt", t.ExecutionAttempt)
		}
	}
	return got
}

func (e *Engine) sampleExpired(ctx context.Context) {
	if e.ticks.Add(1)%int64(e.cfg.ExpiredCheckEvery) != 0 {
		return
	}
	n, err := e.tasks.CountExpiredRunning(ctx, time.Now())
	if err != nil {
		e.logger.Debug("统计过期任务失败", "error", err)
		return
	}
	metrics.ExpiredRunningTasks.Set(float64(n))
}

func (e *Engine) publish(ctx context.Context, typ eventlog.Type, t *task.Task, data map[string]any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Publish(ctx, typ, t.PlanID, t.ID, data); err != nil {
		e.logger.Warn("发布任务事件失败", "type", string(typ), "task_id", t.ID, "error", err)
	}
}

// writeClaimed 以认领为条件写回；false 表示守卫拒绝或写入失败
func (e *Engine) writeClaimed(ctx context.Context, t *task.Task, owner string, attempt int) bool {
	ok, err := e.tasks.UpdateClaimed(ctx, t, owner, attempt)
	if err != nil {
		e.logger.Warn("写回任务失败", "task_id", t.ID, "status", string(t.Status), "error", err)
		return false
	}
	if !ok {
		e.logger.Info("认领已失效，丢弃写回", "task_id", t.ID, "status", string(t.Status), "attempt", attempt)
	}
	return ok
}
