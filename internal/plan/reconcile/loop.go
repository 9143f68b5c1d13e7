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

package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/internal/turn"
	pkgerrors "plan-orchestrator/pkg/errors"
	"plan-orchestrator/pkg/log"
	"plan-orchestrator/pkg/metrics"
	"plan-orchestrator/pkg/tracing"
)

const (
	defaultPollInterval     = time.Second
	defaultBatchSize        = 200
	defaultMaxPlansPerRound = 1000
	failSummary             = "Task aggregate detected FAILED"
)

// 每轮按此顺序扫描
var scanStatuses = []plan.Status{plan.StatusReady, plan.StatusRunning}

// EventPublisher 对账只需要发布能力
type EventPublisher interface {
	Publish(ctx context.Context, typ eventlog.Type, planID, taskID string, data map[string]any) (*eventlog.Event, error)
}

// Config 对账参数
type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxPlansPerRound int
}

// Report 一轮对账统计
type Report struct {
	Scanned       int
	Advanced      int
	Completed     int
	Failed        int
	Running       int
	LockConflicts int
	Errors        int
	FinalizeDedup int
}

// Loop 周期性对账；游标跨轮保留，超过单轮上限的 plan 在后续轮次轮到
type Loop struct {
	plans     plan.Store
	tasks     task.Store
	finalizer turn.Finalizer
	events    EventPublisher
	cfg       Config
	logger    *log.Logger

	mu      sync.Mutex
	cursors map[plan.Status]string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLoop finalizer、events 可为 nil
func NewLoop(plans plan.Store, tasks task.Store, finalizer turn.Finalizer, events EventPublisher, cfg Config, logger *log.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxPlansPerRound <= 0 {
		cfg.MaxPlansPerRound = defaultMaxPlansPerRound
	}
	return &Loop{
		plans:     plans,
		tasks:     tasks,
		finalizer: finalizer,
		events:    events,
		cfg:       cfg,
		logger:    logger.Component("reconcile"),
		cursors:   make(map[plan.Status]string),
		stopCh:    make(chan struct{}),
	}
}

// Start 后台运行
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				rep := l.RunOnce(ctx)
				if rep.Advanced+rep.Errors > 0 {
					l.logger.Info("plan 对账完成", "scanned", rep.Scanned, "advanced", rep.Advanced,
						"completed", rep.Completed, "failed", rep.Failed, "running", rep.Running,
						"lock_conflicts", rep.LockConflicts, "errors", rep.Errors)
				}
			}
		}
	}()
}

// Stop 等待当前一轮结束
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// RunOnce 先 READY 后 RUNNING，总量不超过 MaxPlansPerRound
func (l *Loop) RunOnce(ctx context.Context) Report {
	ctx, span := tracing.StartRoundSpan(ctx, "plan_reconcile")
	defer span.End()

	var rep Report
	budget := l.cfg.MaxPlansPerRound
	for _, st := range scanStatuses {
		if budget <= 0 || ctx.Err() != nil {
			break
		}
		budget -= l.scanStatus(ctx, st, budget, &rep)
	}
	return rep
}

// scanStatus 从上轮游标继续分页；扫到末尾时游标归零，下一轮从头开始
func (l *Loop) scanStatus(ctx context.Context, st plan.Status, budget int, rep *Report) int {
	l.mu.Lock()
	cursor := l.cursors[st]
	l.mu.Unlock()

	used := 0
	for used < budget {
		limit := l.cfg.BatchSize
		if remain := budget - used; remain < limit {
			limit = remain
		}
		page, err := l.plans.ListByStatus(ctx, st, cursor, limit)
		if err != nil {
			l.logger.Warn("读取 plan 失败", "status", string(st), "error", err)
			rep.Errors++
			metrics.ReconcileTotal.WithLabelValues("error").Inc()
			break
		}
		if len(page) > 0 {
			used += len(page)
			l.reconcilePage(ctx, page, rep)
			cursor = page[len(page)-1].ID
		}
		if len(page) < limit {
			cursor = ""
			break
		}
	}

	l.mu.Lock()
	l.cursors[st] = cursor
	l.mu.Unlock()
	return used
}

func (l *Loop) reconcilePage(ctx context.Context, page []*plan.Plan, rep *Report) {
	ids := make([]string, len(page))
	for i, p := range page {
		ids[i] = p.ID
	}
	stats, err := l.tasks.SummarizeByPlanIDs(ctx, ids)
	if err != nil {
		l.logger.Warn("汇总任务状态失败", "plans", len(ids), "error", err)
		rep.Errors++
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		return
	}
	for _, p := range page {
		rep.Scanned++
		l.reconcilePlan(ctx, p, stats[p.ID], rep)
	}
}

func (l *Loop) reconcilePlan(ctx context.Context, p *plan.Plan, stats task.Stats, rep *Report) {
	target, changed := Decide(p.Status, stats)
	if !changed {
		return
	}
	from := p.Status
	err := apply(p, target)
	if err == nil {
		err = l.plans.Update(ctx, p)
	}
	if err != nil {
		if pkgerrors.IsOptimisticLock(err) {
			rep.LockConflicts++
			metrics.ReconcileTotal.WithLabelValues("lock_conflict").Inc()
			l.logger.Debug("plan 已被并发修改，跳过", "plan_id", p.ID)
			return
		}
		rep.Errors++
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		l.logger.Warn("plan 状态推进失败", "plan_id", p.ID, "from", string(from), "to", string(target), "error", err)
		return
	}

	rep.Advanced++
	metrics.ReconcileTotal.WithLabelValues("advanced").Inc()
	switch target {
	case plan.StatusRunning:
		rep.Running++
		return
	case plan.StatusCompleted:
		rep.Completed++
	case plan.StatusFailed:
		rep.Failed++
	}
	l.logger.Info("plan 进入终态", "plan_id", p.ID, "from", string(from), "status", string(target),
		"total", stats.Total, "failed", stats.Failed)
	l.finish(ctx, p, rep)
}

// finish 终态迁移成功后的回合收尾与 PLAN_FINISHED；每次成功迁移只发一次
func (l *Loop) finish(ctx context.Context, p *plan.Plan, rep *Report) {
	data := map[string]any{
		"planId": p.ID,
		"status": string(p.Status),
	}
	dedup := "false"
	if l.finalizer != nil {
		res, err := l.finalizer.Finalize(ctx, p.ID, p.Status)
		switch {
		case errors.Is(err, pkgerrors.ErrAlreadyFinalized):
			rep.FinalizeDedup++
			dedup = "true"
		case err != nil:
			l.logger.Warn("回合收尾失败", "plan_id", p.ID, "error", err)
		default:
			if res.Outcome == turn.AlreadyFinalized {
				rep.FinalizeDedup++
				dedup = "true"
			}
			data["turnId"] = res.TurnID
			data["assistantMessageId"] = res.AssistantMessageID
			data["assistantSummary"] = res.Summary
			data["turnStatus"] = string(res.TurnStatus)
		}
	}
	metrics.PlanFinishedTotal.WithLabelValues(string(p.Status), dedup).Inc()
	if l.events == nil {
		return
	}
	if _, err := l.events.Publish(ctx, eventlog.PlanFinished, p.ID, "", data); err != nil {
		l.logger.Warn("PLAN_FINISHED 发布失败", "plan_id", p.ID, "error", err)
	}
}
