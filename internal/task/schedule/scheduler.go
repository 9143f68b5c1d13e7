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

package schedule

import (
	"context"
	"sync"
	"time"

	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/task"
	pkgerrors "plan-orchestrator/pkg/errors"
	"plan-orchestrator/pkg/log"
	"plan-orchestrator/pkg/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 200
	blockedReason       = "dependency policy blocked"
)

// EventPublisher 调度只需要发布能力
type EventPublisher interface {
	Publish(ctx context.Context, typ eventlog.Type, planID, taskID string, data map[string]any) (*eventlog.Event, error)
}

// Config 调度参数
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Result 一轮调度统计
type Result struct {
	Pending  int
	Promoted int
	Skipped  int
	Waiting  int
	Errors   int
}

// Scheduler 周期扫描 PENDING 任务并按依赖策略推进
type Scheduler struct {
	tasks  task.Store
	events EventPublisher
	cfg    Config
	logger *log.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler events 可为 nil
func NewScheduler(tasks task.Store, events EventPublisher, cfg Config, logger *log.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Scheduler{
		tasks:  tasks,
		events: events,
		cfg:    cfg,
		logger: logger.Component("schedule"),
		stopCh: make(chan struct{}),
	}
}

// Start 后台按 PollInterval 执行 RunOnce
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				res := s.RunOnce(ctx)
				if res.Promoted+res.Skipped+res.Errors > 0 {
					s.logger.Info("依赖调度完成", "pending", res.Pending, "promoted", res.Promoted,
						"skipped", res.Skipped, "waiting", res.Waiting, "errors", res.Errors)
				}
			}
		}
	}()
}

// Stop 等待当前一轮结束
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// RunOnce 分页扫描全部 PENDING 任务，按 plan 推进；单个任务写失败不影响其余任务
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	var res Result
	done := make(map[string]bool)
	afterID := ""
	for {
		if ctx.Err() != nil {
			return res
		}
		batch, err := s.tasks.ListByStatus(ctx, task.StatusPending, afterID, s.cfg.BatchSize)
		if err != nil {
			s.logger.Warn("读取 PENDING 任务失败", "error", err)
			res.Errors++
			metrics.ScheduleTotal.WithLabelValues("error").Inc()
			return res
		}
		if len(batch) == 0 {
			return res
		}
		afterID = batch[len(batch)-1].ID
		for _, t := range batch {
			if done[t.PlanID] {
				continue
			}
			done[t.PlanID] = true
			s.schedulePlan(ctx, t.PlanID, &res)
		}
		if len(batch) < s.cfg.BatchSize {
			return res
		}
	}
}

// schedulePlan 反复判定 plan 内的 PENDING 任务直到没有变化，
// SKIPPED 沿依赖链传递，与任务 id 的先后无关
func (s *Scheduler) schedulePlan(ctx context.Context, planID string, res *Result) {
	siblings, err := s.tasks.ListByPlan(ctx, planID)
	if err != nil {
		s.logger.Warn("读取 plan 任务状态失败", "plan_id", planID, "error", err)
		res.Errors++
		metrics.ScheduleTotal.WithLabelValues("error").Inc()
		return
	}
	statusByNode := make(map[string]task.Status, len(siblings))
	var pending []*task.Task
	for _, t := range siblings {
		statusByNode[t.NodeID] = t.Status
		if t.Status == task.StatusPending {
			pending = append(pending, t)
		}
	}
	res.Pending += len(pending)

	for len(pending) > 0 {
		var waiting []*task.Task
		for _, t := range pending {
			if s.scheduleTask(ctx, t, statusByNode, res) == Waiting {
				waiting = append(waiting, t)
			}
		}
		if len(waiting) == len(pending) {
			break
		}
		pending = waiting
	}
	res.Waiting += len(pending)
	metrics.ScheduleTotal.WithLabelValues("waiting").Add(float64(len(pending)))
}

// scheduleTask 写失败的任务按已处理返回，本轮不再重试
func (s *Scheduler) scheduleTask(ctx context.Context, t *task.Task, statusByNode map[string]task.Status, res *Result) Decision {
	decision := DecideTask(t, statusByNode)
	var err error
	switch decision {
	case Waiting:
		return Waiting
	case Satisfied:
		err = t.MarkReady()
	case Blocked:
		err = t.Skip(blockedReason)
	}
	if err == nil {
		err = s.tasks.Update(ctx, t)
	}
	if err != nil {
		res.Errors++
		metrics.ScheduleTotal.WithLabelValues("error").Inc()
		if pkgerrors.IsOptimisticLock(err) {
			s.logger.Debug("任务已被并发修改，下轮重试", "task_id", t.ID)
		} else {
			s.logger.Warn("任务调度写入失败", "task_id", t.ID, "plan_id", t.PlanID, "decision", decision.String(), "error", err)
		}
		return decision
	}
	statusByNode[t.NodeID] = t.Status
	if decision == Satisfied {
		res.Promoted++
		metrics.ScheduleTotal.WithLabelValues("promoted").Inc()
	} else {
		res.Skipped++
		metrics.ScheduleTotal.WithLabelValues("skipped").Inc()
	}
	s.publish(ctx, t, decision)
	return decision
}

func (s *Scheduler) publish(ctx context.Context, t *task.Task, decision Decision) {
	if s.events == nil {
		return
	}
	data := t.EventData()
	data["decision"] = decision.String()
	if _, err := s.events.Publish(ctx, eventlog.TaskLog, t.PlanID, t.ID, data); err != nil {
		s.logger.Debug("调度事件发布失败", "task_id", t.ID, "error", err)
	}
}
