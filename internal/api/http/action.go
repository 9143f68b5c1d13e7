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

package http

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/runtime/eventlog"
	pkgerrors "plan-orchestrator/pkg/errors"
)

// PausePlan POST /api/plans/:id/pause，已暂停时直接返回
func (h *Handler) PausePlan(ctx context.Context, c *app.RequestContext) {
	h.planAction(ctx, c, "pause", func(p *plan.Plan) (bool, error) {
		if p.Status == plan.StatusPaused {
			return false, nil
		}
		return true, p.Pause()
	})
}

// ResumePlan POST /api/plans/:id/resume
func (h *Handler) ResumePlan(ctx context.Context, c *app.RequestContext) {
	h.planAction(ctx, c, "resume", func(p *plan.Plan) (bool, error) {
		if p.Status == plan.StatusRunning {
			return false, nil
		}
		return true, p.Resume()
	})
}

// CancelPlan POST /api/plans/:id/cancel；取消后发布 PLAN_FINISHED 结束订阅
func (h *Handler) CancelPlan(ctx context.Context, c *app.RequestContext) {
	h.planAction(ctx, c, "cancel", func(p *plan.Plan) (bool, error) {
		if p.Status == plan.StatusCancelled {
			return false, nil
		}
		return true, p.Cancel()
	})
}

func (h *Handler) planAction(ctx context.Context, c *app.RequestContext, action string, fn func(*plan.Plan) (bool, error)) {
	id := c.Param("id")
	p, changed, err := h.mutatePlan(ctx, id, fn)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if changed {
		h.logger.Info("计划人工操作", "plan_id", p.ID, "action", action, "status", string(p.Status))
		if p.Status == plan.StatusCancelled {
			h.publish(ctx, eventlog.PlanFinished, p.ID, "", map[string]any{
				"planId": p.ID, "status": string(p.Status), "action": action,
			})
		}
	}
	c.JSON(consts.StatusOK, map[string]any{"plan": h.planView(p, nil), "changed": changed})
}

// mutatePlan 读取-修改-条件写回，版本冲突时重读重试
func (h *Handler) mutatePlan(ctx context.Context, id string, fn func(*plan.Plan) (bool, error)) (*plan.Plan, bool, error) {
	var lastErr error
	for i := 0; i < maxActionAttempts; i++ {
		p, err := h.plans.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		changed, err := fn(p)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return p, false, nil
		}
		err = h.plans.Update(ctx, p)
		if err == nil {
			return p, true, nil
		}
		if !errors.Is(err, plan.ErrOptimisticLock) {
			return nil, false, err
		}
		lastErr = err
	}
	return nil, false, pkgerrors.Wrapf(lastErr, "plan %s: update after %d attempts", id, maxActionAttempts)
}

// RetryTask POST /api/tasks/:id/retry；仅 FAILED 任务，计划未结束时重新打开
func (h *Handler) RetryTask(ctx context.Context, c *app.RequestContext) {
	t, err := h.tasks.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	p, err := h.plans.Get(ctx, t.PlanID)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if p.Status == plan.StatusCancelled || p.Status == plan.StatusCompleted {
		h.writeError(ctx, c, fmt.Errorf("%w: plan %s is %s", pkgerrors.ErrInvalidState, p.ID, p.Status))
		return
	}
	if err := t.RetryFromFailed(); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if err := h.tasks.Update(ctx, t); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	p, _, err = h.mutatePlan(ctx, p.ID, func(p *plan.Plan) (bool, error) {
		if p.Status != plan.StatusFailed && p.Status != plan.StatusPaused {
			return false, nil
		}
		return true, p.Reopen()
	})
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	data := t.EventData()
	data["action"] = "retry"
	h.publish(ctx, eventlog.TaskLog, t.PlanID, t.ID, data)
	h.logger.Info("任务人工重试", "plan_id", t.PlanID, "task_id", t.ID, "node_id", t.NodeID, "plan_status", string(p.Status))
	c.JSON(consts.StatusOK, map[string]any{"task": h.taskView(t), "plan": h.planView(p, nil)})
}

func (h *Handler) publish(ctx context.Context, typ eventlog.Type, planID, taskID string, data map[string]any) {
	if h.events == nil {
		return
	}
	if _, err := h.events.Publish(ctx, typ, planID, taskID, data); err != nil {
		h.logger.Warn("事件发布失败", "plan_id", planID, "type", string(typ), "error", err)
	}
}
