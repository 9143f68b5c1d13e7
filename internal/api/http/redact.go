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
	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/task"
)

// 脱敏类别：计划的定义快照与全局上下文、任务的配置快照
const (
	planRedactKind = "plan"
	taskRedactKind = "task"
)

func (h *Handler) planView(p *plan.Plan, stats *task.Stats) PlanView {
	v := toPlanView(p, stats)
	if h.cfg.Redactor.Enabled() {
		v.DefinitionSnapshot = h.cfg.Redactor.Redact(planRedactKind, v.DefinitionSnapshot)
		v.GlobalContext = h.cfg.Redactor.Redact(planRedactKind, v.GlobalContext)
	}
	return v
}

func (h *Handler) taskView(t *task.Task) TaskView {
	v := toTaskView(t)
	v.Config = h.cfg.Redactor.Redact(taskRedactKind, v.Config)
	return v
}

func (h *Handler) taskViews(tasks []*task.Task) []TaskView {
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, h.taskView(t))
	}
	return out
}

// event 按事件类型脱敏 eventData，返回副本
func (h *Handler) event(e *eventlog.Event) *eventlog.Event {
	if !h.cfg.Redactor.Enabled() {
		return e
	}
	c := *e
	c.Data = h.cfg.Redactor.Redact(string(e.Type), e.Data)
	return &c
}

func (h *Handler) eventList(list []*eventlog.Event) []*eventlog.Event {
	out := make([]*eventlog.Event, 0, len(list))
	for _, e := range list {
		out = append(out, h.event(e))
	}
	return out
}
