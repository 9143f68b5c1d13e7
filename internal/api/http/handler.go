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

// Package http 计划编排的 Hertz 接口：只读查询、人工操作、计划创建与事件流
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/plan/graph"
	"plan-orchestrator/internal/planning"
	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/task"
	pkgerrors "plan-orchestrator/pkg/errors"
	"plan-orchestrator/pkg/log"
	"plan-orchestrator/pkg/metrics"
	"plan-orchestrator/pkg/redaction"
)

const (
	defaultEventLimit   = 200
	maxEventLimit       = 500
	defaultStreamWait   = 25 * time.Second
	defaultStreamLinger = 200 * time.Millisecond
	maxActionAttempts   = 3
)

// Planner 计划创建
type Planner interface {
	CreatePlan(ctx context.Context, req planning.Request) (*plan.Plan, []*task.Task, error)
}

// Events 事件发布、回放与订阅
type Events interface {
	Publish(ctx context.Context, typ eventlog.Type, planID, taskID string, data map[string]any) (*eventlog.Event, error)
	Replay(ctx context.Context, planID string, afterID int64, limit int) ([]*eventlog.Event, error)
	OpenStream(ctx context.Context, planID string, cursor int64, batchSize int) *eventlog.Stream
}

// Config 接口参数
type Config struct {
	// StreamWait 长轮询单次等待上限
	StreamWait time.Duration
	// StreamLinger 收到首个事件后继续等待后续事件的间隔
	StreamLinger    time.Duration
	ReplayBatchSize int
	// Redactor 对外输出前脱敏，nil 表示不处理
	Redactor *redaction.Engine
}

// Handler HTTP 处理器
type Handler struct {
	plans   plan.Store
	tasks   task.Store
	execs   task.ExecutionStore
	planner Planner
	events  Events
	cfg     Config
	logger  *log.Logger
}

// NewHandler 创建处理器
func NewHandler(plans plan.Store, tasks task.Store, execs task.ExecutionStore, planner Planner,
	events Events, cfg Config, logger *log.Logger) *Handler {
	if cfg.StreamWait <= 0 {
		cfg.StreamWait = defaultStreamWait
	}
	if cfg.StreamLinger <= 0 {
		cfg.StreamLinger = defaultStreamLinger
	}
	if cfg.ReplayBatchSize <= 0 {
		cfg.ReplayBatchSize = eventlog.DefaultReplayBatchSize
	}
	return &Handler{
		plans:   plans,
		tasks:   tasks,
		execs:   execs,
		planner: planner,
		events:  events,
		cfg:     cfg,
		logger:  logger.Component("api"),
	}
}

// HealthCheck GET /health
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "plan-api",
	})
}

// Metrics GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(ctx, "write metrics: %v", err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// GetPlan GET /api/plans/:id
func (h *Handler) GetPlan(ctx context.Context, c *app.RequestContext) {
	p, ok := h.loadPlan(ctx, c)
	if !ok {
		return
	}
	var stats *task.Stats
	if sum, err := h.tasks.SummarizeByPlanIDs(ctx, []string{p.ID}); err == nil {
		s := sum[p.ID]
		stats = &s
	} else {
		h.logger.Warn("任务统计失败", "plan_id", p.ID, "error", err)
	}
	c.JSON(consts.StatusOK, h.planView(p, stats))
}

// ListPlanTasks GET /api/plans/:id/tasks
func (h *Handler) ListPlanTasks(ctx context.Context, c *app.RequestContext) {
	p, ok := h.loadPlan(ctx, c)
	if !ok {
		return
	}
	tasks, err := h.tasks.ListByPlan(ctx, p.ID)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"planId": p.ID, "tasks": h.taskViews(tasks), "total": len(tasks)})
}

// GetTask GET /api/tasks/:id
func (h *Handler) GetTask(ctx context.Context, c *app.RequestContext) {
	t, err := h.tasks.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, h.taskView(t))
}

// ListTaskExecutions GET /api/tasks/:id/executions
func (h *Handler) ListTaskExecutions(ctx context.Context, c *app.RequestContext) {
	t, err := h.tasks.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	list, err := h.execs.ListByTask(ctx, t.ID)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	out := make([]ExecutionView, 0, len(list))
	for _, e := range list {
		out = append(out, toExecutionView(e))
	}
	c.JSON(consts.StatusOK, map[string]any{"taskId": t.ID, "executions": out})
}

// CreatePlanRequest POST /api/plans 请求体
type CreatePlanRequest struct {
	SessionID     string         `json:"sessionId"`
	Goal          string         `json:"goal"`
	Spec          map[string]any `json:"spec,omitempty"`
	Draft         map[string]any `json:"draft,omitempty"`
	DefaultConfig map[string]any `json:"defaultConfig,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	DefinitionID  string         `json:"definitionId,omitempty"`
	DraftID       string         `json:"draftId,omitempty"`
}

// CreatePlan POST /api/plans
func (h *Handler) CreatePlan(ctx context.Context, c *app.RequestContext) {
	var req CreatePlanRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	p, tasks, err := h.planner.CreatePlan(ctx, planning.Request{
		SessionID:     req.SessionID,
		Goal:          req.Goal,
		Spec:          req.Spec,
		Draft:         req.Draft,
		DefaultConfig: req.DefaultConfig,
		Context:       req.Context,
		DefinitionID:  req.DefinitionID,
		DraftID:       req.DraftID,
	})
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusCreated, map[string]any{"plan": h.planView(p, nil), "tasks": h.taskViews(tasks)})
}

// ListEvents GET /api/plans/:id/events?after=&limit=
func (h *Handler) ListEvents(ctx context.Context, c *app.RequestContext) {
	p, ok := h.loadPlan(ctx, c)
	if !ok {
		return
	}
	after := eventlog.ResolveCursor("", firstQuery(c, "after", "afterEventId"))
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = max(1, min(n, maxEventLimit))
		}
	}
	list, err := h.events.Replay(ctx, p.ID, after, limit)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if list == nil {
		list = []*eventlog.Event{}
	}
	next := after
	if len(list) > 0 {
		next = list[len(list)-1].ID
	}
	c.JSON(consts.StatusOK, map[string]any{"planId": p.ID, "events": h.eventList(list), "nextCursor": next})
}

func (h *Handler) loadPlan(ctx context.Context, c *app.RequestContext) (*plan.Plan, bool) {
	id := c.Param("id")
	if id == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "plan id is required"})
		return nil, false
	}
	p, err := h.plans.Get(ctx, id)
	if err != nil {
		h.writeError(ctx, c, err)
		return nil, false
	}
	return p, true
}

// writeError 按错误类别映射状态码
func (h *Handler) writeError(ctx context.Context, c *app.RequestContext, err error) {
	var ce *graph.CompileError
	status := consts.StatusInternalServerError
	switch {
	case pkgerrors.IsNotFound(err):
		status = consts.StatusNotFound
	case errors.As(err, &ce), errors.Is(err, pkgerrors.ErrInvalidArg):
		status = consts.StatusBadRequest
	case pkgerrors.IsInvalidState(err), pkgerrors.IsOptimisticLock(err):
		status = consts.StatusConflict
	}
	if status == consts.StatusInternalServerError {
		hlog.CtxErrorf(ctx, "%s %s: %v", c.Method(), c.Path(), err)
	}
	c.JSON(status, map[string]string{"error": err.Error()})
}

func firstQuery(c *app.RequestContext, keys ...string) string {
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			return v
		}
	}
	return ""
}
