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

// Package plan 定义执行计划聚合：编译后的图、黑板上下文与受守卫的状态迁移。
package plan

import (
	"fmt"
	"strings"
	"time"

	"plan-orchestrator/internal/plan/graph"
	pkgerrors "plan-orchestrator/pkg/errors"
	"plan-orchestrator/pkg/utils"
)

// Status Plan 状态
type Status string

const (
	StatusPlanning  Status = "PLANNING"
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal COMPLETED / FAILED / CANCELLED
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus 解析状态字符串（忽略大小写）
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPlanning, StatusReady, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown plan status %q", pkgerrors.ErrInvalidArg, s)
}

// Plan 一次编译后的可执行计划
type Plan struct {
	ID                 string
	SessionID          string
	Goal               string
	RoutingDecisionID  string
	Graph              *graph.Graph
	DefinitionSnapshot map[string]any // 所用定义的审计快照（含编译哈希与签名）
	GlobalContext      map[string]any // 黑板，任务输出合并于此
	Status             Status
	Priority           int
	ErrorSummary       string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TransitionError 状态守卫拒绝，属于调用方错误，不应重试
type TransitionError struct {
	PlanID string
	Op     string
	From   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plan %s: cannot %s from %s", e.PlanID, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return pkgerrors.ErrInvalidState }

// Validate 创建前校验必填字段
func (p *Plan) Validate() error {
	var missing []string
	if strings.TrimSpace(p.SessionID) == "" {
		missing = append(missing, "sessionId")
	}
	if strings.TrimSpace(p.Goal) == "" {
		missing = append(missing, "goal")
	}
	if strings.TrimSpace(p.RoutingDecisionID) == "" {
		missing = append(missing, "routingDecisionId")
	}
	if p.Graph == nil || len(p.Graph.Nodes) == 0 {
		missing = append(missing, "executionGraph")
	}
	if len(p.DefinitionSnapshot) == 0 {
		missing = append(missing, "definitionSnapshot")
	}
	if p.Status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: plan requires %s", pkgerrors.ErrInvalidArg, strings.Join(missing, ", "))
	}
	return nil
}

func (p *Plan) transit(op string, to Status, allowed ...Status) error {
	for _, s := range allowed {
		if p.Status == s {
			p.Status = to
			p.UpdatedAt = time.Now()
			return nil
		}
	}
	return &TransitionError{PlanID: p.ID, Op: op, From: p.Status}
}

// Ready PLANNING -> READY
func (p *Plan) Ready() error { return p.transit("ready", StatusReady, StatusPlanning) }

// StartExecution READY -> RUNNING
func (p *Plan) StartExecution() error {
	return p.transit("start execution", StatusRunning, StatusReady)
}

// Pause RUNNING -> PAUSED
func (p *Plan) Pause() error { return p.transit("pause", StatusPaused, StatusRunning) }

// Resume PAUSED -> RUNNING
func (p *Plan) Resume() error { return p.transit("resume", StatusRunning, StatusPaused) }

// Reopen FAILED/PAUSED -> RUNNING，人工从失败节点重试时使用
func (p *Plan) Reopen() error {
	if err := p.transit("reopen", StatusRunning, StatusFailed, StatusPaused); err != nil {
		return err
	}
	p.ErrorSummary = ""
	return nil
}

// Complete RUNNING/READY -> COMPLETED
func (p *Plan) Complete() error {
	return p.transit("complete", StatusCompleted, StatusRunning, StatusReady)
}

// CompleteFromReadyOrRunning 对账时使用，与 Complete 守卫一致
func (p *Plan) CompleteFromReadyOrRunning() error { return p.Complete() }

// Fail 非终态 -> FAILED
func (p *Plan) Fail(summary string) error {
	if err := p.transit("fail", StatusFailed, StatusPlanning, StatusReady, StatusRunning, StatusPaused); err != nil {
		return err
	}
	p.ErrorSummary = summary
	return nil
}

// Cancel 已完成或已失败后不可取消
func (p *Plan) Cancel() error {
	return p.transit("cancel", StatusCancelled,
		StatusPlanning, StatusReady, StatusRunning, StatusPaused, StatusCancelled)
}

// IsExecutable READY / RUNNING 时任务可以执行
func (p *Plan) IsExecutable() bool {
	return p.Status == StatusReady || p.Status == StatusRunning
}

// MergeContext 将 delta 覆盖写入黑板
func (p *Plan) MergeContext(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	if p.GlobalContext == nil {
		p.GlobalContext = map[string]any{}
	}
	for k, v := range delta {
		p.GlobalContext[k] = v
	}
	p.UpdatedAt = time.Now()
}

// PutContextValue 写入单个黑板值
func (p *Plan) PutContextValue(key string, value any) {
	p.MergeContext(map[string]any{key: value})
}

// Clone 深拷贝，存储实现返回副本
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.DefinitionSnapshot = utils.CloneMap(p.DefinitionSnapshot)
	c.GlobalContext = utils.CloneMap(p.GlobalContext)
	if p.Graph != nil {
		g := *p.Graph
		g.Nodes = append([]graph.Node(nil), p.Graph.Nodes...)
		g.Edges = append([]graph.Edge(nil), p.Graph.Edges...)
		g.Groups = append([]graph.Group(nil), p.Graph.Groups...)
		c.Graph = &g
	}
	return &c
}
