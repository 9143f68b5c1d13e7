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

// Package planning 将步骤描述或外部草稿编译为可执行的 Plan 与待调度任务。
package planning

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/plan/graph"
	"plan-orchestrator/internal/routing"
	"plan-orchestrator/internal/task"
	pkgerrors "plan-orchestrator/pkg/errors"
	"plan-orchestrator/pkg/log"
	"plan-orchestrator/pkg/metrics"
	"plan-orchestrator/pkg/utils"
)

const (
	SourceSteps = "steps"
	SourceDraft = "draft"

	defaultStrategy = "explicit"
)

// Request 创建计划的输入；Spec 与 Draft 二选一
type Request struct {
	SessionID     string
	Goal          string
	Spec          map[string]any // {steps, groups}
	Draft         map[string]any // {nodes, edges, groups}
	DefaultConfig map[string]any
	Context       map[string]any
	DefinitionID  string
	DraftID       string
	// Decision 可选，未提供时按来源生成
	Decision *routing.Decision
}

// Bundle 一次规划的全部产物，尚未落库
type Bundle struct {
	Decision *routing.Decision
	Plan     *plan.Plan
	Tasks    []*task.Task
	Source   string
	Warnings []string
}

// Service 规划服务
type Service struct {
	creator Creator
	logger  *log.Logger
}

// NewService creator 负责原子落库
func NewService(creator Creator, logger *log.Logger) *Service {
	return &Service{creator: creator, logger: logger.Component("planning")}
}

// CreatePlan 编译、展开并持久化；返回的 Plan 已处于 READY
func (s *Service) CreatePlan(ctx context.Context, req Request) (*plan.Plan, []*task.Task, error) {
	b, err := Build(req)
	if err != nil {
		return nil, nil, err
	}
	if err := s.creator.Create(ctx, b.Decision, b.Plan, b.Tasks); err != nil {
		return nil, nil, pkgerrors.Wrap(err, "planning: persist plan")
	}
	metrics.PlanCreatedTotal.WithLabelValues(b.Source, string(b.Decision.Type)).Inc()
	s.logger.Info("plan created",
		"plan_id", b.Plan.ID,
		"session_id", b.Plan.SessionID,
		"routing_decision_id", b.Decision.ID,
		"route", string(b.Decision.Type),
		"source", b.Source,
		"tasks", len(b.Tasks),
		"graph_hash", b.Plan.DefinitionSnapshot["graphHash"],
		"warnings", len(b.Warnings))
	return b.Plan, b.Tasks, nil
}

// Build 只编译与展开，不落库；planctl compile 也走这里
func Build(req Request) (*Bundle, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	source := SourceSteps
	var (
		res *graph.Result
		err error
	)
	if len(req.Draft) > 0 {
		source = SourceDraft
		res, err = graph.NormalizeDraft(req.Draft)
	} else {
		res, err = graph.Compile(req.Spec)
	}
	if err != nil {
		return nil, err
	}

	d, err := resolveDecision(req, source, res.Hash)
	if err != nil {
		return nil, err
	}

	p := &plan.Plan{
		ID:                uuid.New().String(),
		SessionID:         strings.TrimSpace(req.SessionID),
		Goal:              strings.TrimSpace(req.Goal),
		RoutingDecisionID: d.ID,
		Graph:             res.Graph,
		Status:            plan.StatusPlanning,
		Priority:          resolvePriority(req.DefaultConfig),
	}
	p.GlobalContext = buildGlobalContext(req, d)
	p.DefinitionSnapshot = buildSnapshot(req, d, res, source)

	tasks := unfold(p, req.DefaultConfig)
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: planning: no executable nodes in graph", pkgerrors.ErrInvalidArg)
	}
	if err := p.Ready(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Bundle{Decision: d, Plan: p, Tasks: tasks, Source: source, Warnings: res.Warnings}, nil
}

func validateRequest(req Request) error {
	var missing []string
	if strings.TrimSpace(req.SessionID) == "" {
		missing = append(missing, "sessionId")
	}
	if strings.TrimSpace(req.Goal) == "" {
		missing = append(missing, "goal")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: planning requires %s", pkgerrors.ErrInvalidArg, strings.Join(missing, ", "))
	}
	switch {
	case len(req.Spec) > 0 && len(req.Draft) > 0:
		return fmt.Errorf("%w: planning: spec and draft are mutually exclusive", pkgerrors.ErrInvalidArg)
	case len(req.Spec) == 0 && len(req.Draft) == 0:
		return fmt.Errorf("%w: planning: spec or draft is required", pkgerrors.ErrInvalidArg)
	}
	return nil
}

// resolveDecision 步骤描述视为命中生产定义，草稿视为候选
func resolveDecision(req Request, source, hash string) (*routing.Decision, error) {
	d := req.Decision
	if d == nil {
		d = &routing.Decision{Strategy: defaultStrategy, SourceType: source}
		if source == SourceDraft {
			d.Type = routing.Candidate
		} else {
			d.Type = routing.HitProduction
		}
	} else {
		c := *d
		d = &c
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if strings.TrimSpace(d.SessionID) == "" {
		d.SessionID = strings.TrimSpace(req.SessionID)
	}
	if !d.Bound() {
		var err error
		if source == SourceDraft {
			err = d.BindDraft(utils.CoalesceString(req.DraftID, "draft-"+shortHash(hash)))
		} else {
			err = d.BindDefinition(utils.CoalesceString(req.DefinitionID, "def-"+shortHash(hash)))
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func resolvePriority(defaultConfig map[string]any) int {
	if n, ok, err := utils.Int(defaultConfig, "priority"); ok && err == nil {
		return n
	}
	return 0
}

func buildGlobalContext(req Request, d *routing.Decision) map[string]any {
	ctx := utils.CloneMap(req.Context)
	if ctx == nil {
		ctx = map[string]any{}
	}
	ctx["userQuery"] = strings.TrimSpace(req.Goal)
	ctx["sessionId"] = strings.TrimSpace(req.SessionID)
	ctx["routeType"] = string(d.Type)
	if d.FallbackReason != "" {
		ctx["routeReason"] = d.FallbackReason
	}
	if d.DefinitionID != "" {
		ctx["workflowDefinitionId"] = d.DefinitionID
	}
	if d.DraftID != "" {
		ctx["workflowDraftId"] = d.DraftID
	}
	return ctx
}

func buildSnapshot(req Request, d *routing.Decision, res *graph.Result, source string) map[string]any {
	snap := map[string]any{
		"source":         source,
		"graphHash":      res.Hash,
		"graphSignature": res.Signature,
		"graphVersion":   res.Graph.Version,
		"nodeCount":      len(res.Graph.Nodes),
		"warnings":       append([]string{}, res.Warnings...),
	}
	if len(req.DefaultConfig) > 0 {
		snap["defaultConfig"] = utils.CloneMap(req.DefaultConfig)
	}
	if d.DefinitionID != "" {
		snap["definitionId"] = d.DefinitionID
	}
	if d.DraftID != "" {
		snap["draftId"] = d.DraftID
	}
	return snap
}

// unfold 每个节点一个 PENDING 任务；To 依赖 From
func unfold(p *plan.Plan, defaultConfig map[string]any) []*task.Task {
	g := p.Graph
	tasks := make([]*task.Task, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		deps := g.DependenciesOf(n.ID)
		if deps == nil {
			deps = []string{}
		}
		cfg := utils.MergeMaps(utils.CloneMap(defaultConfig), utils.CloneMap(n.Config))
		cfg["graphPolicy"] = GraphPolicy(g, n)
		tasks = append(tasks, &task.Task{
			ID:                uuid.New().String(),
			PlanID:            p.ID,
			NodeID:            n.ID,
			Name:              utils.CoalesceString(n.Name, n.ID),
			Type:              task.Type(n.Type),
			Status:            task.StatusPending,
			DependencyNodeIDs: deps,
			InputContext:      utils.CloneMap(p.GlobalContext),
			Config:            cfg,
			MaxRetries:        task.ResolveMaxRetries(cfg),
		})
	}
	return tasks
}

// GraphPolicy 节点最终策略：all + failFast，先叠加分组策略，再叠加节点自身声明
func GraphPolicy(g *graph.Graph, n graph.Node) map[string]any {
	gp := map[string]any{
		"joinPolicy":    graph.JoinAll,
		"failurePolicy": graph.FailFast,
	}
	if n.GroupID != "" {
		gp["groupId"] = n.GroupID
		if grp, ok := g.Group(n.GroupID); ok {
			applyPolicy(gp, grp.Policy)
		}
	}
	applyPolicy(gp, n.Policy)
	return gp
}

func applyPolicy(gp map[string]any, p graph.Policy) {
	if p.Join != "" {
		gp["joinPolicy"] = p.Join
	}
	if p.Failure != "" {
		gp["failurePolicy"] = p.Failure
	}
	if p.Quorum != nil {
		gp["quorum"] = *p.Quorum
	}
	if p.Run != "" {
		gp["runPolicy"] = p.Run
	}
}
