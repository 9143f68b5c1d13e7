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

package planning

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-orchestrator/internal/agent"
	"plan-orchestrator/internal/executor"
	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/plan/graph"
	"plan-orchestrator/internal/plan/reconcile"
	"plan-orchestrator/internal/routing"
	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/internal/task/schedule"
	"plan-orchestrator/internal/turn"
	pkgerrors "plan-orchestrator/pkg/errors"
	"plan-orchestrator/pkg/log"
)

func reportSpec() map[string]any {
	return map[string]any{
		"steps": []any{
			map[string]any{"id": "outline", "name": "写大纲", "config": map[string]any{"outputKey": "outline"}},
			map[string]any{"id": "body", "name": "写正文", "dependsOn": []any{"outline"}, "groupId": "g1",
				"config": map[string]any{"maxRetries": 1}},
			map[string]any{"id": "review", "name": "审查", "roleType": "critic", "dependsOn": []any{"body"},
				"groupId": "g1", "failurePolicy": "failFast", "config": map[string]any{"targetNodeId": "body"}},
		},
		"groups": []any{
			map[string]any{"id": "g1", "nodes": []any{"body", "review"}, "joinPolicy": "any", "failurePolicy": "failSafe"},
		},
	}
}

func taskByNode(tasks []*task.Task, nodeID string) *task.Task {
	for _, t := range tasks {
		if t.NodeID == nodeID {
			return t
		}
	}
	return nil
}

func TestBuild_UnfoldsGraph(t *testing.T) {
	b, err := Build(Request{
		SessionID:     "s1",
		Goal:          "写一份 Go 调研报告",
		Spec:          reportSpec(),
		DefaultConfig: map[string]any{"agentKey": "echo", "maxRetries": 2, "priority": 5},
		Context:       map[string]any{"topic": "go"},
	})
	require.NoError(t, err)

	p := b.Plan
	assert.Equal(t, plan.StatusReady, p.Status)
	assert.Equal(t, 5, p.Priority)
	assert.Equal(t, b.Decision.ID, p.RoutingDecisionID)
	assert.Equal(t, SourceSteps, b.Source)
	assert.Equal(t, "go", p.GlobalContext["topic"])
	assert.Equal(t, "写一份 Go 调研报告", p.GlobalContext["userQuery"])
	assert.Equal(t, string(routing.HitProduction), p.GlobalContext["routeType"])
	assert.NotEmpty(t, p.DefinitionSnapshot["graphHash"])
	assert.NotEmpty(t, p.DefinitionSnapshot["graphSignature"])

	assert.Equal(t, routing.HitProduction, b.Decision.Type)
	assert.True(t, strings.HasPrefix(b.Decision.DefinitionID, "def-"))
	assert.Empty(t, b.Decision.DraftID)

	require.Len(t, b.Tasks, 3)
	outline := taskByNode(b.Tasks, "outline")
	body := taskByNode(b.Tasks, "body")
	review := taskByNode(b.Tasks, "review")
	require.NotNil(t, outline)
	require.NotNil(t, body)
	require.NotNil(t, review)

	for _, tk := range b.Tasks {
		assert.Equal(t, task.StatusPending, tk.Status)
		assert.Equal(t, p.ID, tk.PlanID)
		assert.Equal(t, "go", tk.InputContext["topic"])
		assert.Equal(t, "echo", tk.Config["agentKey"])
	}
	assert.Empty(t, outline.DependencyNodeIDs)
	assert.Equal(t, []string{"outline"}, body.DependencyNodeIDs)
	assert.Equal(t, []string{"body"}, review.DependencyNodeIDs)
	assert.Equal(t, task.TypeCritic, review.Type)

	assert.Equal(t, 2, outline.MaxRetries)
	assert.Equal(t, 1, body.MaxRetries, "node config overrides default config")

	// 未分组：缺省 all + failFast
	assert.Equal(t, task.Policy{Join: graph.JoinAll, FailFast: true}, task.PolicyOf(outline))
	// 分组策略
	assert.Equal(t, task.Policy{Join: graph.JoinAny, FailFast: false}, task.PolicyOf(body))
	// 节点覆盖分组
	assert.Equal(t, task.Policy{Join: graph.JoinAny, FailFast: true}, task.PolicyOf(review))
	gp := review.Config["graphPolicy"].(map[string]any)
	assert.Equal(t, "g1", gp["groupId"])

	// 输入上下文是副本
	outline.InputContext["topic"] = "rust"
	assert.Equal(t, "go", p.GlobalContext["topic"])
}

func TestBuild_Draft(t *testing.T) {
	b, err := Build(Request{
		SessionID: "s1",
		Goal:      "草稿",
		DraftID:   "draft-7",
		Draft: map[string]any{
			"nodes": []any{
				map[string]any{"id": "start"},
				map[string]any{"id": "a", "name": "A"},
				map[string]any{"id": "b", "name": "B"},
				map[string]any{"id": "end"},
			},
			"edges": []any{
				map[string]any{"from": "start", "to": "a"},
				map[string]any{"from": "a", "to": "b"},
				map[string]any{"from": "b", "to": "end"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, SourceDraft, b.Source)
	assert.Equal(t, routing.Candidate, b.Decision.Type)
	assert.Equal(t, "draft-7", b.Decision.DraftID)
	assert.Equal(t, "draft-7", b.Plan.GlobalContext["workflowDraftId"])
	require.Len(t, b.Tasks, 2)
	assert.Equal(t, []string{"a"}, taskByNode(b.Tasks, "b").DependencyNodeIDs)
}

func TestBuild_RejectsBadRequest(t *testing.T) {
	cases := []struct {
		name string
		req  Request
	}{
		{"missing session", Request{Goal: "g", Spec: reportSpec()}},
		{"missing goal", Request{SessionID: "s1", Spec: reportSpec()}},
		{"no source", Request{SessionID: "s1", Goal: "g"}},
		{"both sources", Request{SessionID: "s1", Goal: "g", Spec: reportSpec(), Draft: map[string]any{"nodes": []any{}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.req)
			assert.ErrorIs(t, err, pkgerrors.ErrInvalidArg)
		})
	}

	_, err := Build(Request{SessionID: "s1", Goal: "g", Spec: map[string]any{
		"steps": []any{map[string]any{"id": "a", "dependsOn": []any{"ghost"}}},
	}})
	var ce *graph.CompileError
	assert.True(t, errors.As(err, &ce), "compile errors are returned as-is: %v", err)
}

func TestBuild_KeepsBoundDecision(t *testing.T) {
	d := &routing.Decision{ID: "r-1", Type: routing.Fallback, Fallback: true, FallbackReason: "ROOT_PLANNER_DISABLED", DraftID: "draft-x"}
	b, err := Build(Request{SessionID: "s1", Goal: "g", Spec: reportSpec(), Decision: d})
	require.NoError(t, err)
	assert.Equal(t, "r-1", b.Plan.RoutingDecisionID)
	assert.Equal(t, "draft-x", b.Decision.DraftID)
	assert.Empty(t, b.Decision.DefinitionID)
	assert.Equal(t, "s1", b.Decision.SessionID)
	assert.Equal(t, "ROOT_PLANNER_DISABLED", b.Plan.GlobalContext["routeReason"])
	assert.Empty(t, d.SessionID, "caller decision is not mutated")
}

type memStores struct {
	routings *routing.MemStore
	plans    *plan.MemStore
	tasks    *task.MemStore
}

func newMemStores() memStores {
	return memStores{routing.NewMemStore(), plan.NewMemStore(), task.NewMemStore()}
}

func TestService_CreatePlanPersists(t *testing.T) {
	ctx := context.Background()
	st := newMemStores()
	svc := NewService(NewMemCreator(st.routings, st.plans, st.tasks), log.Nop())

	p, tasks, err := svc.CreatePlan(ctx, Request{SessionID: "s1", Goal: "g", Spec: reportSpec()})
	require.NoError(t, err)

	stored, err := st.plans.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusReady, stored.Status)
	d, err := st.routings.Get(ctx, p.RoutingDecisionID)
	require.NoError(t, err)
	assert.True(t, d.Bound())

	byPlan, err := st.tasks.ListByPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, byPlan, len(tasks))
}

type failingCreator struct{ err error }

func (c failingCreator) Create(context.Context, *routing.Decision, *plan.Plan, []*task.Task) error {
	return c.err
}

func TestService_CreatePlanPersistError(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(failingCreator{err: boom}, log.Nop())
	_, _, err := svc.CreatePlan(context.Background(), Request{SessionID: "s1", Goal: "g", Spec: reportSpec()})
	assert.ErrorIs(t, err, boom)
}

// 规划 -> 调度 -> 执行 -> 对账 的完整链路
func TestService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	st := newMemStores()
	execs := task.NewMemExecutionStore()
	events := eventlog.NewPublisher(eventlog.NewMemStore(), nil, eventlog.PublisherConfig{PublisherID: "test"}, log.Nop())

	svc := NewService(NewMemCreator(st.routings, st.plans, st.tasks), log.Nop())
	p, _, err := svc.CreatePlan(ctx, Request{SessionID: "s1", Goal: "写一份 Go 调研报告", Spec: reportSpec()})
	require.NoError(t, err)

	reg := agent.NewRegistry("echo")
	reg.Register("echo", agent.EchoAgent{})
	cfg := executor.DefaultConfig()
	cfg.WorkerID = "w1"
	cfg.ExecutionTimeout = time.Second
	cfg.HeartbeatInterval = 10 * time.Millisecond
	eng := executor.NewEngine(st.tasks, execs, st.plans, reg, events, cfg, log.Nop())
	sched := schedule.NewScheduler(st.tasks, events, schedule.Config{}, log.Nop())
	finalizer := turn.NewMemFinalizer(st.tasks)
	loop := reconcile.NewLoop(st.plans, st.tasks, finalizer, events, reconcile.Config{}, log.Nop())

	for i := 0; i < 10; i++ {
		sched.RunOnce(ctx)
		eng.Tick(ctx)
		eng.Drain()
		loop.RunOnce(ctx)
		cur, err := st.plans.Get(ctx, p.ID)
		require.NoError(t, err)
		if cur.Status.IsTerminal() {
			break
		}
	}

	final, err := st.plans.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StatusCompleted, final.Status)
	assert.True(t, strings.HasPrefix(final.GlobalContext["outline"].(string), "[echo]"))
	assert.Contains(t, final.GlobalContext, "body")

	tasks, err := st.tasks.ListByPlan(ctx, p.ID)
	require.NoError(t, err)
	for _, tk := range tasks {
		assert.Equal(t, task.StatusCompleted, tk.Status, tk.NodeID)
	}
	content, ok := finalizer.Content(p.ID)
	assert.True(t, ok)
	assert.NotEmpty(t, content)

	list, err := events.Replay(ctx, p.ID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, eventlog.PlanFinished, list[len(list)-1].Type)
}
