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

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-orchestrator/internal/agent"
	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/plan/graph"
	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/pkg/log"
)

type fixture struct {
	tasks  *task.MemStore
	execs  *task.MemExecutionStore
	plans  *plan.MemStore
	evs    *eventlog.MemStore
	events *eventlog.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	evs := eventlog.NewMemStore()
	return &fixture{
		tasks:  task.NewMemStore(),
		execs:  task.NewMemExecutionStore(),
		plans:  plan.NewMemStore(),
		evs:    evs,
		events: eventlog.NewPublisher(evs, nil, eventlog.PublisherConfig{PublisherID: "test"}, log.Nop()),
	}
}

func (f *fixture) seedPlan(t *testing.T, status plan.Status) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		ID: "p1", SessionID: "s1", Goal: "写报告", RoutingDecisionID: "r1",
		Graph:              &graph.Graph{Nodes: []graph.Node{{ID: "n1"}, {ID: "n2"}}},
		DefinitionSnapshot: map[string]any{"hash": "h"},
		GlobalContext:      map[string]any{"topic": "go"},
		Status:             status,
	}
	require.NoError(t, f.plans.Create(context.Background(), p))
	return p
}

func (f *fixture) seedTask(t *testing.T, tk *task.Task) {
	t.Helper()
	if tk.PlanID == "" {
		tk.PlanID = "p1"
	}
	if tk.ID == "" {
		tk.ID = tk.PlanID + "-" + tk.NodeID
	}
	if tk.Name == "" {
		tk.Name = tk.NodeID
	}
	if tk.Type == "" {
		tk.Type = task.TypeWorker
	}
	if tk.MaxRetries == 0 {
		tk.MaxRetries = 3
	}
	require.NoError(t, f.tasks.Create(context.Background(), tk))
}

func (f *fixture) claim(t *testing.T) *task.Task {
	t.Helper()
	ctx := context.Background()
	got, err := f.tasks.ClaimReadyLike(ctx, "w1", 1, 5*time.Second)
	require.NoError(t, err)
	if len(got) == 0 {
		got, err = f.tasks.ClaimRefining(ctx, "w1", 1, 5*time.Second)
		require.NoError(t, err)
	}
	require.Len(t, got, 1)
	return got[0]
}

func (f *fixture) engine(a agent.Agent, mutate func(*Config)) *Engine {
	reg := agent.NewRegistry("test")
	reg.Register("test", a)
	cfg := DefaultConfig()
	cfg.WorkerID = "w1"
	cfg.ExecutionTimeout = time.Second
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.LeaseDuration = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(f.tasks, f.execs, f.plans, reg, f.events, cfg, log.Nop())
}

func (f *fixture) eventTypes(t *testing.T) []eventlog.Type {
	t.Helper()
	list, err := f.evs.ListAfter(context.Background(), "p1", 0, 100)
	require.NoError(t, err)
	out := make([]eventlog.Type, 0, len(list))
	for _, e := range list {
		out = append(out, e.Type)
	}
	return out
}

func reply(content string) agent.Agent {
	return agent.Func(func(ctx context.Context, req agent.Request) (*agent.Response, error) {
		return &agent.Response{Content: content, Model: "m", Usage: agent.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}}, nil
	})
}

func TestExecute_WorkerCompletesAndMergesBlackboard(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})
	tk := f.claim(t)

	out := f.engine(reply("第一章"), nil).Execute(context.Background(), tk)
	assert.Equal(t, outcomeCompleted, out)

	cur, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusCompleted, cur.Status)
	assert.Equal(t, "第一章", cur.Output)
	assert.Empty(t, cur.ClaimOwner)

	p, _ := f.plans.Get(context.Background(), "p1")
	assert.Equal(t, "第一章", p.GlobalContext["n1"])

	execs, _ := f.execs.ListByTask(context.Background(), tk.ID)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Valid)
	assert.Equal(t, noValidatorFeedback, execs[0].ValidationFeedback)
	assert.Equal(t, 3, execs[0].Usage.TotalTokens)
	assert.Equal(t, []eventlog.Type{eventlog.TaskStarted, eventlog.TaskCompleted, eventlog.TaskLog}, f.eventTypes(t))
}

func TestExecute_TimeoutThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})
	tk := f.claim(t)

	var (
		calls   int32
		mu      sync.Mutex
		prompts []string
	)
	a := agent.Func(func(ctx context.Context, req agent.Request) (*agent.Response, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &agent.Response{Content: "ok"}, nil
	})
	e := f.engine(a, func(c *Config) {
		c.ExecutionTimeout = 30 * time.Millisecond
		c.TimeoutRetryMax = 1
	})
	assert.Equal(t, outcomeCompleted, e.Execute(context.Background(), tk))

	cur, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusCompleted, cur.Status)
	assert.Equal(t, 1, cur.CurrentRetry)

	execs, _ := f.execs.ListByTask(context.Background(), tk.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, task.ErrorTypeTimeout, execs[0].ErrorType)
	assert.Equal(t, 1, execs[0].Attempt)
	assert.Empty(t, execs[1].ErrorType)
	assert.Equal(t, 2, execs[1].Attempt)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prompts, 2)
	assert.True(t, strings.HasPrefix(prompts[1], "你上次写错了，报错是Task execution timed out"), prompts[1])
}

func TestExecute_TimeoutExhausted(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})
	tk := f.claim(t)

	block := agent.Func(func(ctx context.Context, _ agent.Request) (*agent.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := f.engine(block, func(c *Config) {
		c.ExecutionTimeout = 20 * time.Millisecond
		c.TimeoutRetryMax = 2
	})
	assert.Equal(t, outcomeFailed, e.Execute(context.Background(), tk))

	cur, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusFailed, cur.Status)
	assert.Contains(t, cur.Output, "timed out after 20 ms")

	execs, _ := f.execs.ListByTask(context.Background(), tk.ID)
	require.Len(t, execs, 3)
	for _, ex := range execs {
		assert.Equal(t, task.ErrorTypeTimeout, ex.ErrorType)
		assert.False(t, ex.Valid)
	}
	assert.Equal(t, []eventlog.Type{eventlog.TaskStarted, eventlog.TaskCompleted, eventlog.TaskLog}, f.eventTypes(t))
}

func TestExecute_TimeoutRetryBoundedByBudget(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady, MaxRetries: 1, CurrentRetry: 1})
	tk := f.claim(t)

	block := agent.Func(func(ctx context.Context, _ agent.Request) (*agent.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := f.engine(block, func(c *Config) { c.ExecutionTimeout = 20 * time.Millisecond })
	assert.Equal(t, outcomeFailed, e.Execute(context.Background(), tk))
	execs, _ := f.execs.ListByTask(context.Background(), tk.ID)
	assert.Len(t, execs, 1)
}

func TestExecute_CriticRejectRollsBackTarget(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusCompleted, Output: "草稿"})
	f.seedTask(t, &task.Task{NodeID: "n2", Type: task.TypeCritic, Status: task.StatusReady, DependencyNodeIDs: []string{"n1"}})
	tk := f.claim(t)

	var prompt string
	a := agent.Func(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		prompt = req.Prompt
		return &agent.Response{Content: `审查结果：{"pass": false, "feedback": "缺少结论"}`}, nil
	})
	assert.Equal(t, outcomeCriticRejected, f.engine(a, nil).Execute(context.Background(), tk))
	assert.Contains(t, prompt, "目标任务：n1")
	assert.Contains(t, prompt, "目标输出：草稿")

	critic, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusPending, critic.Status)

	target, _ := f.tasks.FindByPlanAndNode(context.Background(), "p1", "n1")
	assert.Equal(t, task.StatusRefining, target.Status)
	assert.Equal(t, 1, target.CurrentRetry)
	assert.Equal(t, "缺少结论", target.Feedback())

	execs, _ := f.execs.ListByTask(context.Background(), tk.ID)
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Valid)
	assert.Equal(t, "缺少结论", execs[0].ValidationFeedback)
}

func TestExecute_CriticRejectFailsTargetOverBudget(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusCompleted, MaxRetries: 1, CurrentRetry: 1})
	f.seedTask(t, &task.Task{NodeID: "n2", Type: task.TypeCritic, Status: task.StatusReady,
		Config: map[string]any{"targetNodeId": "n1"}, DependencyNodeIDs: []string{"n0", "n1"}})
	tk := f.claim(t)

	assert.Equal(t, outcomeCriticRejected, f.engine(reply(`{"pass": false, "feedback": "仍然不对"}`), nil).Execute(context.Background(), tk))
	target, _ := f.tasks.FindByPlanAndNode(context.Background(), "p1", "n1")
	assert.Equal(t, task.StatusFailed, target.Status)
	assert.Equal(t, "Validation failed: 仍然不对", target.Output)
	assert.Equal(t, 2, target.CurrentRetry)
	assert.Equal(t, "仍然不对", target.Feedback())

	// 目标已失败，再次驳回不再改动目标
	critic, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusPending, critic.Status)
	require.NoError(t, critic.MarkReady())
	require.NoError(t, f.tasks.Update(context.Background(), critic))
	again := f.claim(t)
	f.engine(reply(`{"pass": false, "feedback": "第三次"}`), nil).Execute(context.Background(), again)
	target, _ = f.tasks.FindByPlanAndNode(context.Background(), "p1", "n1")
	assert.Equal(t, task.StatusFailed, target.Status)
	assert.Equal(t, 2, target.CurrentRetry)
}

func TestExecute_CriticPass(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusCompleted, Output: "终稿"})
	f.seedTask(t, &task.Task{NodeID: "n2", Type: task.TypeCritic, Status: task.StatusReady, DependencyNodeIDs: []string{"n1"}})
	tk := f.claim(t)

	assert.Equal(t, outcomeCompleted, f.engine(reply(`{"pass": true, "feedback": "通过"}`), nil).Execute(context.Background(), tk))
	critic, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusCompleted, critic.Status)

	// critic 输出不写入黑板
	p, _ := f.plans.Get(context.Background(), "p1")
	_, ok := p.GlobalContext["n2"]
	assert.False(t, ok)
}

func TestExecute_ValidationRejectRefines(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady, Config: map[string]any{"validator": true}})
	tk := f.claim(t)

	assert.Equal(t, outcomeValidationRejected, f.engine(reply("结果错误"), nil).Execute(context.Background(), tk))
	cur, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusRefining, cur.Status)
	assert.Equal(t, 1, cur.CurrentRetry)
	assert.Empty(t, cur.ClaimOwner)

	// 第二轮使用 refine prompt
	var prompt string
	again := agent.Func(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		prompt = req.Prompt
		return &agent.Response{Content: "结论正确"}, nil
	})
	tk = f.claim(t)
	assert.Equal(t, outcomeCompleted, f.engine(again, nil).Execute(context.Background(), tk))
	assert.True(t, strings.HasPrefix(prompt, "你上次写错了，报错是结果错误，请重写。\n上次输出：结果错误"), prompt)
}

func TestExecute_ValidationRejectWithoutBudgetFails(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady, MaxRetries: 1, CurrentRetry: 1,
		Config: map[string]any{"validation": map[string]any{"failKeywords": []any{"TODO"}}}})
	tk := f.claim(t)

	f.engine(reply("还有 todo 未完成"), nil).Execute(context.Background(), tk)
	cur, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusFailed, cur.Status)
	assert.Equal(t, "Validation failed: 还有 todo 未完成", cur.Output)
}

func TestExecute_ReleasesClaimWhenPlanPaused(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusPaused)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})
	tk := f.claim(t)

	var called bool
	a := agent.Func(func(context.Context, agent.Request) (*agent.Response, error) {
		called = true
		return &agent.Response{}, nil
	})
	assert.Equal(t, outcomeReleased, f.engine(a, nil).Execute(context.Background(), tk))
	assert.False(t, called)

	cur, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusReady, cur.Status)
	assert.Empty(t, cur.ClaimOwner)
	assert.Equal(t, []eventlog.Type{eventlog.TaskLog}, f.eventTypes(t))
}

func TestExecute_PlanNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, &task.Task{PlanID: "missing", NodeID: "n1", Status: task.StatusReady})
	tk := f.claim(t)
	assert.Equal(t, outcomePlanNotFound, f.engine(reply("x"), nil).Execute(context.Background(), tk))
}

func TestExecute_GuardRejectDropsWrite(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})
	tk := f.claim(t)

	a := agent.Func(func(ctx context.Context, _ agent.Request) (*agent.Response, error) {
		// 执行期间认领被人工释放
		if cur, err := f.tasks.Get(ctx, tk.ID); err == nil {
			cur.RollbackToDispatchQueue()
			_ = f.tasks.Update(ctx, cur)
		}
		return &agent.Response{Content: "late"}, nil
	})
	assert.Equal(t, outcomeGuardReject, f.engine(a, nil).Execute(context.Background(), tk))

	cur, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusReady, cur.Status)
	p, _ := f.plans.Get(context.Background(), "p1")
	_, ok := p.GlobalContext["n1"]
	assert.False(t, ok)
}

func TestExecute_AgentErrorFailsTask(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})
	tk := f.claim(t)

	a := agent.Func(func(context.Context, agent.Request) (*agent.Response, error) {
		return nil, errors.New("invalid json in upstream reply")
	})
	assert.Equal(t, outcomeFailed, f.engine(a, nil).Execute(context.Background(), tk))
	cur, _ := f.tasks.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusFailed, cur.Status)
	execs, _ := f.execs.ListByTask(context.Background(), tk.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, task.ErrorTypeJSON, execs[0].ErrorType)
}

func TestExecute_UnknownAgentFails(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady, Config: map[string]any{"agentKey": "nope"}})
	tk := f.claim(t)
	assert.Equal(t, outcomeFailed, f.engine(reply("x"), nil).Execute(context.Background(), tk))
}

func TestExecute_HeartbeatRenewsLease(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})
	tk := f.claim(t)
	before := tk.LeaseUntil

	var leaseDuringCall time.Time
	a := agent.Func(func(ctx context.Context, _ agent.Request) (*agent.Response, error) {
		time.Sleep(60 * time.Millisecond)
		cur, _ := f.tasks.Get(ctx, tk.ID)
		leaseDuringCall = cur.LeaseUntil
		return &agent.Response{Content: "ok"}, nil
	})
	f.engine(a, nil).Execute(context.Background(), tk)
	assert.True(t, leaseDuringCall.After(before), "lease should be extended by heartbeat")
}

func TestTick_DispatchesWithinConcurrency(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	for i := 0; i < 3; i++ {
		f.seedTask(t, &task.Task{NodeID: fmt.Sprintf("n%d", i), Status: task.StatusReady})
	}

	release := make(chan struct{})
	a := agent.Func(func(ctx context.Context, _ agent.Request) (*agent.Response, error) {
		<-release
		return &agent.Response{Content: "done"}, nil
	})
	e := f.engine(a, func(c *Config) { c.Concurrency = 2 })
	ctx := context.Background()

	assert.Equal(t, 2, e.Tick(ctx))
	assert.Equal(t, 0, e.Tick(ctx), "no free slot")
	close(release)
	e.Drain()
	assert.Equal(t, 1, e.Tick(ctx))
	e.Drain()

	list, _ := f.tasks.ListByPlan(ctx, "p1")
	for _, tk := range list {
		assert.Equal(t, task.StatusCompleted, tk.Status, tk.NodeID)
	}
	types := f.eventTypes(t)
	assert.Equal(t, eventlog.TaskStarted, types[0])
	assert.Len(t, types, 9)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusRunning)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})
	e := f.engine(reply("ok"), func(c *Config) { c.PollInterval = 5 * time.Millisecond })
	e.Start(context.Background())
	require.Eventually(t, func() bool {
		cur, _ := f.tasks.Get(context.Background(), "p1-n1")
		return cur.Status == task.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	e.Stop()
	e.Stop()
}

func TestTick_IgnoresTasksOfCancelledPlan(t *testing.T) {
	f := newFixture(t)
	f.tasks.SetPlanFilter(f.plans.Executable)
	f.seedPlan(t, plan.StatusCancelled)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})

	var calls int32
	a := agent.Func(func(context.Context, agent.Request) (*agent.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &agent.Response{Content: "x"}, nil
	})
	e := f.engine(a, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, e.Tick(ctx))
		e.Drain()
	}

	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Empty(t, f.eventTypes(t))
	cur, _ := f.tasks.Get(ctx, "p1-n1")
	assert.Equal(t, task.StatusReady, cur.Status)
	assert.Zero(t, cur.ExecutionAttempt)
}

func TestExecute_ReleaseDoesNotPublishStarted(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, plan.StatusCancelled)
	f.seedTask(t, &task.Task{NodeID: "n1", Status: task.StatusReady})
	tk := f.claim(t)

	assert.Equal(t, outcomeReleased, f.engine(reply("x"), nil).Execute(context.Background(), tk))
	assert.NotContains(t, f.eventTypes(t), eventlog.TaskStarted)
}
