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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/pkg/log"
)

func intPtr(n int) *int { return &n }

func statuses(kv ...any) map[string]task.Status {
	m := map[string]task.Status{}
	for i := 0; i < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1].(task.Status)
	}
	return m
}

func TestDecide(t *testing.T) {
	all := task.Policy{Join: "all", FailFast: true}
	allSafe := task.Policy{Join: "all", FailFast: false}
	anyFast := task.Policy{Join: "any", FailFast: true}
	anySafe := task.Policy{Join: "any", FailFast: false}
	quorum2 := task.Policy{Join: "quorum", FailFast: true, Quorum: intPtr(2)}
	quorum2Safe := task.Policy{Join: "quorum", FailFast: false, Quorum: intPtr(2)}

	cases := []struct {
		name   string
		policy task.Policy
		deps   []string
		status map[string]task.Status
		want   Decision
	}{
		{"no deps", all, nil, nil, Satisfied},
		{"empty status map", all, []string{"a"}, nil, Waiting},
		{"all completed", all, []string{"a", "b"}, statuses("a", task.StatusCompleted, "b", task.StatusCompleted), Satisfied},
		{"all running", all, []string{"a"}, statuses("a", task.StatusRunning), Waiting},
		{"all failfast failed", all, []string{"a", "b"}, statuses("a", task.StatusFailed, "b", task.StatusRunning), Blocked},
		{"all failfast skipped", all, []string{"a"}, statuses("a", task.StatusSkipped), Blocked},
		{"all failsafe terminal", allSafe, []string{"a", "b"}, statuses("a", task.StatusFailed, "b", task.StatusCompleted), Satisfied},
		{"all failsafe not terminal", allSafe, []string{"a", "b"}, statuses("a", task.StatusFailed, "b", task.StatusRunning), Waiting},
		{"missing dep unresolved", all, []string{"a", "ghost"}, statuses("a", task.StatusCompleted), Waiting},
		{"any one completed", anyFast, []string{"a", "b"}, statuses("a", task.StatusCompleted, "b", task.StatusFailed), Satisfied},
		{"any all terminal none completed", anySafe, []string{"a", "b"}, statuses("a", task.StatusFailed, "b", task.StatusSkipped), Blocked},
		{"any failfast failed", anyFast, []string{"a", "b"}, statuses("a", task.StatusFailed, "b", task.StatusRunning), Blocked},
		{"any failsafe failed waits", anySafe, []string{"a", "b"}, statuses("a", task.StatusFailed, "b", task.StatusRunning), Waiting},
		{"quorum reached", quorum2, []string{"a", "b", "c"}, statuses("a", task.StatusCompleted, "b", task.StatusCompleted, "c", task.StatusRunning), Satisfied},
		{"quorum unreachable failfast", quorum2, []string{"a", "b", "c"}, statuses("a", task.StatusFailed, "b", task.StatusFailed, "c", task.StatusRunning), Blocked},
		{"quorum unreachable failsafe waits", quorum2Safe, []string{"a", "b", "c"}, statuses("a", task.StatusFailed, "b", task.StatusFailed, "c", task.StatusRunning), Waiting},
		{"quorum all terminal short", quorum2Safe, []string{"a", "b"}, statuses("a", task.StatusFailed, "b", task.StatusCompleted), Blocked},
		{"quorum clamps to total", task.Policy{Join: "quorum", FailFast: true, Quorum: intPtr(9)}, []string{"a", "b"}, statuses("a", task.StatusCompleted, "b", task.StatusCompleted), Satisfied},
		{"quorum default one", task.Policy{Join: "quorum", FailFast: true}, []string{"a", "b"}, statuses("a", task.StatusCompleted, "b", task.StatusRunning), Satisfied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.policy, tc.deps, tc.status))
		})
	}
}

func TestNormalizeQuorum(t *testing.T) {
	assert.Equal(t, 0, NormalizeQuorum(intPtr(3), 0))
	assert.Equal(t, 1, NormalizeQuorum(nil, 4))
	assert.Equal(t, 1, NormalizeQuorum(intPtr(-1), 4))
	assert.Equal(t, 3, NormalizeQuorum(intPtr(3), 4))
	assert.Equal(t, 4, NormalizeQuorum(intPtr(7), 4))
}

func TestDecideTask_OnlyPending(t *testing.T) {
	tk := &task.Task{Status: task.StatusReady}
	assert.Equal(t, Waiting, DecideTask(tk, nil))
	tk.Status = task.StatusPending
	assert.Equal(t, Satisfied, DecideTask(tk, nil))
}

func newTask(planID, node string, status task.Status, deps ...string) *task.Task {
	return &task.Task{
		ID: planID + "-" + node, PlanID: planID, NodeID: node, Name: node,
		Type: task.TypeWorker, Status: status, DependencyNodeIDs: deps, MaxRetries: 3,
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore()
	require.NoError(t, store.BatchCreate(ctx, []*task.Task{
		newTask("p1", "analysis", task.StatusCompleted),
		newTask("p1", "design", task.StatusPending, "analysis"),
		newTask("p1", "review", task.StatusPending, "design"),
		newTask("p2", "a", task.StatusFailed),
		newTask("p2", "b", task.StatusPending, "a"),
		newTask("p2", "c", task.StatusPending, "b"),
	}))
	pub := eventlog.NewPublisher(eventlog.NewMemStore(), nil, eventlog.PublisherConfig{}, log.Nop())
	s := NewScheduler(store, pub, Config{BatchSize: 2}, log.Nop())

	res := s.RunOnce(ctx)
	assert.Equal(t, 4, res.Pending)
	assert.Equal(t, 1, res.Promoted)
	// b 被跳过后，同一轮内 c 也能看到 b 的 SKIPPED
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Waiting)
	assert.Zero(t, res.Errors)

	design, _ := store.FindByPlanAndNode(ctx, "p1", "design")
	assert.Equal(t, task.StatusReady, design.Status)
	review, _ := store.FindByPlanAndNode(ctx, "p1", "review")
	assert.Equal(t, task.StatusPending, review.Status)
	c, _ := store.FindByPlanAndNode(ctx, "p2", "c")
	assert.Equal(t, task.StatusSkipped, c.Status)

	events, err := pub.Replay(ctx, "p1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.TaskLog, events[0].Type)
	assert.Equal(t, "READY", events[0].Data["status"])

	// 第二轮没有可推进的任务
	res = s.RunOnce(ctx)
	assert.Equal(t, Result{Pending: 1, Waiting: 1}, res)
}

func TestScheduler_CascadesSkipRegardlessOfIDOrder(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore()
	// 下游 b 的 id 排在上游 m 之前
	require.NoError(t, store.BatchCreate(ctx, []*task.Task{
		newTask("p1", "z", task.StatusFailed),
		newTask("p1", "b", task.StatusPending, "m"),
		newTask("p1", "m", task.StatusPending, "z"),
		newTask("p1", "y", task.StatusPending, "b"),
	}))
	s := NewScheduler(store, nil, Config{BatchSize: 1}, log.Nop())

	res := s.RunOnce(ctx)
	assert.Equal(t, Result{Pending: 3, Skipped: 3}, res)
	for _, node := range []string{"b", "m", "y"} {
		tk, _ := store.FindByPlanAndNode(ctx, "p1", node)
		assert.Equal(t, task.StatusSkipped, tk.Status, node)
	}
	assert.Equal(t, Result{}, s.RunOnce(ctx))
}

type failingStore struct {
	task.Store
	failID string
}

func (f *failingStore) Update(ctx context.Context, t *task.Task) error {
	if t.ID == f.failID {
		return errors.New("db down")
	}
	return f.Store.Update(ctx, t)
}

func TestScheduler_IsolatesPerTaskFailures(t *testing.T) {
	ctx := context.Background()
	mem := task.NewMemStore()
	require.NoError(t, mem.BatchCreate(ctx, []*task.Task{
		newTask("p1", "a", task.StatusPending),
		newTask("p1", "b", task.StatusPending),
	}))
	s := NewScheduler(&failingStore{Store: mem, failID: "p1-a"}, nil, Config{}, log.Nop())
	res := s.RunOnce(ctx)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Promoted)
	b, _ := mem.Get(ctx, "p1-b")
	assert.Equal(t, task.StatusReady, b.Status)
}
