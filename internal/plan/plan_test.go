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

package plan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-orchestrator/internal/plan/graph"
	pkgerrors "plan-orchestrator/pkg/errors"
)

func newPlan(status Status) *Plan {
	return &Plan{
		ID:                 "p1",
		SessionID:          "s1",
		Goal:               "写一份设计文档",
		RoutingDecisionID:  "r1",
		Graph:              &graph.Graph{Version: graph.DSLVersion, Nodes: []graph.Node{{ID: "analysis", Name: "analysis", Type: graph.TypeWorker}}},
		DefinitionSnapshot: map[string]any{"compileHash": "abc"},
		Status:             status,
	}
}

func TestPlanTransitions(t *testing.T) {
	cases := []struct {
		name string
		from Status
		op   func(*Plan) error
		ok   bool
		want Status
	}{
		{"ready from planning", StatusPlanning, (*Plan).Ready, true, StatusReady},
		{"start from ready", StatusReady, (*Plan).StartExecution, true, StatusRunning},
		{"start from paused", StatusPaused, (*Plan).StartExecution, false, StatusPaused},
		{"pause running", StatusRunning, (*Plan).Pause, true, StatusPaused},
		{"resume paused", StatusPaused, (*Plan).Resume, true, StatusRunning},
		{"complete from ready", StatusReady, (*Plan).CompleteFromReadyOrRunning, true, StatusCompleted},
		{"complete from running", StatusRunning, (*Plan).Complete, true, StatusCompleted},
		{"complete from paused", StatusPaused, (*Plan).Complete, false, StatusPaused},
		{"fail from running", StatusRunning, func(p *Plan) error { return p.Fail("x") }, true, StatusFailed},
		{"fail from completed", StatusCompleted, func(p *Plan) error { return p.Fail("x") }, false, StatusCompleted},
		{"cancel running", StatusRunning, (*Plan).Cancel, true, StatusCancelled},
		{"cancel completed", StatusCompleted, (*Plan).Cancel, false, StatusCompleted},
		{"cancel failed", StatusFailed, (*Plan).Cancel, false, StatusFailed},
		{"reopen failed", StatusFailed, (*Plan).Reopen, true, StatusRunning},
		{"reopen paused", StatusPaused, (*Plan).Reopen, true, StatusRunning},
		{"reopen completed", StatusCompleted, (*Plan).Reopen, false, StatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newPlan(tc.from)
			err := tc.op(p)
			if tc.ok {
				require.NoError(t, err)
			} else {
				var te *TransitionError
				assert.True(t, errors.As(err, &te))
				assert.ErrorIs(t, err, pkgerrors.ErrInvalidState)
			}
			assert.Equal(t, tc.want, p.Status)
		})
	}
}

func TestPlanValidate(t *testing.T) {
	require.NoError(t, newPlan(StatusReady).Validate())
	p := newPlan(StatusReady)
	p.Goal = " "
	p.Graph = nil
	err := p.Validate()
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArg)
	assert.Contains(t, err.Error(), "goal")
	assert.Contains(t, err.Error(), "executionGraph")
}

func TestPlanExecutableAndContext(t *testing.T) {
	assert.True(t, newPlan(StatusReady).IsExecutable())
	assert.True(t, newPlan(StatusRunning).IsExecutable())
	assert.False(t, newPlan(StatusPaused).IsExecutable())
	assert.True(t, StatusCancelled.IsTerminal())

	p := newPlan(StatusRunning)
	p.MergeContext(map[string]any{"analysis": "ok"})
	p.PutContextValue("design", "draft")
	assert.Equal(t, map[string]any{"analysis": "ok", "design": "draft"}, p.GlobalContext)
}

func TestMemStore_VersionAndPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for _, id := range []string{"p1", "p2", "p3"} {
		p := newPlan(StatusReady)
		p.ID = id
		require.NoError(t, s.Create(ctx, p))
	}
	assert.ErrorIs(t, s.Create(ctx, newPlan(StatusReady)), ErrDuplicate)

	a, _ := s.Get(ctx, "p1")
	b, _ := s.Get(ctx, "p1")
	require.NoError(t, a.StartExecution())
	require.NoError(t, s.Update(ctx, a))
	require.NoError(t, b.Cancel())
	assert.ErrorIs(t, s.Update(ctx, b), ErrOptimisticLock)

	page, err := s.ListByStatus(ctx, StatusReady, "", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "p2", page[0].ID)
	rest, _ := s.ListByStatus(ctx, StatusReady, "p2", 10)
	require.Len(t, rest, 1)
	assert.Equal(t, "p3", rest[0].ID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Create(ctx, newPlan(StatusReady)))
	got, _ := s.Get(ctx, "p1")
	got.PutContextValue("leak", true)
	again, _ := s.Get(ctx, "p1")
	assert.NotContains(t, again.GlobalContext, "leak")
}
