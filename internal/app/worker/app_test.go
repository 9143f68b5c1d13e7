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

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-orchestrator/internal/app"
	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/planning"
	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Worker.ID = "worker-test"
	cfg.Executor.PollInterval = "10ms"
	cfg.Scheduler.PollInterval = "10ms"
	cfg.Reconcile.PollInterval = "10ms"
	return cfg
}

func TestExecutorConfig(t *testing.T) {
	c := config.Default().Executor
	c.LeaseDuration = "bogus"
	c.ExecutionTimeout = "5s"
	got := ExecutorConfig(c, "w1")

	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, 120*time.Second, got.LeaseDuration, "非法值回退默认")
	assert.Equal(t, 5*time.Second, got.ExecutionTimeout)
	assert.Equal(t, time.Second, got.PollInterval)
	assert.Equal(t, 8, got.Concurrency)
	assert.InDelta(t, 0.3, got.RefiningMaxRatio, 1e-9)
}

func TestApp_RunsPlanToCompletion(t *testing.T) {
	ctx := context.Background()
	boot, err := app.NewBootstrap(ctx, testConfig())
	require.NoError(t, err)

	w, err := NewApp(ctx, boot)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))

	p, tasks, err := boot.Planner().CreatePlan(ctx, planning.Request{
		SessionID: "s1",
		Goal:      "整理周报",
		Spec: map[string]any{"steps": []any{
			map[string]any{"id": "collect", "name": "收集"},
			map[string]any{"id": "write", "name": "撰写", "dependsOn": []any{"collect"}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	require.Eventually(t, func() bool {
		got, err := boot.Plans.Get(ctx, p.ID)
		return err == nil && got.Status == plan.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	content, ok := w.Finalizer().Content(p.ID)
	assert.True(t, ok)
	assert.NotEmpty(t, content)

	require.Eventually(t, func() bool {
		events, err := boot.Events.Replay(ctx, p.ID, 0, 100)
		return err == nil && len(events) > 0 && events[len(events)-1].Type == eventlog.PlanFinished
	}, time.Second, 20*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, w.Shutdown(shutdownCtx))
}

func TestApp_DisabledLoops(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Executor.Enabled = false
	cfg.Reconcile.Enabled = false
	boot, err := app.NewBootstrap(ctx, cfg)
	require.NoError(t, err)

	w, err := NewApp(ctx, boot)
	require.NoError(t, err)
	assert.Nil(t, w.engine)
	assert.Nil(t, w.Finalizer())
	require.NoError(t, w.Start(ctx))
	assert.NoError(t, w.Shutdown(ctx))
}
