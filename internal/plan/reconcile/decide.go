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

// Package reconcile 依据任务聚合统计推进 plan 状态，并在终态时收尾
package reconcile

import (
	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/task"
)

// Decide 任务聚合 -> 目标状态；changed=false 表示保持不变
//
// 规则按优先级：没有任务不动；存在 FAILED 则 FAILED；全部终态则 COMPLETED；
// 有运行中任务且当前 READY 则 RUNNING。COMPLETED / FAILED 只允许从 READY 或 RUNNING 进入。
func Decide(current plan.Status, stats task.Stats) (plan.Status, bool) {
	if stats.Total <= 0 {
		return current, false
	}
	if current != plan.StatusReady && current != plan.StatusRunning {
		return current, false
	}
	switch {
	case stats.Failed > 0:
		return plan.StatusFailed, true
	case stats.Terminal == stats.Total:
		return plan.StatusCompleted, true
	case stats.RunningLike > 0 && current == plan.StatusReady:
		return plan.StatusRunning, true
	}
	return current, false
}

// apply 在实体上执行对应的受守卫迁移
func apply(p *plan.Plan, target plan.Status) error {
	switch target {
	case plan.StatusRunning:
		return p.StartExecution()
	case plan.StatusCompleted:
		return p.CompleteFromReadyOrRunning()
	case plan.StatusFailed:
		return p.Fail(failSummary)
	}
	return nil
}
