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

// Package schedule 依赖调度：按 join / failure 策略把 PENDING 任务推进为 READY 或 SKIPPED
package schedule

import (
	"strings"

	"plan-orchestrator/internal/plan/graph"
	"plan-orchestrator/internal/task"
)

// Decision 依赖判定结果
type Decision int

const (
	Waiting Decision = iota
	Satisfied
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Satisfied:
		return "SATISFIED"
	case Blocked:
		return "BLOCKED"
	}
	return "WAITING"
}

type depSummary struct {
	total           int
	completed       int
	failedOrSkipped int
	terminal        int
}

func summarize(deps []string, statusByNode map[string]task.Status) depSummary {
	s := depSummary{total: len(deps)}
	for _, d := range deps {
		if strings.TrimSpace(d) == "" {
			continue
		}
		// 映射中不存在的依赖视为未决
		switch statusByNode[d] {
		case task.StatusCompleted:
			s.completed++
		case task.StatusFailed, task.StatusSkipped:
			s.failedOrSkipped++
		}
	}
	s.terminal = s.completed + s.failedOrSkipped
	return s
}

// DecideTask 非 PENDING 任务一律 WAITING
func DecideTask(t *task.Task, statusByNode map[string]task.Status) Decision {
	if t == nil || t.Status != task.StatusPending {
		return Waiting
	}
	return Decide(task.PolicyOf(t), t.DependencyNodeIDs, statusByNode)
}

// Decide 纯函数判定；无依赖直接满足
func Decide(p task.Policy, deps []string, statusByNode map[string]task.Status) Decision {
	if len(deps) == 0 {
		return Satisfied
	}
	if len(statusByNode) == 0 {
		return Waiting
	}
	s := summarize(deps, statusByNode)
	switch p.Join {
	case graph.JoinAny:
		return decideAny(s, p.FailFast)
	case graph.JoinQuorum:
		return decideQuorum(s, p.FailFast, p.Quorum)
	}
	return decideAll(s, p.FailFast)
}

func decideAll(s depSummary, failFast bool) Decision {
	if s.completed == s.total {
		return Satisfied
	}
	if failFast && s.failedOrSkipped > 0 {
		return Blocked
	}
	if !failFast && s.terminal == s.total {
		return Satisfied
	}
	return Waiting
}

func decideAny(s depSummary, failFast bool) Decision {
	if s.completed > 0 {
		return Satisfied
	}
	if s.terminal == s.total {
		return Blocked
	}
	if failFast && s.failedOrSkipped > 0 {
		return Blocked
	}
	return Waiting
}

func decideQuorum(s depSummary, failFast bool, raw *int) Decision {
	q := NormalizeQuorum(raw, s.total)
	if s.completed >= q {
		return Satisfied
	}
	if s.terminal == s.total {
		return Blocked
	}
	if failFast && s.total-s.failedOrSkipped < q {
		return Blocked
	}
	return Waiting
}

// NormalizeQuorum 未设置或 <=0 时为 min(1,total)，否则截断到 total
func NormalizeQuorum(raw *int, total int) int {
	if total <= 0 {
		return 0
	}
	if raw == nil || *raw <= 0 {
		return 1
	}
	if *raw > total {
		return total
	}
	return *raw
}
