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

package task

import (
	"plan-orchestrator/internal/plan/graph"
	"plan-orchestrator/pkg/utils"
)

// Policy 任务的依赖汇合与失败策略，来自 Config["graphPolicy"]
type Policy struct {
	Join     string
	FailFast bool
	Quorum   *int
}

// PolicyOf 解析任务策略；未声明时为 all + failFast
func PolicyOf(t *Task) Policy {
	p := Policy{Join: graph.JoinAll, FailFast: true}
	if t == nil {
		return p
	}
	gp := utils.Map(t.Config, "graphPolicy", "graph_policy")
	if gp == nil {
		return p
	}
	if j := graph.NormalizeJoin(utils.Text(gp, "joinPolicy", "join_policy", "dependencyJoinPolicy")); j != "" {
		p.Join = j
	}
	if f := graph.NormalizeFailure(utils.Text(gp, "failurePolicy", "failure_policy")); f != "" {
		p.FailFast = f == graph.FailFast
	}
	if q, ok, err := utils.Int(gp, "quorum", "joinQuorum"); ok && err == nil {
		p.Quorum = &q
	}
	return p
}

// ResolveMaxRetries 从配置读取 max_retries / maxRetries / maxRetry，缺省 DefaultMaxRetries
func ResolveMaxRetries(cfg map[string]any) int {
	if n, ok, err := utils.Int(cfg, "max_retries", "maxRetries", "maxRetry"); ok && err == nil && n >= 0 {
		return n
	}
	return DefaultMaxRetries
}
