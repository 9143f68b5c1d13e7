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
	"encoding/json"
	"errors"
	"strings"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/pkg/utils"
)

const blackboardMaxAttempts = 3

// ErrRetryExhausted 黑板写入多次版本冲突
var ErrRetryExhausted = errors.New("executor: blackboard update retries exhausted")

// OutputDelta 任务输出写入黑板的增量：mergeOutput 且输出为 JSON 对象时整体合并，否则写到 outputKey（默认 nodeId）
func OutputDelta(t *task.Task, output string) map[string]any {
	if merge, _ := utils.Bool(t.Config, "mergeOutput", "merge_output", "outputMerge"); merge {
		if obj := parseJSONObject(output); len(obj) > 0 {
			return obj
		}
	}
	key := utils.Text(t.Config, "outputKey", "output_key", "resultKey", "result_key")
	if key == "" {
		key = t.NodeID
	}
	if key == "" {
		key = "output"
	}
	return map[string]any{key: output}
}

func parseJSONObject(s string) map[string]any {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// SyncBlackboard 以乐观锁把 delta 合并进最新的 plan 上下文，冲突时重读重试
func SyncBlackboard(ctx context.Context, plans plan.Store, planID string, delta map[string]any) (*plan.Plan, error) {
	for attempt := 1; attempt <= blackboardMaxAttempts; attempt++ {
		latest, err := plans.Get(ctx, planID)
		if err != nil {
			return nil, err
		}
		latest.MergeContext(delta)
		err = plans.Update(ctx, latest)
		if err == nil {
			return latest, nil
		}
		if !errors.Is(err, plan.ErrOptimisticLock) {
			return nil, err
		}
	}
	return nil, ErrRetryExhausted
}
