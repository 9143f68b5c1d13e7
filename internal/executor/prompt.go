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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/pkg/utils"
)

// BuildWorkerPrompt 黑板 + 任务输入，按 contextKeys 过滤后套用模板；无模板时使用默认格式
func BuildWorkerPrompt(t *task.Task, p *plan.Plan) string {
	ctx := utils.MergeMaps(planContext(p), t.InputContext)
	keys := stringList(t.Config, "contextKeys", "context_keys", "inputKeys", "input_keys", "inputs")
	filtered := filterContext(ctx, keys)

	tmpl := utils.Text(t.Config, "prompt", "promptTemplate", "prompt_template", "template")
	if tmpl == "" {
		return "任务：" + t.Name + "\n目标：" + planGoal(p) + "\n上下文：" + toJSON(filtered)
	}
	vars := utils.CloneMap(filtered)
	vars["taskName"] = t.Name
	vars["planGoal"] = planGoal(p)
	vars["context"] = toJSON(filtered)
	return applyTemplate(tmpl, vars)
}

// BuildCriticPrompt targetOutput 为目标节点当前输出
func BuildCriticPrompt(t *task.Task, p *plan.Plan, targetNodeID, targetOutput string) string {
	ctx := utils.MergeMaps(planContext(p), t.InputContext)
	ctx["targetNodeId"] = targetNodeID
	ctx["targetOutput"] = targetOutput
	ctx["planGoal"] = planGoal(p)

	if tmpl := utils.Text(t.Config, "criticPrompt", "prompt", "promptTemplate", "prompt_template", "template"); tmpl != "" {
		return applyTemplate(tmpl, ctx)
	}
	target := targetNodeID
	if target == "" {
		target = "未知"
	}
	var b strings.Builder
	b.WriteString("你是审查员，不需要生成内容。请审查目标输出是否满足要求。")
	b.WriteString(`仅输出 JSON：{"pass": true/false, "feedback": "..."}。`)
	b.WriteString("\n目标任务：" + target)
	b.WriteString("\n计划目标：" + planGoal(p))
	b.WriteString("\n目标输出：" + targetOutput)
	b.WriteString("\n上下文：" + toJSON(ctx))
	return b.String()
}

// BuildRefinePrompt 在基础 prompt 前附上次输出与反馈
func BuildRefinePrompt(base, lastResponse, feedback string) string {
	if strings.TrimSpace(feedback) == "" {
		feedback = "未通过验证"
	}
	var b strings.Builder
	b.WriteString("你上次写错了，报错是" + feedback + "，请重写。")
	if strings.TrimSpace(lastResponse) != "" {
		b.WriteString("\n上次输出：" + lastResponse)
	}
	b.WriteString("\n\n" + base)
	return b.String()
}

// RetryNote 重试时附加的系统提示；首次执行返回空
func RetryNote(t *task.Task) string {
	if t.CurrentRetry <= 0 {
		return ""
	}
	fb := t.Feedback()
	if fb == "" {
		fb = "无"
	}
	return "注意：这是你的第 " + strconv.Itoa(t.CurrentRetry) + " 次尝试。上一次你失败了，反馈意见是：" + fb + "。请根据反馈修正你的输出。"
}

// ResolveTargetNodeID critic 审查对象：显式配置优先，否则唯一的上游依赖
func ResolveTargetNodeID(t *task.Task) string {
	if id := utils.Text(t.Config, "targetNodeId", "target_node_id", "target", "criticTarget", "critic_target"); id != "" {
		return id
	}
	if len(t.DependencyNodeIDs) == 1 {
		return t.DependencyNodeIDs[0]
	}
	return ""
}

func applyTemplate(tmpl string, vars map[string]any) string {
	out := tmpl
	for k, v := range vars {
		s := stringify(v)
		out = strings.ReplaceAll(out, "{{"+k+"}}", s)
		out = strings.ReplaceAll(out, "${"+k+"}", s)
		out = strings.ReplaceAll(out, "{"+k+"}", s)
	}
	return out
}

func filterContext(ctx map[string]any, keys []string) map[string]any {
	if len(keys) == 0 {
		return ctx
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := ctx[k]; ok {
			out[k] = v
		}
	}
	return out
}

// stringList 支持 []any / []string / 逗号分隔字符串
func stringList(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if item != nil {
					out = append(out, fmt.Sprint(item))
				}
			}
			return out
		case string:
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func planContext(p *plan.Plan) map[string]any {
	if p == nil {
		return nil
	}
	return p.GlobalContext
}

func planGoal(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	return p.Goal
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any, []any:
		return toJSON(x)
	}
	return fmt.Sprint(v)
}

func toJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
