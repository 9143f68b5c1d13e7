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
	"strconv"
	"strings"

	"plan-orchestrator/internal/task"
	"plan-orchestrator/pkg/utils"
)

const (
	criticEmptyFeedback  = "Critic输出为空"
	criticFormatFeedback = "Critic输出格式错误"
)

var defaultFailKeywords = []string{"fail", "failed", "error", "incorrect", "wrong", "不通过", "失败", "错误", "有问题"}

// Verdict critic 或校验器的判定
type Verdict struct {
	Pass     bool
	Feedback string
}

// ParseCriticVerdict 解析 {"pass": bool, "feedback": "..."}；允许 JSON 前后夹带文本
func ParseCriticVerdict(resp string) Verdict {
	trimmed := strings.TrimSpace(resp)
	if trimmed == "" {
		return Verdict{Pass: false, Feedback: criticEmptyFeedback}
	}
	payload := parseJSONPayload(trimmed)
	if len(payload) == 0 {
		return Verdict{Pass: false, Feedback: criticFormatFeedback}
	}
	v := Verdict{Feedback: trimmed}
	switch p := payload["pass"].(type) {
	case bool:
		v.Pass = p
	case string:
		v.Pass, _ = strconv.ParseBool(strings.TrimSpace(p))
	}
	if fb, ok := payload["feedback"]; ok && fb != nil {
		v.Feedback = stringify(fb)
	}
	return v
}

func parseJSONPayload(text string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err == nil {
		return m
	}
	start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &m); err != nil {
		return nil
	}
	return m
}

// NeedsValidation 配置了 validator / validate / validation 时需要校验；validator=false 显式关闭
func NeedsValidation(t *task.Task) bool {
	if b, ok := t.Config["validator"].(bool); ok {
		return b
	}
	return utils.HasAnyKey(t.Config, "validator", "validate", "validation")
}

// Validate 关键字校验：命中失败关键字即不通过；显式配置了通过关键字时必须命中其一
func Validate(t *task.Task, resp string) Verdict {
	cfg := validatorConfig(t.Config)
	lower := strings.ToLower(resp)
	fail := stringList(cfg, "failKeywords", "fail_keywords", "invalidKeywords", "invalid_keywords")
	if containsKeyword(lower, fail, defaultFailKeywords) {
		return Verdict{Pass: false, Feedback: resp}
	}
	pass := stringList(cfg, "passKeywords", "pass_keywords", "validKeywords", "valid_keywords")
	if len(pass) > 0 && !containsKeyword(lower, pass, nil) {
		return Verdict{Pass: false, Feedback: resp}
	}
	return Verdict{Pass: true, Feedback: resp}
}

// validatorConfig 关键字可以写在任务配置顶层，也可以写在 validator 对象里
func validatorConfig(cfg map[string]any) map[string]any {
	nested := utils.Map(cfg, "validator", "validation")
	if nested == nil {
		return cfg
	}
	return utils.MergeMaps(cfg, nested)
}

func containsKeyword(text string, keywords, defaults []string) bool {
	if text == "" {
		return false
	}
	if len(keywords) == 0 {
		keywords = defaults
	}
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" && strings.Contains(text, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
