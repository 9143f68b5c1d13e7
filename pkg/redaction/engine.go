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

// Package redaction 对外输出前按字段路径脱敏
package redaction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"plan-orchestrator/pkg/utils"
)

const redacted = "***REDACTED***"

// Engine 脱敏引擎；nil 或无策略时原样返回
type Engine struct {
	policy *Policy
}

// NewEngine policy 可为 nil
func NewEngine(policy *Policy) *Engine {
	return &Engine{policy: policy}
}

// Enabled 是否有任何规则
func (e *Engine) Enabled() bool {
	return e != nil && e.policy != nil && (len(e.policy.Rules) > 0 || len(e.policy.Global) > 0)
}

// Redact 返回脱敏后的副本，不修改入参
func (e *Engine) Redact(kind string, data map[string]any) map[string]any {
	if !e.Enabled() || data == nil {
		return data
	}
	rules := append(append([]FieldMask(nil), e.policy.Rules[kind]...), e.policy.Global...)
	if len(rules) == 0 {
		return data
	}
	out := utils.CloneMap(data)
	for _, rule := range rules {
		e.apply(out, rule)
	}
	return out
}

func (e *Engine) apply(obj map[string]any, mask FieldMask) {
	parts := strings.Split(mask.FieldPath, ".")
	current := obj
	for _, p := range parts[:len(parts)-1] {
		next, ok := current[p].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	last := parts[len(parts)-1]
	value, exists := current[last]
	if !exists {
		return
	}
	switch mask.Mode {
	case ModeHash:
		current[last] = hashValue(fmt.Sprintf("%v", value), mask.Salt)
	case ModeRemove:
		delete(current, last)
	default:
		current[last] = redacted
	}
}

func hashValue(value, salt string) string {
	h := sha256.New()
	h.Write([]byte(value))
	if salt != "" {
		h.Write([]byte(salt))
	}
	return "hash:" + hex.EncodeToString(h.Sum(nil))
}
