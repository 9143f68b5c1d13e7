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

// Package agent 任务执行时调用的 Agent 端口及其实现（OpenAI 兼容 REST、eino ChatModel、本地 Echo）
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"plan-orchestrator/pkg/utils"
)

// ErrUnknownAgent 未注册的 agent key
var ErrUnknownAgent = errors.New("agent: unknown agent")

// Usage token 用量
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Request 单次调用参数
type Request struct {
	Prompt         string
	System         string // 追加的系统提示，重试时提示上次的反馈
	ConversationID string // plan-{planID}:{nodeID}
	TaskType       string
	Attempt        int
}

// Response 调用结果
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Agent 调用端口；实现需遵守 ctx 取消
type Agent interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Func 函数适配
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Call(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// Factory 按 agent key 解析 Agent
type Factory interface {
	Resolve(key, conversationID string) (Agent, error)
}

// ConversationID plan 与节点维度的会话标识
func ConversationID(planID, nodeID string) string {
	return fmt.Sprintf("plan-%s:%s", planID, nodeID)
}

// KeyFromConfig 任务配置中的 agentKey / agentId / agent
func KeyFromConfig(cfg map[string]any) string {
	return utils.Text(cfg, "agentKey", "agentId", "agent")
}

// Registry 命名 Agent 集合，实现 Factory
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]Agent
	defaultKey string
	criticKey  string
}

// NewRegistry defaultKey 用于任务未指定 agent 时
func NewRegistry(defaultKey string) *Registry {
	return &Registry{agents: make(map[string]Agent), defaultKey: defaultKey}
}

// Register 同名覆盖
func (r *Registry) Register(key string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[strings.TrimSpace(key)] = a
}

// SetCriticKey CRITIC 任务未指定 agent 时使用
func (r *Registry) SetCriticKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.criticKey = key
}

// DefaultKeyFor 按任务类型给出缺省 key
func (r *Registry) DefaultKeyFor(taskType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strings.EqualFold(taskType, "CRITIC") && r.criticKey != "" {
		return r.criticKey
	}
	return r.defaultKey
}

// Resolve key 为空时使用默认 agent
func (r *Registry) Resolve(key, _ string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key == "" {
		key = r.defaultKey
	}
	a, ok := r.agents[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, key)
	}
	return a, nil
}

// Keys 已注册的 key
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for k := range r.agents {
		out = append(out, k)
	}
	return out
}
