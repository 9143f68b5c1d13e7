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

package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"plan-orchestrator/pkg/config"
	"plan-orchestrator/pkg/secrets"
)

// NewRegistryFromConfig 按配置构造各 agent；未配置 echo 时总会注册一个 echo
func NewRegistryFromConfig(ctx context.Context, cfg config.AgentConfig, store secrets.Store) (*Registry, error) {
	defaultKey := cfg.Default
	if defaultKey == "" {
		defaultKey = "echo"
	}
	reg := NewRegistry(defaultKey)
	reg.SetCriticKey(cfg.Critic)
	if _, ok := cfg.Providers["echo"]; !ok {
		reg.Register("echo", EchoAgent{})
	}
	for key, p := range cfg.Providers {
		a, err := buildAgent(ctx, key, p, store)
		if err != nil {
			return nil, err
		}
		reg.Register(key, NewLimited(a, p.QPS, p.Burst))
	}
	if _, err := reg.Resolve("", ""); err != nil {
		return nil, fmt.Errorf("agent.default: %w", err)
	}
	if cfg.Critic != "" {
		if _, err := reg.Resolve(cfg.Critic, ""); err != nil {
			return nil, fmt.Errorf("agent.critic: %w", err)
		}
	}
	return reg, nil
}

func buildAgent(ctx context.Context, key string, p config.AgentProviderConfig, store secrets.Store) (Agent, error) {
	var timeout time.Duration
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return nil, fmt.Errorf("agent %s: invalid timeout %q: %w", key, p.Timeout, err)
		}
		timeout = d
	}
	typ := strings.ToLower(strings.TrimSpace(p.Type))
	if typ == "echo" {
		return EchoAgent{}, nil
	}
	apiKey, err := secrets.Resolve(ctx, store, p.APIKey, p.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("agent %s: 读取 API Key 失败: %w", key, err)
	}
	switch typ {
	case "", "openai":
		return NewOpenAIAgent(OpenAIConfig{BaseURL: p.BaseURL, Model: p.Model, APIKey: apiKey, Timeout: timeout}), nil
	case "eino":
		return NewEinoOpenAIAgent(ctx, p.BaseURL, p.Model, apiKey, timeout)
	default:
		return nil, fmt.Errorf("agent %s: unsupported type %q", key, p.Type)
	}
}
