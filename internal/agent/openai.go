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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

// OpenAIAgent OpenAI 兼容的 /chat/completions 调用
type OpenAIAgent struct {
	model   string
	apiKey  string
	baseURL string
	client  *resty.Client
}

// OpenAIConfig REST 调用参数
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
	// RetryCount 网络错误重试次数，超时控制由执行引擎负责
	RetryCount int
}

// NewOpenAIAgent baseURL 为空时用 OPENAI_BASE_URL 或官方地址
func NewOpenAIAgent(cfg OpenAIConfig) *OpenAIAgent {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
		if envURL := os.Getenv("OPENAI_BASE_URL"); envURL != "" {
			cfg.BaseURL = envURL
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(cfg.RetryCount)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(3 * time.Second)
	return &OpenAIAgent{model: cfg.Model, apiKey: cfg.APIKey, baseURL: cfg.BaseURL, client: client}
}

type chatCompletion struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAgent) Call(ctx context.Context, req Request) (*Response, error) {
	messages := make([]map[string]string, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})
	body := map[string]any{
		"model":    a.model,
		"messages": messages,
	}
	if req.ConversationID != "" {
		body["user"] = req.ConversationID
	}
	r := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if a.apiKey != "" {
		r.SetHeader("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := r.Post(a.baseURL + "/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("调用 chat completions 失败: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("chat completions 返回 %d: %s", resp.StatusCode(), resp.String())
	}
	var out chatCompletion
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("解析 chat completions 响应失败: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("chat completions 没有返回结果")
	}
	model := out.Model
	if model == "" {
		model = a.model
	}
	return &Response{
		Content: out.Choices[0].Message.Content,
		Model:   model,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}, nil
}
