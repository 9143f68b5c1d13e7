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
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EinoAgent 通过 eino ChatModel 调用
type EinoAgent struct {
	chat  model.BaseChatModel
	model string
}

// NewEinoAgent 包装任意 ChatModel
func NewEinoAgent(chat model.BaseChatModel, modelName string) *EinoAgent {
	return &EinoAgent{chat: chat, model: modelName}
}

// NewEinoOpenAIAgent 使用 eino-ext 的 OpenAI ChatModel
func NewEinoOpenAIAgent(ctx context.Context, baseURL, modelName, apiKey string, timeout time.Duration) (*EinoAgent, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("eino agent %q: api key is empty", modelName)
	}
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: baseURL,
		Model:   modelName,
		APIKey:  apiKey,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 OpenAI ChatModel 失败: %w", err)
	}
	return NewEinoAgent(cm, modelName), nil
}

func (a *EinoAgent) Call(ctx context.Context, req Request) (*Response, error) {
	input := make([]*schema.Message, 0, 2)
	if req.System != "" {
		input = append(input, schema.SystemMessage(req.System))
	}
	input = append(input, schema.UserMessage(req.Prompt))
	msg, err := a.chat.Generate(ctx, input)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("chat model 返回空消息")
	}
	resp := &Response{Content: msg.Content, Model: a.model}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		u := msg.ResponseMeta.Usage
		resp.Usage = Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	return resp, nil
}
