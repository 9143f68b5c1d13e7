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
	"strings"
	"time"
)

// EchoAgent 本地确定性 agent，无外部依赖；CRITIC 任务总是通过
type EchoAgent struct {
	Delay time.Duration
}

func (a EchoAgent) Call(ctx context.Context, req Request) (*Response, error) {
	if a.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.Delay):
		}
	}
	var content string
	if strings.EqualFold(req.TaskType, "CRITIC") {
		content = `{"pass": true, "feedback": ""}`
	} else {
		first := strings.TrimSpace(req.Prompt)
		if i := strings.IndexByte(first, '\n'); i >= 0 {
			first = first[:i]
		}
		content = "[echo] " + first
	}
	n := len([]rune(req.Prompt))
	return &Response{
		Content: content,
		Model:   "echo",
		Usage:   Usage{PromptTokens: n, CompletionTokens: len([]rune(content)), TotalTokens: n + len([]rune(content))},
	}, nil
}
