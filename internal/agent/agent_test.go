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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-orchestrator/pkg/config"
	"plan-orchestrator/pkg/secrets"
)

func TestOpenAIAgent_Call(t *testing.T) {
	var gotAuth, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotUser, _ = body["user"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m1","choices":[{"message":{"content":"hello"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer srv.Close()

	a := NewOpenAIAgent(OpenAIConfig{BaseURL: srv.URL, Model: "m1", APIKey: "sk-test"})
	resp, err := a.Call(context.Background(), Request{Prompt: "hi", ConversationID: "plan-p1:n1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}, resp.Usage)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "plan-p1:n1", gotUser)
}

func TestOpenAIAgent_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	a := NewOpenAIAgent(OpenAIConfig{BaseURL: srv.URL})
	_, err := a.Call(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestOpenAIAgent_RespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewOpenAIAgent(OpenAIConfig{BaseURL: srv.URL}).Call(ctx, Request{Prompt: "hi"})
	require.Error(t, err)
}

type stubChatModel struct{ content string }

func (m stubChatModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	msg := schema.AssistantMessage(m.content+":"+in[len(in)-1].Content, nil)
	msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 2, CompletionTokens: 5, TotalTokens: 7}}
	return msg, nil
}

func (m stubChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

func TestEinoAgent_Call(t *testing.T) {
	a := NewEinoAgent(stubChatModel{content: "ok"}, "stub")
	resp, err := a.Call(context.Background(), Request{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok:q", resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestEchoAgent(t *testing.T) {
	resp, err := EchoAgent{}.Call(context.Background(), Request{Prompt: "任务：写诗\n目标：x", TaskType: "WORKER"})
	require.NoError(t, err)
	assert.Equal(t, "[echo] 任务：写诗", resp.Content)

	resp, err = EchoAgent{}.Call(context.Background(), Request{Prompt: "审查", TaskType: "CRITIC"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pass": true, "feedback": ""}`, resp.Content)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = EchoAgent{Delay: time.Second}.Call(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry("a")
	reg.Register("a", EchoAgent{})
	reg.SetCriticKey("c")

	got, err := reg.Resolve("", "")
	require.NoError(t, err)
	assert.NotNil(t, got)
	_, err = reg.Resolve("missing", "")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.Equal(t, "c", reg.DefaultKeyFor("CRITIC"))
	assert.Equal(t, "a", reg.DefaultKeyFor("WORKER"))
}

func TestLimited_WaitHonorsContext(t *testing.T) {
	a := NewLimited(EchoAgent{}, 0.001, 1)
	_, err := a.Call(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Call(ctx, Request{Prompt: "x"})
	assert.Error(t, err)

	_, unlimited := NewLimited(EchoAgent{}, 0, 0).(EchoAgent)
	assert.True(t, unlimited)
}

func TestNewRegistryFromConfig(t *testing.T) {
	store := secrets.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "llm/key", "sk-secret"))
	cfg := config.AgentConfig{
		Default: "gpt",
		Critic:  "echo",
		Providers: map[string]config.AgentProviderConfig{
			"gpt": {Type: "openai", BaseURL: "http://localhost:1", SecretKey: "llm/key", Timeout: "5s", QPS: 5},
		},
	}
	reg, err := NewRegistryFromConfig(context.Background(), cfg, store)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gpt", "echo"}, reg.Keys())

	_, err = NewRegistryFromConfig(context.Background(), config.AgentConfig{Default: "nope"}, store)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = NewRegistryFromConfig(context.Background(), config.AgentConfig{
		Providers: map[string]config.AgentProviderConfig{"x": {Type: "grpc"}},
	}, store)
	assert.Error(t, err)
}

func TestConversationIDAndKey(t *testing.T) {
	assert.Equal(t, "plan-p1:n1", ConversationID("p1", "n1"))
	assert.Equal(t, "b", KeyFromConfig(map[string]any{"agentId": "b", "agent": "c"}))
}
