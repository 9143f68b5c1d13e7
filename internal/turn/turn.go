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

// Package turn 会话回合收尾：plan 进入终态后生成 assistant 最终消息
package turn

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/task"
)

// Outcome 收尾结果
type Outcome string

const (
	Finalized          Outcome = "FINALIZED"
	AlreadyFinalized   Outcome = "ALREADY_FINALIZED"
	SkippedNotTerminal Outcome = "SKIPPED_NOT_TERMINAL"
)

// Status 回合状态
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

const summaryMaxRunes = 2000

// Result 收尾返回；SkippedNotTerminal 时其余字段为空
type Result struct {
	TurnID             string
	AssistantMessageID string
	Summary            string
	TurnStatus         Status
	Outcome            Outcome
}

// Finalizer 回合收尾端口，同一 plan 多次调用必须幂等
type Finalizer interface {
	Finalize(ctx context.Context, planID string, status plan.Status) (Result, error)
}

// BuildContent 汇总 worker 输出；失败时取第一个失败 worker 的输出
func BuildContent(status plan.Status, tasks []*task.Task) string {
	if status == plan.StatusCompleted {
		var outputs []string
		for _, t := range tasks {
			if t.Status == task.StatusCompleted && t.Type == task.TypeWorker && strings.TrimSpace(t.Output) != "" {
				outputs = append(outputs, t.Output)
			}
		}
		switch len(outputs) {
		case 0:
			return "本轮任务已执行完成，但暂无可展示的文本结果。"
		case 1:
			return outputs[0]
		}
		return "本轮任务已完成，结果汇总如下：\n\n" + strings.Join(outputs, "\n\n")
	}
	for _, t := range tasks {
		if t.Status == task.StatusFailed && t.Type == task.TypeWorker && strings.TrimSpace(t.Output) != "" {
			return "本轮任务执行失败：" + t.Output
		}
	}
	return "本轮任务执行失败，请稍后重试或调整输入后再发起。"
}

// Truncate 按 rune 截断
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	return string(r[:max])
}

type record struct {
	result  Result
	content string
}

// MemFinalizer 进程内回合记录，assistant 消息只生成一次
type MemFinalizer struct {
	tasks task.Store

	mu      sync.Mutex
	records map[string]*record
}

// NewMemFinalizer tasks 用于读取 plan 下的任务输出
func NewMemFinalizer(tasks task.Store) *MemFinalizer {
	return &MemFinalizer{tasks: tasks, records: make(map[string]*record)}
}

func (f *MemFinalizer) Finalize(ctx context.Context, planID string, status plan.Status) (Result, error) {
	if planID == "" || (status != plan.StatusCompleted && status != plan.StatusFailed) {
		return Result{Outcome: SkippedNotTerminal}, nil
	}
	f.mu.Lock()
	if rec, ok := f.records[planID]; ok {
		f.mu.Unlock()
		r := rec.result
		r.Outcome = AlreadyFinalized
		return r, nil
	}
	f.mu.Unlock()

	tasks, err := f.tasks.ListByPlan(ctx, planID)
	if err != nil {
		return Result{}, err
	}
	content := BuildContent(status, tasks)
	turnStatus := StatusFailed
	if status == plan.StatusCompleted {
		turnStatus = StatusCompleted
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// 并发收尾时以先写入者为准
	if rec, ok := f.records[planID]; ok {
		r := rec.result
		r.Outcome = AlreadyFinalized
		return r, nil
	}
	res := Result{
		TurnID:             "turn-" + planID,
		AssistantMessageID: uuid.New().String(),
		Summary:            Truncate(content, summaryMaxRunes),
		TurnStatus:         turnStatus,
		Outcome:            Finalized,
	}
	f.records[planID] = &record{result: res, content: content}
	return res, nil
}

// Content 返回完整 assistant 消息
func (f *MemFinalizer) Content(planID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[planID]
	if !ok {
		return "", false
	}
	return rec.content, true
}
