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

package task

import (
	"context"
	"errors"
	"time"
)

// 执行错误分类
const (
	ErrorTypeTimeout        = "timeout"
	ErrorTypeOptimisticLock = "optimistic_lock"
	ErrorTypeDB             = "db_error"
	ErrorTypeJSON           = "json_error"
	ErrorTypeRuntime        = "runtime_error"
)

// ErrAttemptConflict 尝试序号不递增
var ErrAttemptConflict = errors.New("task: execution attempt must increase")

// Usage token 用量
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Execution 一次执行尝试的记录，写入后不可变
type Execution struct {
	ID                 string
	TaskID             string
	Attempt            int // 从 1 开始，按任务严格递增
	Prompt             string
	Response           string
	Model              string
	Usage              Usage
	DurationMs         int64
	Valid              bool
	ValidationFeedback string
	ErrorMessage       string
	ErrorType          string // 成功时为空
	CreatedAt          time.Time
}

// ExecutionStore 执行记录存储
type ExecutionStore interface {
	Save(ctx context.Context, e *Execution) error
	MaxAttempt(ctx context.Context, taskID string) (int, error)
	ListByTask(ctx context.Context, taskID string) ([]*Execution, error)
}
