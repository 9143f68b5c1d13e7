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

// Package task 定义计划中的单个任务节点：状态机、认领租约与存储端口。
package task

import (
	"fmt"
	"strings"
	"time"

	pkgerrors "plan-orchestrator/pkg/errors"
	"plan-orchestrator/pkg/utils"
)

// Status 任务状态
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusReady      Status = "READY"
	StatusRunning    Status = "RUNNING"
	StatusValidating Status = "VALIDATING"
	StatusRefining   Status = "REFINING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// IsTerminal COMPLETED / FAILED / SKIPPED
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// IsRunningLike RUNNING / VALIDATING / REFINING
func (s Status) IsRunningLike() bool {
	return s == StatusRunning || s == StatusValidating || s == StatusRefining
}

// ParseStatus 解析状态字符串（忽略大小写）
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusReady, StatusRunning, StatusValidating,
		StatusRefining, StatusCompleted, StatusFailed, StatusSkipped:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown task status %q", pkgerrors.ErrInvalidArg, s)
}

// Type 任务角色
type Type string

const (
	TypeWorker Type = "WORKER"
	TypeCritic Type = "CRITIC"
)

// DefaultMaxRetries 未配置 maxRetries 时的重试上限
const DefaultMaxRetries = 3

// minLease 认领租约下限
const minLease = time.Second

// Task 计划中的一个任务节点
type Task struct {
	ID                string
	PlanID            string
	NodeID            string
	Name              string
	Type              Type
	Status            Status
	DependencyNodeIDs []string
	InputContext      map[string]any
	Config            map[string]any // 创建时的配置快照，含 graphPolicy
	Output            string
	CurrentRetry      int
	MaxRetries        int

	ClaimOwner       string
	ClaimAt          time.Time
	LeaseUntil       time.Time
	ExecutionAttempt int  // 每次认领 +1，作为续约与条件更新的令牌
	LeaseReclaimed   bool // 本次认领来自租约过期的任务

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransitionError 状态守卫拒绝
type TransitionError struct {
	TaskID string
	Op     string
	From   Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("task %s: cannot %s from %s", e.TaskID, e.Op, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return pkgerrors.ErrInvalidState }

func (t *Task) guard(op string, allowed ...Status) error {
	for _, s := range allowed {
		if t.Status == s {
			return nil
		}
	}
	return &TransitionError{TaskID: t.ID, Op: op, From: t.Status}
}

func (t *Task) set(s Status) {
	t.Status = s
	t.UpdatedAt = time.Now()
}

// MarkReady PENDING -> READY
func (t *Task) MarkReady() error {
	if err := t.guard("mark ready", StatusPending); err != nil {
		return err
	}
	t.set(StatusReady)
	return nil
}

// Skip PENDING -> SKIPPED，依赖无法满足时使用
func (t *Task) Skip(reason string) error {
	if err := t.guard("skip", StatusPending); err != nil {
		return err
	}
	if reason != "" {
		t.Output = reason
	}
	t.set(StatusSkipped)
	return nil
}

// Start READY/REFINING -> RUNNING
func (t *Task) Start() error {
	if err := t.guard("start", StatusReady, StatusRefining); err != nil {
		return err
	}
	t.set(StatusRunning)
	return nil
}

// StartValidation RUNNING -> VALIDATING
func (t *Task) StartValidation() error {
	if err := t.guard("start validation", StatusRunning); err != nil {
		return err
	}
	t.set(StatusValidating)
	return nil
}

// StartRefining VALIDATING -> REFINING，消耗一次重试
func (t *Task) StartRefining(feedback string) error {
	if err := t.guard("start refining", StatusValidating); err != nil {
		return err
	}
	if !t.HasRetryBudget() {
		return &TransitionError{TaskID: t.ID, Op: "start refining", From: t.Status, Reason: "retry budget exhausted"}
	}
	t.CurrentRetry++
	t.setFeedback("validationFeedback", feedback)
	t.set(StatusRefining)
	return nil
}

// Complete RUNNING/VALIDATING/REFINING -> COMPLETED
func (t *Task) Complete(output string) error {
	if err := t.guard("complete", StatusRunning, StatusValidating, StatusRefining); err != nil {
		return err
	}
	t.Output = output
	t.set(StatusCompleted)
	return nil
}

// Fail 任意非终态 -> FAILED，message 作为输出
func (t *Task) Fail(message string) error {
	if t.Status.IsTerminal() {
		return &TransitionError{TaskID: t.ID, Op: "fail", From: t.Status}
	}
	t.Output = message
	t.set(StatusFailed)
	return nil
}

// FailFromCritic critic 驳回且目标重试耗尽：COMPLETED 也允许直接置为 FAILED
func (t *Task) FailFromCritic(message string) error {
	if t.Status == StatusFailed || t.Status == StatusSkipped {
		return &TransitionError{TaskID: t.ID, Op: "fail from critic", From: t.Status}
	}
	t.clearClaim()
	t.Output = message
	t.set(StatusFailed)
	return nil
}

// ResetToPending 回到等待态，critic 驳回后自身重新等待上游
func (t *Task) ResetToPending() {
	t.clearClaim()
	t.set(StatusPending)
}

// RollbackToDispatchQueue 释放认领并回到可派发状态：有过重试则 REFINING，否则 READY
func (t *Task) RollbackToDispatchQueue() {
	t.clearClaim()
	if t.CurrentRetry > 0 {
		t.set(StatusRefining)
		return
	}
	t.set(StatusReady)
}

// RollbackToRefining critic 驳回后目标任务回到 REFINING，等待重新认领
func (t *Task) RollbackToRefining() {
	t.clearClaim()
	t.set(StatusRefining)
}

// RetryFromFailed 人工从失败节点重试：FAILED -> READY，保留最后一次重试机会
func (t *Task) RetryFromFailed() error {
	if err := t.guard("retry from failed", StatusFailed); err != nil {
		return err
	}
	t.clearClaim()
	t.Output = ""
	if t.MaxRetries > 0 && t.CurrentRetry >= t.MaxRetries {
		t.CurrentRetry = t.MaxRetries - 1
	}
	t.set(StatusReady)
	return nil
}

// Claim 由存储层在条件更新中调用
func (t *Task) Claim(owner string, lease time.Duration, now time.Time) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: claim owner is empty", pkgerrors.ErrInvalidArg)
	}
	if !t.IsClaimable(now) {
		return &TransitionError{TaskID: t.ID, Op: "claim", From: t.Status}
	}
	if lease < minLease {
		lease = minLease
	}
	t.LeaseReclaimed = t.Status == StatusRunning
	t.ClaimOwner = owner
	t.ClaimAt = now
	t.LeaseUntil = now.Add(lease)
	t.ExecutionAttempt++
	t.Status = StatusRunning
	t.UpdatedAt = now
	return nil
}

// IsClaimable READY / REFINING，或租约已过期的 RUNNING
func (t *Task) IsClaimable(now time.Time) bool {
	switch t.Status {
	case StatusReady, StatusRefining:
		return true
	case StatusRunning:
		return t.LeaseExpired(now)
	}
	return false
}

// LeaseExpired 租约是否已过期（无租约视为过期）
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeaseUntil.IsZero() || !now.Before(t.LeaseUntil)
}

// ClaimedBy 当前认领是否属于 owner 的第 attempt 次认领
func (t *Task) ClaimedBy(owner string, attempt int) bool {
	return t.ClaimOwner == owner && t.ExecutionAttempt == attempt
}

func (t *Task) clearClaim() {
	t.ClaimOwner = ""
	t.ClaimAt = time.Time{}
	t.LeaseUntil = time.Time{}
}

// IncrementRetry 重试计数 +1
func (t *Task) IncrementRetry() { t.CurrentRetry++ }

// HasRetryBudget currentRetry < maxRetries
func (t *Task) HasRetryBudget() bool { return t.CurrentRetry < t.MaxRetries }

// ExceedsRetryLimit currentRetry > maxRetries
func (t *Task) ExceedsRetryLimit() bool { return t.CurrentRetry > t.MaxRetries }

// CanTimeoutRetry 超时重试次数未达上限且仍有重试预算
func (t *Task) CanTimeoutRetry(timeoutRetries, max int) bool {
	return timeoutRetries < max && t.HasRetryBudget()
}

// ApplyTimeoutRetry 记录一次超时重试
func (t *Task) ApplyTimeoutRetry(message string) {
	t.CurrentRetry++
	t.setFeedback("validationFeedback", message)
}

// ApplyCriticFeedback 写入 critic 的驳回意见，供 refine prompt 使用
func (t *Task) ApplyCriticFeedback(feedback string) {
	t.setFeedback("criticFeedback", feedback)
}

func (t *Task) setFeedback(key, feedback string) {
	if feedback == "" {
		return
	}
	if t.InputContext == nil {
		t.InputContext = map[string]any{}
	}
	t.InputContext["feedback"] = feedback
	t.InputContext[key] = feedback
}

// Feedback 上一次的反馈，没有时返回空
func (t *Task) Feedback() string {
	return utils.Text(t.InputContext, "feedback", "criticFeedback", "validationFeedback")
}

// EventData 任务事件的公共字段
func (t *Task) EventData() map[string]any {
	return map[string]any{
		"planId":   t.PlanID,
		"taskId":   t.ID,
		"nodeId":   t.NodeID,
		"status":   string(t.Status),
		"taskType": string(t.Type),
	}
}

// LogData TASK_LOG 事件字段，包含输出
func (t *Task) LogData() map[string]any {
	data := t.EventData()
	data["output"] = t.Output
	return data
}

// Clone 深拷贝，存储实现返回副本
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependencyNodeIDs = append([]string(nil), t.DependencyNodeIDs...)
	c.InputContext = utils.CloneMap(t.InputContext)
	c.Config = utils.CloneMap(t.Config)
	return &c
}
