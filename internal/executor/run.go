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

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"plan-orchestrator/internal/agent"
	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/pkg/metrics"
	"plan-orchestrator/pkg/tracing"
)

// 执行结果，对应 TaskExecutionTotal 的 outcome 标签
const (
	outcomeCompleted          = "completed"
	outcomeFailed             = "failed"
	outcomeCriticRejected     = "critic_rejected"
	outcomeValidationRejected = "validation_rejected"
	outcomeGuardReject        = "update_guard_reject"
	outcomeTimeoutRetrying    = "timeout_retrying"
	outcomePlanNotFound       = "skip_plan_not_found"
	outcomeReleased           = "skip_plan_not_executable_released"
	outcomeReleaseFailed      = "skip_plan_not_executable_release_failed"
	outcomeInvalidClaim       = "skip_invalid_claim"
	outcomeInterrupted        = "interrupted"
)

const noValidatorFeedback = "no validator"

// run 一次认领的执行上下文；owner 与 attempt 在认领时确定，之后所有写回都以它为条件
type run struct {
	e       *Engine
	t       *task.Task
	p       *plan.Plan
	owner   string
	attempt int
	exec    *task.Execution
	saved   bool
}

func (e *Engine) runClaimed(ctx context.Context, t *task.Task) {
	ctx, span := tracing.StartTaskSpan(ctx, t.PlanID, t.ID, t.NodeID, string(t.Type))
	defer span.End()

	busy := metrics.WorkerBusy.WithLabelValues(e.cfg.WorkerID)
	busy.Inc()
	defer busy.Dec()

	outcome := e.Execute(ctx, t)
	metrics.TaskExecutionTotal.WithLabelValues(outcome).Inc()
	if outcome == outcomeFailed {
		tracing.RecordError(span, errors.New(t.Output))
	}
}

// Execute 执行一个已认领的任务并返回结果分类；t 必须来自 ClaimReadyLike / ClaimRefining
func (e *Engine) Execute(ctx context.Context, t *task.Task) string {
	r := &run{e: e, t: t, owner: t.ClaimOwner, attempt: t.ExecutionAttempt}
	if r.owner == "" || r.attempt <= 0 {
		e.logger.Warn("认领信息缺失，跳过执行", "task_id", t.ID)
		return outcomeInvalidClaim
	}
	p, err := e.plans.Get(ctx, t.PlanID)
	if errors.Is(err, plan.ErrNotFound) {
		e.logger.Warn("plan 不存在，跳过执行", "task_id", t.ID, "plan_id", t.PlanID)
		return outcomePlanNotFound
	}
	if err != nil {
		return r.fail(ctx, err)
	}
	r.p = p
	if !p.IsExecutable() {
		return r.releaseNonExecutable(ctx)
	}
	e.publish(ctx, eventlog.TaskStarted, t, t.EventData())

	stop := e.startHeartbeat(ctx, t.ID, r.owner, r.attempt)
	defer stop()

	resp, outcome, err := r.invoke(ctx)
	switch {
	case outcome != "":
		return outcome
	case err != nil:
		return r.fail(ctx, err)
	}
	if t.Type == task.TypeCritic {
		return r.finishCritic(ctx, resp)
	}
	if NeedsValidation(t) {
		return r.finishValidated(ctx, resp)
	}
	r.exec.Valid = true
	r.exec.ValidationFeedback = noValidatorFeedback
	if err := r.save(ctx); err != nil {
		return r.fail(ctx, err)
	}
	return r.complete(ctx, resp.Content, true)
}

// invoke 调用 agent，超时按预算重试；outcome 非空表示任务已写回终态或被中断
func (r *run) invoke(ctx context.Context) (*agent.Response, string, error) {
	e, t := r.e, r.t
	key := agent.KeyFromConfig(t.Config)
	if key == "" {
		if dk, ok := e.agents.(defaultKeyer); ok {
			key = dk.DefaultKeyFor(string(t.Type))
		}
	}
	a, err := e.agents.Resolve(key, agent.ConversationID(t.PlanID, t.NodeID))
	if err != nil {
		return nil, "", err
	}

	refining := t.CurrentRetry > 0
	timeoutRetries := 0
	for {
		prompt, err := r.prompt(ctx, refining)
		if err != nil {
			return nil, "", err
		}
		if err := r.newExecution(ctx, prompt); err != nil {
			return nil, "", err
		}
		req := agent.Request{
			Prompt:         prompt,
			System:         RetryNote(t),
			ConversationID: agent.ConversationID(t.PlanID, t.NodeID),
			TaskType:       string(t.Type),
			Attempt:        r.exec.Attempt,
		}
		started := time.Now()
		resp, timedOut, err := e.call(ctx, a, key, req)
		r.exec.DurationMs = time.Since(started).Milliseconds()
		metrics.TaskExecutionDuration.WithLabelValues(strings.ToLower(string(t.Type))).Observe(time.Since(started).Seconds())

		if ctx.Err() != nil {
			// 进程退出，认领保留到租约过期后由其他 worker 回收
			e.logger.Info("执行被中断", "task_id", t.ID, "attempt", r.attempt)
			return nil, outcomeInterrupted, nil
		}
		if timedOut {
			msg := fmt.Sprintf("Task execution timed out after %d ms", e.cfg.ExecutionTimeout.Milliseconds())
			r.exec.ErrorMessage = msg
			r.exec.ErrorType = task.ErrorTypeTimeout
			r.exec.Valid = false
			r.exec.ValidationFeedback = msg
			if err := r.save(ctx); err != nil {
				e.logger.Warn("保存超时执行记录失败", "task_id", t.ID, "error", err)
			}
			metrics.TaskTimeoutTotal.WithLabelValues("total").Inc()
			if t.CanTimeoutRetry(timeoutRetries, e.cfg.TimeoutRetryMax) {
				metrics.TaskTimeoutTotal.WithLabelValues("retry").Inc()
				metrics.TaskExecutionTotal.WithLabelValues(outcomeTimeoutRetrying).Inc()
				timeoutRetries++
				t.ApplyTimeoutRetry(msg)
				refining = true
				e.logger.Info("任务执行超时，重试", "task_id", t.ID, "timeout_retries", timeoutRetries)
				continue
			}
			metrics.TaskTimeoutTotal.WithLabelValues("final_fail").Inc()
			e.logger.Warn("任务执行超时且重试耗尽", "task_id", t.ID, "node_id", t.NodeID,
				"timeout_ms", e.cfg.ExecutionTimeout.Milliseconds(), "retry_max", e.cfg.TimeoutRetryMax)
			if err := t.Fail(msg); err != nil {
				return nil, "", err
			}
			r.terminal(ctx)
			return nil, outcomeFailed, nil
		}
		if err != nil {
			return nil, "", err
		}
		r.exec.Response = resp.Content
		r.exec.Model = resp.Model
		r.exec.Usage = task.Usage(resp.Usage)
		metrics.AgentTokensTotal.WithLabelValues("input").Add(float64(resp.Usage.PromptTokens))
		metrics.AgentTokensTotal.WithLabelValues("output").Add(float64(resp.Usage.CompletionTokens))
		return resp, "", nil
	}
}

// call 在独立 goroutine 中调用 agent 并与执行超时竞争
func (e *Engine) call(ctx context.Context, a agent.Agent, key string, req agent.Request) (*agent.Response, bool, error) {
	ctx, span := tracing.StartAgentSpan(ctx, key, req.Attempt)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	type result struct {
		resp *agent.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := a.Call(callCtx, req)
		done <- result{resp, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, true, nil
		}
		if res.err == nil && res.resp == nil {
			res.err = errors.New("agent returned empty response")
		}
		tracing.RecordError(span, res.err)
		return res.resp, false, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, nil
	}
}

func (r *run) prompt(ctx context.Context, refining bool) (string, error) {
	t, p := r.t, r.p
	if t.Type == task.TypeCritic {
		target := ResolveTargetNodeID(t)
		var output string
		if target != "" {
			tt, err := r.e.tasks.FindByPlanAndNode(ctx, t.PlanID, target)
			switch {
			case err == nil:
				output = tt.Output
			case !errors.Is(err, task.ErrNotFound):
				return "", err
			}
		}
		return BuildCriticPrompt(t, p, target, output), nil
	}
	base := BuildWorkerPrompt(t, p)
	if !refining {
		return base, nil
	}
	var lastResp, feedback string
	list, err := r.e.execs.ListByTask(ctx, t.ID)
	if err != nil {
		return "", err
	}
	if n := len(list); n > 0 {
		lastResp, feedback = list[n-1].Response, list[n-1].ValidationFeedback
	}
	if feedback == "" {
		feedback = t.Feedback()
	}
	return BuildRefinePrompt(base, lastResp, feedback), nil
}

func (r *run) newExecution(ctx context.Context, prompt string) error {
	maxAttempt, err := r.e.execs.MaxAttempt(ctx, r.t.ID)
	if err != nil {
		return err
	}
	r.exec = &task.Execution{TaskID: r.t.ID, Attempt: maxAttempt + 1, Prompt: prompt}
	r.saved = false
	return nil
}

func (r *run) save(ctx context.Context) error {
	if r.exec == nil || r.saved {
		return nil
	}
	if err := r.e.execs.Save(ctx, r.exec); err != nil {
		return err
	}
	r.saved = true
	return nil
}

func (r *run) finishCritic(ctx context.Context, resp *agent.Response) string {
	t := r.t
	v := ParseCriticVerdict(resp.Content)
	r.exec.Valid = v.Pass
	r.exec.ValidationFeedback = v.Feedback
	if err := r.save(ctx); err != nil {
		return r.fail(ctx, err)
	}
	if err := t.StartValidation(); err != nil {
		return r.fail(ctx, err)
	}
	if v.Pass {
		return r.complete(ctx, resp.Content, false)
	}

	t.Output = resp.Content
	t.ResetToPending()
	outcome := outcomeGuardReject
	if r.e.writeClaimed(ctx, t, r.owner, r.attempt) {
		outcome = outcomeCriticRejected
		r.e.publish(ctx, eventlog.TaskLog, t, t.LogData())
	}
	r.rollbackTarget(ctx, v.Feedback)
	return outcome
}

// rollbackTarget critic 驳回后目标节点消耗一次重试回到 REFINING，超出上限则失败
func (r *run) rollbackTarget(ctx context.Context, feedback string) {
	t, e := r.t, r.e
	targetID := ResolveTargetNodeID(t)
	if targetID == "" {
		e.logger.Warn("critic 回滚跳过：未找到目标节点", "plan_id", t.PlanID, "task_id", t.ID)
		return
	}
	target, err := e.tasks.FindByPlanAndNode(ctx, t.PlanID, targetID)
	if errors.Is(err, task.ErrNotFound) {
		e.logger.Warn("critic 回滚跳过：目标任务不存在", "plan_id", t.PlanID, "node_id", targetID)
		return
	}
	if err != nil {
		e.logger.Warn("critic 回滚读取目标失败", "plan_id", t.PlanID, "node_id", targetID, "error", err)
		return
	}
	if target.Status == task.StatusFailed {
		return
	}
	target.ApplyCriticFeedback(feedback)
	target.IncrementRetry()
	if target.ExceedsRetryLimit() {
		if err := target.FailFromCritic("Validation failed: " + feedback); err != nil {
			e.logger.Warn("critic 回滚标记失败出错", "task_id", target.ID, "error", err)
			return
		}
	} else {
		target.RollbackToRefining()
	}
	if err := e.tasks.Update(ctx, target); err != nil {
		e.logger.Warn("critic 回滚写回失败", "task_id", target.ID, "status", string(target.Status), "error", err)
		return
	}
	e.publish(ctx, eventlog.TaskLog, target, target.LogData())
}

func (r *run) finishValidated(ctx context.Context, resp *agent.Response) string {
	t := r.t
	v := Validate(t, resp.Content)
	r.exec.Valid = v.Pass
	r.exec.ValidationFeedback = v.Feedback
	if err := r.save(ctx); err != nil {
		return r.fail(ctx, err)
	}
	if err := t.StartValidation(); err != nil {
		return r.fail(ctx, err)
	}
	if v.Pass {
		return r.complete(ctx, resp.Content, true)
	}
	if err := t.StartRefining(v.Feedback); err != nil {
		reason := v.Feedback
		if strings.TrimSpace(reason) == "" {
			reason = err.Error()
		}
		if err := t.Fail("Validation failed: " + reason); err != nil {
			return r.fail(ctx, err)
		}
	}
	if r.e.writeClaimed(ctx, t, r.owner, r.attempt) {
		r.e.publish(ctx, eventlog.TaskLog, t, t.LogData())
		if t.Status == task.StatusFailed {
			r.e.publish(ctx, eventlog.TaskCompleted, t, t.EventData())
		}
	}
	return outcomeValidationRejected
}

// complete 写回 COMPLETED；blackboard 为 true 时把输出合并进 plan 上下文
func (r *run) complete(ctx context.Context, output string, blackboard bool) string {
	t, e := r.t, r.e
	if t.Status == task.StatusRunning {
		if err := t.StartValidation(); err != nil {
			return r.fail(ctx, err)
		}
	}
	if err := t.Complete(output); err != nil {
		return r.fail(ctx, err)
	}
	if !e.writeClaimed(ctx, t, r.owner, r.attempt) {
		return outcomeGuardReject
	}
	if blackboard {
		p, err := SyncBlackboard(ctx, e.plans, t.PlanID, OutputDelta(t, output))
		if err != nil {
			e.logger.Warn("写入黑板失败", "plan_id", t.PlanID, "task_id", t.ID, "error", err)
		} else {
			r.p = p
		}
	}
	e.publish(ctx, eventlog.TaskCompleted, t, t.EventData())
	e.publish(ctx, eventlog.TaskLog, t, t.LogData())
	return outcomeCompleted
}

// terminal 终态写回成功后发布 TASK_COMPLETED 与 TASK_LOG
func (r *run) terminal(ctx context.Context) bool {
	if !r.e.writeClaimed(ctx, r.t, r.owner, r.attempt) {
		return false
	}
	r.e.publish(ctx, eventlog.TaskCompleted, r.t, r.t.EventData())
	r.e.publish(ctx, eventlog.TaskLog, r.t, r.t.LogData())
	return true
}

// fail 记录错误执行并把任务置为 FAILED
func (r *run) fail(ctx context.Context, cause error) string {
	t, e := r.t, r.e
	errType := ClassifyError(cause)
	if r.exec == nil || r.saved {
		maxAttempt, err := e.execs.MaxAttempt(ctx, t.ID)
		if err != nil {
			e.logger.Warn("读取执行序号失败", "task_id", t.ID, "error", err)
		}
		r.exec = &task.Execution{TaskID: t.ID, Attempt: maxAttempt + 1}
		r.saved = false
	}
	r.exec.ErrorMessage = cause.Error()
	r.exec.ErrorType = errType
	if err := r.save(ctx); err != nil {
		e.logger.Warn("保存失败执行记录失败", "task_id", t.ID, "error", err)
	}
	if err := t.Fail(cause.Error()); err != nil {
		e.logger.Warn("任务无法标记失败", "task_id", t.ID, "error", err)
		return outcomeFailed
	}
	r.terminal(ctx)
	e.logger.Warn("任务执行失败", "task_id", t.ID, "node_id", t.NodeID, "error_type", errType, "error", cause)
	return outcomeFailed
}

// releaseNonExecutable plan 暂停或已结束时释放认领
func (r *run) releaseNonExecutable(ctx context.Context) string {
	t := r.t
	t.RollbackToDispatchQueue()
	if !r.e.writeClaimed(ctx, t, r.owner, r.attempt) {
		return outcomeReleaseFailed
	}
	r.e.logger.Debug("plan 不可执行，释放认领", "plan_id", t.PlanID, "plan_status", string(r.p.Status), "task_id", t.ID)
	r.e.publish(ctx, eventlog.TaskLog, t, t.LogData())
	return outcomeReleased
}
