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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TaskExecutionTotal, TaskExecutionDuration, TaskTimeoutTotal,
		TaskClaimedTotal, LeaseRenewTotal, ExpiredRunningTasks,
		ScheduleTotal, ReconcileTotal, PlanFinishedTotal,
		EventPublishedTotal, StreamSubscribers,
		AgentTokensTotal, WorkerBusy, PlanCreatedTotal,
	)
}

// TaskExecutionTotal 任务执行结果（按 outcome）
var TaskExecutionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_task_execution_total",
		Help: "任务执行结果总数",
	},
	// completed | failed | critic_rejected | validation_rejected | update_guard_reject |
	// timeout_retrying | skip_plan_not_found | skip_plan_not_executable_released
	[]string{"outcome"},
)

// TaskExecutionDuration 单次 agent 调用耗时（秒）
var TaskExecutionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "plan_task_execution_duration_seconds",
		Help:    "单次 agent 调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"task_type"},
)

// TaskTimeoutTotal 超时次数
var TaskTimeoutTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_task_timeout_total",
		Help: "任务执行超时次数",
	},
	[]string{"kind"}, // total | retry | final_fail
)

// TaskClaimedTotal 认领任务数
var TaskClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_task_claimed_total",
		Help: "认领任务数",
	},
	[]string{"source"}, // ready | refining
)

// LeaseRenewTotal 租约续期结果
var LeaseRenewTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_task_lease_renew_total",
		Help: "租约续期结果",
	},
	[]string{"result"}, // success | guard_reject | error
)

// ExpiredRunningTasks 租约已过期仍为 RUNNING 的任务数
var ExpiredRunningTasks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "plan_task_expired_running",
		Help: "租约过期的运行中任务数",
	},
)

// ScheduleTotal 依赖调度决策
var ScheduleTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_task_schedule_total",
		Help: "依赖调度决策",
	},
	[]string{"result"}, // promoted | skipped | waiting | error
)

// ReconcileTotal Plan 对账结果
var ReconcileTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_reconcile_total",
		Help: "Plan 对账结果",
	},
	[]string{"result"}, // advanced | lock_conflict | error
)

// PlanFinishedTotal Plan 终态（按状态与是否去重）
var PlanFinishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_finished_total",
		Help: "Plan 进入终态次数",
	},
	[]string{"status", "dedup"},
)

// EventPublishedTotal 事件发布数
var EventPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_event_published_total",
		Help: "事件发布数",
	},
	[]string{"type"},
)

// StreamSubscribers 当前订阅者数量
var StreamSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "plan_stream_subscribers",
		Help: "当前事件流订阅者数量",
	},
)

// AgentTokensTotal agent 调用 token 数
var AgentTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_agent_tokens_total",
		Help: "agent 调用 token 总数",
	},
	[]string{"direction"}, // input | output
)

// WorkerBusy 当前正在执行的任务数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "plan_worker_busy",
		Help: "当前正在执行的任务数",
	},
	[]string{"worker_id"},
)

// PlanCreatedTotal Plan 创建次数（按来源与路由类型）
var PlanCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_created_total",
		Help: "Plan 创建次数",
	},
	[]string{"source", "route"}, // source: steps | draft
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
