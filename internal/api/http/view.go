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

package http

import (
	"time"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/plan/graph"
	"plan-orchestrator/internal/task"
)

// PlanView 计划只读视图
type PlanView struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"sessionId"`
	Goal               string         `json:"goal"`
	RoutingDecisionID  string         `json:"routingDecisionId"`
	Status             string         `json:"status"`
	Priority           int            `json:"priority"`
	ErrorSummary       string         `json:"errorSummary,omitempty"`
	Version            int            `json:"version"`
	Graph              *graph.Graph   `json:"executionGraph,omitempty"`
	GlobalContext      map[string]any `json:"globalContext"`
	DefinitionSnapshot map[string]any `json:"definitionSnapshot,omitempty"`
	Progress           *StatsView     `json:"progress,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// StatsView 任务聚合
type StatsView struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Ready       int `json:"ready"`
	RunningLike int `json:"running"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Terminal    int `json:"terminal"`
}

// TaskView 任务只读视图
type TaskView struct {
	ID                string         `json:"id"`
	PlanID            string         `json:"planId"`
	NodeID            string         `json:"nodeId"`
	Name              string         `json:"name"`
	Type              string         `json:"taskType"`
	Status            string         `json:"status"`
	DependencyNodeIDs []string       `json:"dependencyNodeIds"`
	Config            map[string]any `json:"configSnapshot,omitempty"`
	Output            string         `json:"output,omitempty"`
	CurrentRetry      int            `json:"currentRetry"`
	MaxRetries        int            `json:"maxRetries"`
	ClaimOwner        string         `json:"claimOwner,omitempty"`
	LeaseUntil        *time.Time     `json:"leaseUntil,omitempty"`
	ExecutionAttempt  int            `json:"executionAttempt"`
	Version           int            `json:"version"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// ExecutionView 执行记录视图
type ExecutionView struct {
	ID                 string     `json:"id"`
	TaskID             string     `json:"taskId"`
	Attempt            int        `json:"attempt"`
	Prompt             string     `json:"prompt"`
	Response           string     `json:"response"`
	Model              string     `json:"model,omitempty"`
	Usage              task.Usage `json:"usage"`
	DurationMs         int64      `json:"durationMs"`
	Valid              bool       `json:"valid"`
	ValidationFeedback string     `json:"validationFeedback,omitempty"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	ErrorType          string     `json:"errorType,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

func toPlanView(p *plan.Plan, stats *task.Stats) PlanView {
	v := PlanView{
		ID:                 p.ID,
		SessionID:          p.SessionID,
		Goal:               p.Goal,
		RoutingDecisionID:  p.RoutingDecisionID,
		Status:             string(p.Status),
		Priority:           p.Priority,
		ErrorSummary:       p.ErrorSummary,
		Version:            p.Version,
		Graph:              p.Graph,
		GlobalContext:      p.GlobalContext,
		DefinitionSnapshot: p.DefinitionSnapshot,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	if v.GlobalContext == nil {
		v.GlobalContext = map[string]any{}
	}
	if stats != nil {
		v.Progress = &StatsView{
			Total:       stats.Total,
			Pending:     stats.Pending,
			Ready:       stats.Ready,
			RunningLike: stats.RunningLike,
			Completed:   stats.Completed,
			Failed:      stats.Failed,
			Skipped:     stats.Skipped,
			Terminal:    stats.Terminal,
		}
	}
	return v
}

func toTaskView(t *task.Task) TaskView {
	v := TaskView{
		ID:                t.ID,
		PlanID:            t.PlanID,
		NodeID:            t.NodeID,
		Name:              t.Name,
		Type:              string(t.Type),
		Status:            string(t.Status),
		DependencyNodeIDs: t.DependencyNodeIDs,
		Config:            t.Config,
		Output:            t.Output,
		CurrentRetry:      t.CurrentRetry,
		MaxRetries:        t.MaxRetries,
		ClaimOwner:        t.ClaimOwner,
		ExecutionAttempt:  t.ExecutionAttempt,
		Version:           t.Version,
		UpdatedAt:         t.UpdatedAt,
	}
	if v.DependencyNodeIDs == nil {
		v.DependencyNodeIDs = []string{}
	}
	if !t.LeaseUntil.IsZero() {
		lease := t.LeaseUntil
		v.LeaseUntil = &lease
	}
	return v
}

func toExecutionView(e *task.Execution) ExecutionView {
	return ExecutionView{
		ID:                 e.ID,
		TaskID:             e.TaskID,
		Attempt:            e.Attempt,
		Prompt:             e.Prompt,
		Response:           e.Response,
		Model:              e.Model,
		Usage:              e.Usage,
		DurationMs:         e.DurationMs,
		Valid:              e.Valid,
		ValidationFeedback: e.ValidationFeedback,
		ErrorMessage:       e.ErrorMessage,
		ErrorType:          e.ErrorType,
		CreatedAt:          e.CreatedAt,
	}
}
