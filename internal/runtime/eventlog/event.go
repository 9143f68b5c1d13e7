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

// Package eventlog 计划/任务事件的持久化、回放与实时分发
package eventlog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type 事件类型
type Type string

const (
	TaskStarted   Type = "TASK_STARTED"
	TaskLog       Type = "TASK_LOG"
	TaskCompleted Type = "TASK_COMPLETED"
	PlanFinished  Type = "PLAN_FINISHED"
)

// Name 对外事件名（SSE event 字段）
func (t Type) Name() string {
	switch t {
	case TaskStarted:
		return "TaskStarted"
	case TaskLog:
		return "TaskLog"
	case TaskCompleted:
		return "TaskCompleted"
	case PlanFinished:
		return "PlanFinished"
	}
	return string(t)
}

// Event 一条追加写入的事件；ID 全局单调递增，同一 plan 内即为游标
type Event struct {
	ID        int64          `json:"id"`
	PlanID    string         `json:"planId"`
	TaskID    string         `json:"taskId,omitempty"`
	Type      Type           `json:"eventType"`
	Data      map[string]any `json:"eventData"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (e *Event) clone() *Event {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// Notification 跨实例通知内容，线上格式为 planId:eventId:publisherId
type Notification struct {
	PlanID      string
	EventID     int64
	PublisherID string
}

func (n Notification) String() string {
	return fmt.Sprintf("%s:%d:%s", n.PlanID, n.EventID, n.PublisherID)
}

// ParseNotification 解析通知；格式不对返回 false
func ParseNotification(payload string) (Notification, bool) {
	parts := strings.SplitN(strings.TrimSpace(payload), ":", 3)
	if len(parts) < 3 {
		return Notification{}, false
	}
	planID := strings.TrimSpace(parts[0])
	id, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if planID == "" || err != nil || id <= 0 {
		return Notification{}, false
	}
	return Notification{PlanID: planID, EventID: id, PublisherID: parts[2]}, true
}
