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

	pkgerrors "plan-orchestrator/pkg/errors"
)

var (
	// ErrNotFound 任务不存在
	ErrNotFound = pkgerrors.Wrap(pkgerrors.ErrNotFound, "task")
	// ErrOptimisticLock 版本冲突
	ErrOptimisticLock = pkgerrors.Wrap(pkgerrors.ErrOptimisticLock, "task")
	// ErrDuplicate 同一 plan 下 node id 重复或 id 重复
	ErrDuplicate = errors.New("task: duplicate task")
)

// Stats 单个 plan 的任务聚合统计
type Stats struct {
	Total       int
	Pending     int
	Ready       int
	RunningLike int
	Completed   int
	Failed      int
	Skipped     int
	Terminal    int
}

// Add 累加一个状态
func (s *Stats) Add(st Status) {
	s.Total++
	switch {
	case st == StatusPending:
		s.Pending++
	case st == StatusReady:
		s.Ready++
	case st.IsRunningLike():
		s.RunningLike++
	}
	switch st {
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}
	if st.IsTerminal() {
		s.Terminal++
	}
}

// Store 任务存储端口；所有写操作都是条件更新
type Store interface {
	Create(ctx context.Context, t *Task) error
	BatchCreate(ctx context.Context, tasks []*Task) error
	// Update 以 t.Version 做乐观锁，成功后 t.Version 自增；冲突返回 ErrOptimisticLock
	Update(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	ListByPlan(ctx context.Context, planID string) ([]*Task, error)
	// ListByStatus 按 id 升序分页，afterID 为上一页最后一个 id
	ListByStatus(ctx context.Context, status Status, afterID string, limit int) ([]*Task, error)
	FindByPlanAndNode(ctx context.Context, planID, nodeID string) (*Task, error)

	// ClaimReadyLike 认领 READY 及租约过期的 RUNNING 任务，原子且互斥
	ClaimReadyLike(ctx context.Context, owner string, limit int, lease time.Duration) ([]*Task, error)
	// ClaimRefining 认领 REFINING 任务
	ClaimRefining(ctx context.Context, owner string, limit int, lease time.Duration) ([]*Task, error)
	// RenewLease 仅当 owner 与 attempt 匹配且仍在运行时续期；返回是否成功
	RenewLease(ctx context.Context, id, owner string, attempt int, lease time.Duration) (bool, error)
	// UpdateClaimed 以认领（owner + attempt + 运行中）为条件写回 t；false 表示守卫拒绝
	UpdateClaimed(ctx context.Context, t *Task, owner string, attempt int) (bool, error)

	CountExpiredRunning(ctx context.Context, now time.Time) (int, error)
	SummarizeByPlanIDs(ctx context.Context, planIDs []string) (map[string]Stats, error)
}
