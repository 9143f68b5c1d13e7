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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore 内存实现：单机、测试用；所有读写在一把锁内完成，返回副本
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string // 插入顺序，认领时按此顺序公平派发

	planExecutable func(planID string) bool
}

// SetPlanFilter 认领时跳过所属 plan 不可执行的任务，对应 PgStore 认领语句中对 plans 的过滤
func (s *MemStore) SetPlanFilter(fn func(planID string) bool) {
	s.mu.Lock()
	s.planExecutable = fn
	s.mu.Unlock()
}

// NewMemStore 创建内存任务存储
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]*Task)}
}

func (s *MemStore) Create(ctx context.Context, t *Task) error {
	return s.BatchCreate(ctx, []*Task{t})
}

// BatchCreate 全部校验通过后才写入
func (s *MemStore) BatchCreate(_ context.Context, tasks []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		key := t.PlanID + "/" + t.NodeID
		if _, ok := s.tasks[t.ID]; ok || seen[key] || s.findLocked(t.PlanID, t.NodeID) != nil {
			return ErrDuplicate
		}
		seen[key] = true
	}
	now := time.Now()
	for _, t := range tasks {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		s.tasks[t.ID] = t.Clone()
		s.order = append(s.order, t.ID)
	}
	return nil
}

func (s *MemStore) Update(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != t.Version {
		return ErrOptimisticLock
	}
	t.Version++
	t.UpdatedAt = time.Now()
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemStore) ListByPlan(_ context.Context, planID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, id := range s.order {
		if t := s.tasks[id]; t.PlanID == planID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemStore) ListByStatus(_ context.Context, status Status, afterID string, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == status && t.ID > afterID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) FindByPlanAndNode(_ context.Context, planID, nodeID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.findLocked(planID, nodeID); t != nil {
		return t.Clone(), nil
	}
	return nil, ErrNotFound
}

func (s *MemStore) findLocked(planID, nodeID string) *Task {
	for _, t := range s.tasks {
		if t.PlanID == planID && t.NodeID == nodeID {
			return t
		}
	}
	return nil
}

func (s *MemStore) ClaimReadyLike(_ context.Context, owner string, limit int, lease time.Duration) ([]*Task, error) {
	return s.claim(owner, limit, lease, func(t *Task, now time.Time) bool {
		return t.Status == StatusReady || (t.Status == StatusRunning && t.LeaseExpired(now))
	})
}

func (s *MemStore) ClaimRefining(_ context.Context, owner string, limit int, lease time.Duration) ([]*Task, error) {
	return s.claim(owner, limit, lease, func(t *Task, _ time.Time) bool {
		return t.Status == StatusRefining
	})
}

func (s *MemStore) claim(owner string, limit int, lease time.Duration, match func(*Task, time.Time) bool) ([]*Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*Task
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		t := s.tasks[id]
		if !match(t, now) {
			continue
		}
		if s.planExecutable != nil && !s.planExecutable(t.PlanID) {
			continue
		}
		if err := t.Claim(owner, lease, now); err != nil {
			return out, err
		}
		t.Version++
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *MemStore) RenewLease(_ context.Context, id, owner string, attempt int, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if !t.ClaimedBy(owner, attempt) || !t.Status.IsRunningLike() {
		return false, nil
	}
	if lease < minLease {
		lease = minLease
	}
	t.LeaseUntil = time.Now().Add(lease)
	return true, nil
}

func (s *MemStore) UpdateClaimed(_ context.Context, t *Task, owner string, attempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return false, ErrNotFound
	}
	if !cur.ClaimedBy(owner, attempt) || !cur.Status.IsRunningLike() {
		return false, nil
	}
	next := t.Clone()
	next.ExecutionAttempt = cur.ExecutionAttempt
	if next.Status != StatusRunning {
		next.clearClaim()
	} else {
		next.ClaimOwner, next.ClaimAt, next.LeaseUntil = cur.ClaimOwner, cur.ClaimAt, cur.LeaseUntil
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	s.tasks[t.ID] = next
	t.Version = next.Version
	return true, nil
}

func (s *MemStore) CountExpiredRunning(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == StatusRunning && t.LeaseExpired(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) SummarizeByPlanIDs(_ context.Context, planIDs []string) (map[string]Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(planIDs))
	for _, id := range planIDs {
		want[id] = true
	}
	out := make(map[string]Stats, len(planIDs))
	for _, t := range s.tasks {
		if !want[t.PlanID] {
			continue
		}
		st := out[t.PlanID]
		st.Add(t.Status)
		out[t.PlanID] = st
	}
	return out, nil
}

// MemExecutionStore 执行记录内存实现
type MemExecutionStore struct {
	mu     sync.Mutex
	byTask map[string][]*Execution
}

// NewMemExecutionStore 创建内存执行记录存储
func NewMemExecutionStore() *MemExecutionStore {
	return &MemExecutionStore{byTask: make(map[string][]*Execution)}
}

func (s *MemExecutionStore) Save(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTask[e.TaskID]
	if e.Attempt <= 0 || (len(list) > 0 && list[len(list)-1].Attempt >= e.Attempt) {
		return ErrAttemptConflict
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	s.byTask[e.TaskID] = append(list, &cp)
	return nil
}

func (s *MemExecutionStore) MaxAttempt(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTask[taskID]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Attempt, nil
}

func (s *MemExecutionStore) ListByTask(_ context.Context, taskID string) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Execution, 0, len(s.byTask[taskID]))
	for _, e := range s.byTask[taskID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
