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

package plan

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicate id 已存在
var ErrDuplicate = errors.New("plan: duplicate plan id")

// MemStore 内存实现
type MemStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewMemStore 创建内存 plan 存储
func NewMemStore() *MemStore {
	return &MemStore{plans: make(map[string]*Plan)}
}

// Executable plan 存在且处于 READY / RUNNING
func (s *MemStore) Executable(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	return ok && p.IsExecutable()
}

func (s *MemStore) Create(_ context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := s.plans[p.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.plans[p.ID] = p.Clone()
	return nil
}

func (s *MemStore) Update(_ context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.plans[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrOptimisticLock
	}
	p.Version++
	p.UpdatedAt = time.Now()
	s.plans[p.ID] = p.Clone()
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemStore) ListByStatus(_ context.Context, status Status, afterID string, limit int) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Plan
	for _, p := range s.plans {
		if p.Status == status && p.ID > afterID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, p := range out {
		out[i] = p.Clone()
	}
	return out, nil
}
