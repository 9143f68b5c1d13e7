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

package eventlog

import (
	"context"
	"sync"
	"time"

	pkgerrors "plan-orchestrator/pkg/errors"
)

// ErrNotFound 事件不存在
var ErrNotFound = pkgerrors.Wrap(pkgerrors.ErrNotFound, "event")

// Store 事件日志存储
type Store interface {
	// Append 写入并回填 e.ID / e.CreatedAt
	Append(ctx context.Context, e *Event) error
	// ListAfter 返回 planID 下 id > after 的事件，按 id 升序
	ListAfter(ctx context.Context, planID string, after int64, limit int) ([]*Event, error)
	Get(ctx context.Context, id int64) (*Event, error)
}

// MemStore 内存实现
type MemStore struct {
	mu     sync.RWMutex
	nextID int64
	byPlan map[string][]*Event
	byID   map[int64]*Event
}

// NewMemStore 创建内存事件存储
func NewMemStore() *MemStore {
	return &MemStore{byPlan: make(map[string][]*Event), byID: make(map[int64]*Event)}
}

func (s *MemStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	c := e.clone()
	s.byPlan[e.PlanID] = append(s.byPlan[e.PlanID], c)
	s.byID[c.ID] = c
	return nil
}

func (s *MemStore) ListAfter(_ context.Context, planID string, after int64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.byPlan[planID] {
		if e.ID <= after {
			continue
		}
		out = append(out, e.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) Get(_ context.Context, id int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}
