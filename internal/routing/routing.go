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

// Package routing 记录一次规划请求的路由决策（命中生产定义、候选草稿或降级）
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	pkgerrors "plan-orchestrator/pkg/errors"
)

// Type 决策类型
type Type string

const (
	HitProduction Type = "HIT_PRODUCTION"
	Candidate     Type = "CANDIDATE"
	Fallback      Type = "FALLBACK"
)

var (
	// ErrNotFound 决策不存在
	ErrNotFound = pkgerrors.Wrap(pkgerrors.ErrNotFound, "routing decision")
	// ErrAlreadyBound 已绑定定义或草稿
	ErrAlreadyBound = errors.New("routing: decision already bound")
)

// Decision 路由决策；DefinitionID 与 DraftID 互斥且只能绑定一次
type Decision struct {
	ID              string
	SessionID       string
	Type            Type
	Strategy        string
	Score           float64
	SourceType      string
	Fallback        bool
	FallbackReason  string
	PlannerAttempts int
	DefinitionID    string
	DraftID         string
	CreatedAt       time.Time
}

// ParseType 忽略大小写
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case HitProduction, Candidate, Fallback:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown routing decision type %q", pkgerrors.ErrInvalidArg, s)
}

// Bound 是否已绑定
func (d *Decision) Bound() bool { return d.DefinitionID != "" || d.DraftID != "" }

// BindDefinition 绑定生产定义
func (d *Decision) BindDefinition(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: definition id is empty", pkgerrors.ErrInvalidArg)
	}
	if d.Bound() {
		return ErrAlreadyBound
	}
	d.DefinitionID = id
	return nil
}

// BindDraft 绑定候选草稿
func (d *Decision) BindDraft(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: draft id is empty", pkgerrors.ErrInvalidArg)
	}
	if d.Bound() {
		return ErrAlreadyBound
	}
	d.DraftID = id
	return nil
}

// Validate 创建前校验
func (d *Decision) Validate() error {
	if _, err := ParseType(string(d.Type)); err != nil {
		return err
	}
	if d.DefinitionID != "" && d.DraftID != "" {
		return fmt.Errorf("%w: definition and draft are mutually exclusive", pkgerrors.ErrInvalidArg)
	}
	return nil
}

// Store 决策存储
type Store interface {
	Create(ctx context.Context, d *Decision) error
	Get(ctx context.Context, id string) (*Decision, error)
	// Bind 以条件更新完成绑定，已绑定返回 ErrAlreadyBound
	Bind(ctx context.Context, id, definitionID, draftID string) error
}

// MemStore 内存实现
type MemStore struct {
	mu   sync.Mutex
	byID map[string]*Decision
}

// NewMemStore 创建内存存储
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]*Decision)}
}

func (s *MemStore) Create(_ context.Context, d *Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	c := *d
	s.byID[d.ID] = &c
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (s *MemStore) Bind(_ context.Context, id, definitionID, draftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	return bind(d, definitionID, draftID)
}

func bind(d *Decision, definitionID, draftID string) error {
	switch {
	case definitionID != "" && draftID != "":
		return fmt.Errorf("%w: definition and draft are mutually exclusive", pkgerrors.ErrInvalidArg)
	case definitionID != "":
		return d.BindDefinition(definitionID)
	default:
		return d.BindDraft(draftID)
	}
}
