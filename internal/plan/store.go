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

	pkgerrors "plan-orchestrator/pkg/errors"
)

var (
	// ErrNotFound plan 不存在
	ErrNotFound = pkgerrors.Wrap(pkgerrors.ErrNotFound, "plan")
	// ErrOptimisticLock 版本冲突
	ErrOptimisticLock = pkgerrors.Wrap(pkgerrors.ErrOptimisticLock, "plan")
)

// Store plan 存储端口
type Store interface {
	Create(ctx context.Context, p *Plan) error
	// Update 以 p.Version 做乐观锁，成功后 p.Version 自增
	Update(ctx context.Context, p *Plan) error
	Get(ctx context.Context, id string) (*Plan, error)
	// ListByStatus 按 id 升序的键集分页
	ListByStatus(ctx context.Context, status Status, afterID string, limit int) ([]*Plan, error)
}
