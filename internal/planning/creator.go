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

package planning

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/routing"
	"plan-orchestrator/internal/store/postgres"
	"plan-orchestrator/internal/task"
)

// Creator 一次性写入路由决策、Plan 与全部任务
type Creator interface {
	Create(ctx context.Context, d *routing.Decision, p *plan.Plan, tasks []*task.Task) error
}

// MemCreator 内存实现，写入前完成全部校验；不提供回滚
type MemCreator struct {
	mu       sync.Mutex
	routings routing.Store
	plans    plan.Store
	tasks    task.Store
}

// NewMemCreator 组合三个内存存储
func NewMemCreator(routings routing.Store, plans plan.Store, tasks task.Store) *MemCreator {
	return &MemCreator{routings: routings, plans: plans, tasks: tasks}
}

func (c *MemCreator) Create(ctx context.Context, d *routing.Decision, p *plan.Plan, tasks []*task.Task) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.routings.Create(ctx, d); err != nil {
		return err
	}
	if err := c.plans.Create(ctx, p); err != nil {
		return err
	}
	return c.tasks.BatchCreate(ctx, tasks)
}

// PgCreator 在同一事务内写入
type PgCreator struct {
	pool *pgxpool.Pool
}

// NewPgCreator pool 需已完成 Migrate
func NewPgCreator(pool *pgxpool.Pool) *PgCreator {
	return &PgCreator{pool: pool}
}

func (c *PgCreator) Create(ctx context.Context, d *routing.Decision, p *plan.Plan, tasks []*task.Task) error {
	return postgres.WithTx(ctx, c.pool, func(tx pgx.Tx) error {
		if err := routing.InsertDecision(ctx, tx, d); err != nil {
			return err
		}
		if err := plan.InsertPlan(ctx, tx, p); err != nil {
			return err
		}
		return task.InsertTasks(ctx, tx, tasks)
	})
}
