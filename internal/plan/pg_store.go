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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"plan-orchestrator/internal/plan/graph"
	"plan-orchestrator/internal/store/postgres"
)

const planColumns = `id, session_id, goal, routing_decision_id, execution_graph, definition_snapshot,
	global_context, status, priority, error_summary, version, created_at, updated_at`

// PgStore PostgreSQL 实现
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 使用已有连接池
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, p *Plan) error {
	return InsertPlan(ctx, s.pool, p)
}

// InsertPlan 插入 plan，可在外部事务中与任务一起创建
func InsertPlan(ctx context.Context, db postgres.DB, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	g, snapshot, gctx, err := marshalPlan(p)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `INSERT INTO plans (`+planColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.SessionID, p.Goal, p.RoutingDecisionID, g, snapshot, gctx, string(p.Status),
		p.Priority, p.ErrorSummary, p.Version, p.CreatedAt, p.UpdatedAt)
	if postgres.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PgStore) Update(ctx context.Context, p *Plan) error {
	g, snapshot, gctx, err := marshalPlan(p)
	if err != nil {
		return err
	}
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `UPDATE plans SET goal=$3, execution_graph=$4, definition_snapshot=$5,
		global_context=$6, status=$7, priority=$8, error_summary=$9, version=version+1, updated_at=$10
		WHERE id=$1 AND version=$2`,
		p.ID, p.Version, p.Goal, g, snapshot, gctx, string(p.Status), p.Priority, p.ErrorSummary, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, p.ID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id=$1`, id))
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PgStore) ListByStatus(ctx context.Context, status Status, afterID string, limit int) ([]*Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planColumns+` FROM plans
		WHERE status=$1 AND id > $2 ORDER BY id LIMIT $3`, string(status), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlan(row pgx.Row) (*Plan, error) {
	var (
		p                 Plan
		status            string
		g, snapshot, gctx []byte
	)
	err := row.Scan(&p.ID, &p.SessionID, &p.Goal, &p.RoutingDecisionID, &g, &snapshot, &gctx,
		&status, &p.Priority, &p.ErrorSummary, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if len(g) > 0 {
		p.Graph = &graph.Graph{}
		if err := json.Unmarshal(g, p.Graph); err != nil {
			return nil, err
		}
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &p.DefinitionSnapshot); err != nil {
			return nil, err
		}
	}
	if len(gctx) > 0 {
		if err := json.Unmarshal(gctx, &p.GlobalContext); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func marshalPlan(p *Plan) (g, snapshot, gctx []byte, err error) {
	if g, err = json.Marshal(p.Graph); err != nil {
		return
	}
	if snapshot, err = json.Marshal(orEmpty(p.DefinitionSnapshot)); err != nil {
		return
	}
	gctx, err = json.Marshal(orEmpty(p.GlobalContext))
	return
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
