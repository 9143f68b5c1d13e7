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

package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"plan-orchestrator/internal/store/postgres"
	pkgerrors "plan-orchestrator/pkg/errors"
)

// PgStore routing_decisions 表
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 使用已有连接池
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, d *Decision) error {
	return InsertDecision(ctx, s.pool, d)
}

// InsertDecision 可在规划事务中调用
func InsertDecision(ctx context.Context, db postgres.DB, d *Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := db.Exec(ctx, `INSERT INTO routing_decisions (id, session_id, decision_type, strategy, score,
		source_type, fallback, fallback_reason, planner_attempts, definition_id, draft_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.SessionID, string(d.Type), d.Strategy, d.Score, d.SourceType, d.Fallback,
		d.FallbackReason, d.PlannerAttempts, d.DefinitionID, d.DraftID, d.CreatedAt)
	return err
}

func (s *PgStore) Get(ctx context.Context, id string) (*Decision, error) {
	var (
		d   Decision
		typ string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, session_id, decision_type, strategy, score, source_type, fallback,
		fallback_reason, planner_attempts, definition_id, draft_id, created_at
		FROM routing_decisions WHERE id=$1`, id).Scan(&d.ID, &d.SessionID, &typ, &d.Strategy, &d.Score,
		&d.SourceType, &d.Fallback, &d.FallbackReason, &d.PlannerAttempts, &d.DefinitionID, &d.DraftID, &d.CreatedAt)
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Type = Type(typ)
	return &d, nil
}

// Bind 仅当两列都为空时写入
func (s *PgStore) Bind(ctx context.Context, id, definitionID, draftID string) error {
	if (definitionID == "") == (draftID == "") {
		return fmt.Errorf("%w: exactly one of definition and draft is required", pkgerrors.ErrInvalidArg)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE routing_decisions SET definition_id=$2, draft_id=$3
		WHERE id=$1 AND definition_id='' AND draft_id=''`, id, definitionID, draftID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyBound
	}
	return nil
}
