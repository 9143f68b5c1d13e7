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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"plan-orchestrator/internal/store/postgres"
)

// PgExecutionStore 执行记录 PostgreSQL 实现；(task_id, attempt) 唯一约束保证序号不重复
type PgExecutionStore struct {
	pool *pgxpool.Pool
}

// NewPgExecutionStore 使用已有连接池
func NewPgExecutionStore(pool *pgxpool.Pool) *PgExecutionStore {
	return &PgExecutionStore{pool: pool}
}

func (s *PgExecutionStore) Save(ctx context.Context, e *Execution) error {
	if e.Attempt <= 0 {
		return ErrAttemptConflict
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	usage, err := json.Marshal(e.Usage)
	if err != nil {
		return err
	}
	var errType *string
	if e.ErrorType != "" {
		errType = &e.ErrorType
	}
	// 仅当 attempt 大于已有最大值时插入
	tag, err := s.pool.Exec(ctx, `INSERT INTO task_executions
		(id, task_id, attempt, prompt, response, model, token_usage, duration_ms, valid,
		 validation_feedback, error_message, error_type, created_at)
		SELECT $1::text, $2::text, $3::int, $4::text, $5::text, $6::text, $7::jsonb, $8::bigint, $9::boolean,
			$10::text, $11::text, $12::text, $13::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM task_executions WHERE task_id=$2 AND attempt >= $3)`,
		e.ID, e.TaskID, e.Attempt, e.Prompt, e.Response, e.Model, usage, e.DurationMs, e.Valid,
		e.ValidationFeedback, e.ErrorMessage, errType, e.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAttemptConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptConflict
	}
	return nil
}

func (s *PgExecutionStore) MaxAttempt(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(attempt), 0) FROM task_executions WHERE task_id=$1`, taskID).Scan(&n)
	return n, err
}

func (s *PgExecutionStore) ListByTask(ctx context.Context, taskID string) ([]*Execution, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, task_id, attempt, prompt, response, model, token_usage, duration_ms,
		valid, validation_feedback, error_message, error_type, created_at
		FROM task_executions WHERE task_id=$1 ORDER BY attempt`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		var (
			e       Execution
			usage   []byte
			errType *string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Attempt, &e.Prompt, &e.Response, &e.Model, &usage,
			&e.DurationMs, &e.Valid, &e.ValidationFeedback, &e.ErrorMessage, &errType, &e.CreatedAt); err != nil {
			return nil, err
		}
		if errType != nil {
			e.ErrorType = *errType
		}
		if err := unmarshalIfPresent(usage, &e.Usage); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
