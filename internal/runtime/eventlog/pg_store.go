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
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"plan-orchestrator/internal/store/postgres"
)

// PgStore plan_task_events 表，id 为 BIGSERIAL
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 使用已有连接池
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Append(ctx context.Context, e *Event) error {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	var taskID *string
	if e.TaskID != "" {
		taskID = &e.TaskID
	}
	return s.pool.QueryRow(ctx, `INSERT INTO plan_task_events (plan_id, task_id, event_type, event_data)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		e.PlanID, taskID, string(e.Type), data).Scan(&e.ID, &e.CreatedAt)
}

func (s *PgStore) ListAfter(ctx context.Context, planID string, after int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `SELECT id, plan_id, task_id, event_type, event_data, created_at
		FROM plan_task_events WHERE plan_id=$1 AND id > $2 ORDER BY id LIMIT $3`, planID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgStore) Get(ctx context.Context, id int64) (*Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT id, plan_id, task_id, event_type, event_data, created_at
		FROM plan_task_events WHERE id=$1`, id))
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		e      Event
		taskID *string
		typ    string
		data   []byte
	)
	if err := row.Scan(&e.ID, &e.PlanID, &taskID, &typ, &data, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = Type(typ)
	if taskID != nil {
		e.TaskID = *taskID
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, err
		}
	}
	return &e, nil
}
