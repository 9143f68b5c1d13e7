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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"plan-orchestrator/internal/store/postgres"
)

const taskColumns = `id, plan_id, node_id, name, task_type, status, dependency_node_ids, input_context,
	config_snapshot, output, current_retry, max_retries, claim_owner, claim_at, lease_until,
	execution_attempt, lease_reclaimed, version, created_at, updated_at`

// PgStore PostgreSQL 实现
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 使用已有连接池
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, t *Task) error {
	return InsertTasks(ctx, s.pool, []*Task{t})
}

// BatchCreate 在一个事务中插入
func (s *PgStore) BatchCreate(ctx context.Context, tasks []*Task) error {
	return postgres.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return InsertTasks(ctx, tx, tasks)
	})
}

// InsertTasks 插入任务，可在外部事务中调用（与 plan 同事务创建）
func InsertTasks(ctx context.Context, db postgres.DB, tasks []*Task) error {
	now := time.Now()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		deps, input, cfg, err := marshalJSONFields(t)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `INSERT INTO plan_tasks (`+taskColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
			t.ID, t.PlanID, t.NodeID, t.Name, string(t.Type), string(t.Status), deps, input, cfg,
			t.Output, t.CurrentRetry, t.MaxRetries, t.ClaimOwner, nullTime(t.ClaimAt), nullTime(t.LeaseUntil),
			t.ExecutionAttempt, t.LeaseReclaimed, t.Version, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
	}
	return nil
}

func (s *PgStore) Update(ctx context.Context, t *Task) error {
	deps, input, cfg, err := marshalJSONFields(t)
	if err != nil {
		return err
	}
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `UPDATE plan_tasks SET name=$3, status=$4, dependency_node_ids=$5, input_context=$6,
		config_snapshot=$7, output=$8, current_retry=$9, max_retries=$10, claim_owner=$11, claim_at=$12,
		lease_until=$13, version=version+1, updated_at=$14
		WHERE id=$1 AND version=$2`,
		t.ID, t.Version, t.Name, string(t.Status), deps, input, cfg, t.Output, t.CurrentRetry, t.MaxRetries,
		t.ClaimOwner, nullTime(t.ClaimAt), nullTime(t.LeaseUntil), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, t.ID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM plan_tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PgStore) ListByPlan(ctx context.Context, planID string) ([]*Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM plan_tasks WHERE plan_id=$1 ORDER BY created_at, id`, planID)
}

func (s *PgStore) ListByStatus(ctx context.Context, status Status, afterID string, limit int) ([]*Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM plan_tasks WHERE status=$1 AND id > $2 ORDER BY id LIMIT $3`,
		string(status), afterID, limit)
}

func (s *PgStore) FindByPlanAndNode(ctx context.Context, planID, nodeID string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM plan_tasks WHERE plan_id=$1 AND node_id=$2`, planID, nodeID)
	t, err := scanTask(row)
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return t, err
}

// ClaimReadyLike 子查询 FOR UPDATE SKIP LOCKED 锁定候选行，多个 Worker 并发认领互不重叠；
// 只认领 plan 处于 READY / RUNNING 的任务
func (s *PgStore) ClaimReadyLike(ctx context.Context, owner string, limit int, lease time.Duration) ([]*Task, error) {
	return s.claim(ctx, owner, limit, lease,
		`(t.status = 'READY' OR (t.status = 'RUNNING' AND (t.lease_until IS NULL OR t.lease_until <= $4)))`)
}

func (s *PgStore) ClaimRefining(ctx context.Context, owner string, limit int, lease time.Duration) ([]*Task, error) {
	return s.claim(ctx, owner, limit, lease, `t.status = 'REFINING'`)
}

func (s *PgStore) claim(ctx context.Context, owner string, limit int, lease time.Duration, where string) ([]*Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	if lease < minLease {
		lease = minLease
	}
	now := time.Now()
	return s.query(ctx, `UPDATE plan_tasks SET
			lease_reclaimed = (status = 'RUNNING'),
			status = 'RUNNING', claim_owner = $1, claim_at = $4, lease_until = $3,
			execution_attempt = execution_attempt + 1, version = version + 1, updated_at = $4
		WHERE id IN (
			SELECT t.id FROM plan_tasks t
			JOIN plans p ON p.id = t.plan_id AND p.status IN ('READY','RUNNING')
			WHERE `+where+`
			ORDER BY t.created_at, t.id
			LIMIT $2
			FOR UPDATE OF t SKIP LOCKED
		)
		RETURNING `+taskColumns,
		owner, limit, now.Add(lease), now)
}

func (s *PgStore) RenewLease(ctx context.Context, id, owner string, attempt int, lease time.Duration) (bool, error) {
	if lease < minLease {
		lease = minLease
	}
	tag, err := s.pool.Exec(ctx, `UPDATE plan_tasks SET lease_until=$4
		WHERE id=$1 AND claim_owner=$2 AND execution_attempt=$3 AND status IN ('RUNNING','VALIDATING','REFINING')`,
		id, owner, attempt, time.Now().Add(lease))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) UpdateClaimed(ctx context.Context, t *Task, owner string, attempt int) (bool, error) {
	_, input, _, err := marshalJSONFields(t)
	if err != nil {
		return false, err
	}
	// 离开 RUNNING 时清空认领字段；仍为 RUNNING 时保留当前租约
	release := t.Status != StatusRunning
	var newVersion int
	err = s.pool.QueryRow(ctx, `UPDATE plan_tasks SET status=$4, output=$5, current_retry=$6, input_context=$7,
		claim_owner = CASE WHEN $8 THEN '' ELSE claim_owner END,
		claim_at = CASE WHEN $8 THEN NULL ELSE claim_at END,
		lease_until = CASE WHEN $8 THEN NULL ELSE lease_until END,
		version = version + 1, updated_at = now()
		WHERE id=$1 AND claim_owner=$2 AND execution_attempt=$3 AND status IN ('RUNNING','VALIDATING','REFINING')
		RETURNING version`,
		t.ID, owner, attempt, string(t.Status), t.Output, t.CurrentRetry, input, release).Scan(&newVersion)
	if postgres.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.Version = newVersion
	return true, nil
}

func (s *PgStore) CountExpiredRunning(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM plan_tasks WHERE status='RUNNING' AND (lease_until IS NULL OR lease_until <= $1)`,
		now).Scan(&n)
	return n, err
}

func (s *PgStore) SummarizeByPlanIDs(ctx context.Context, planIDs []string) (map[string]Stats, error) {
	out := make(map[string]Stats, len(planIDs))
	if len(planIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT plan_id, status, COUNT(*) FROM plan_tasks WHERE plan_id = ANY($1) GROUP BY plan_id, status`, planIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var planID, status string
		var n int
		if err := rows.Scan(&planID, &status, &n); err != nil {
			return nil, err
		}
		st := out[planID]
		for i := 0; i < n; i++ {
			st.Add(Status(status))
		}
		out[planID] = st
	}
	return out, rows.Err()
}

func (s *PgStore) query(ctx context.Context, sql string, args ...any) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t                   Task
		typ, status         string
		deps, input, cfg    []byte
		claimAt, leaseUntil *time.Time
	)
	err := row.Scan(&t.ID, &t.PlanID, &t.NodeID, &t.Name, &typ, &status, &deps, &input, &cfg,
		&t.Output, &t.CurrentRetry, &t.MaxRetries, &t.ClaimOwner, &claimAt, &leaseUntil,
		&t.ExecutionAttempt, &t.LeaseReclaimed, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type, t.Status = Type(typ), Status(status)
	if claimAt != nil {
		t.ClaimAt = *claimAt
	}
	if leaseUntil != nil {
		t.LeaseUntil = *leaseUntil
	}
	if err := unmarshalIfPresent(deps, &t.DependencyNodeIDs); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(input, &t.InputContext); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(cfg, &t.Config); err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSONFields(t *Task) (deps, input, cfg []byte, err error) {
	depList := t.DependencyNodeIDs
	if depList == nil {
		depList = []string{}
	}
	if deps, err = json.Marshal(depList); err != nil {
		return
	}
	if input, err = json.Marshal(orEmpty(t.InputContext)); err != nil {
		return
	}
	cfg, err = json.Marshal(orEmpty(t.Config))
	return
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func unmarshalIfPresent(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
