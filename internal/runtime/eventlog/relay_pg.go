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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"plan-orchestrator/pkg/log"
)

const pgReconnectBackoff = time.Second

// PgRelay 基于 LISTEN/NOTIFY 的跨实例通知，不依赖额外中间件
type PgRelay struct {
	pool    *pgxpool.Pool
	channel string
	logger  *log.Logger
}

// NewPgRelay channel 为空时使用 plan_task_events
func NewPgRelay(pool *pgxpool.Pool, channel string, logger *log.Logger) *PgRelay {
	if channel == "" {
		channel = "plan_task_events"
	}
	return &PgRelay{pool: pool, channel: channel, logger: logger.Component("eventlog.pg_relay")}
}

func (r *PgRelay) Notify(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, r.channel, n.String())
	return err
}

// Listen 占用一条连接；连接失败时按固定间隔重连
func (r *PgRelay) Listen(ctx context.Context, fn func(payload string)) error {
	for {
		err := r.listenOnce(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("LISTEN 连接中断，稍后重试", "channel", r.channel, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pgReconnectBackoff):
		}
	}
}

func (r *PgRelay) listenOnce(ctx context.Context, fn func(payload string)) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		fn(n.Payload)
	}
}
