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

package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"plan-orchestrator/internal/plan"
	"plan-orchestrator/internal/planning"
	"plan-orchestrator/internal/routing"
	"plan-orchestrator/internal/runtime/eventlog"
	"plan-orchestrator/internal/store/postgres"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/pkg/config"
	"plan-orchestrator/pkg/log"
	"plan-orchestrator/pkg/secrets"
)

// Bootstrap 统一初始化：供 api 与 worker 复用存储、事件与密钥
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Plans    plan.Store
	Tasks    task.Store
	Execs    task.ExecutionStore
	Routings routing.Store
	Creator  planning.Creator
	Events   *eventlog.Publisher
	Secrets  secrets.Store

	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewBootstrap 根据配置创建 Bootstrap；store.type=postgres 时连接并执行建表
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	b := &Bootstrap{Config: cfg, Logger: logger}

	if err := b.initStores(ctx); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.initEvents(ctx); err != nil {
		b.Close()
		return nil, err
	}
	b.Secrets, err = secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.Address,
			Token:      cfg.Secrets.Token,
			PathPrefix: cfg.Secrets.PathPrefix,
		},
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("初始化 secrets 失败: %w", err)
	}
	logger.Info("bootstrap 完成", "store", cfg.Store.Type, "relay", cfg.Event.Relay, "publisher_id", b.Events.ID())
	return b, nil
}

func (b *Bootstrap) initStores(ctx context.Context) error {
	if b.Config.Store.Type != "postgres" {
		routings := routing.NewMemStore()
		plans := plan.NewMemStore()
		tasks := task.NewMemStore()
		tasks.SetPlanFilter(plans.Executable)
		b.Plans, b.Tasks, b.Routings = plans, tasks, routings
		b.Execs = task.NewMemExecutionStore()
		b.Creator = planning.NewMemCreator(routings, plans, tasks)
		return nil
	}
	pool, err := postgres.Open(ctx, b.Config.Store.DSN)
	if err != nil {
		return fmt.Errorf("连接 postgres 失败: %w", err)
	}
	b.pool = pool
	if err := postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("postgres 建表失败: %w", err)
	}
	b.Plans = plan.NewPgStore(pool)
	b.Tasks = task.NewPgStore(pool)
	b.Execs = task.NewPgExecutionStore(pool)
	b.Routings = routing.NewPgStore(pool)
	b.Creator = planning.NewPgCreator(pool)
	return nil
}

func (b *Bootstrap) initEvents(ctx context.Context) error {
	cfg := b.Config
	var store eventlog.Store = eventlog.NewMemStore()
	if b.pool != nil {
		store = eventlog.NewPgStore(b.pool)
	}

	var relay eventlog.Relay
	switch cfg.Event.Relay {
	case "redis":
		client, err := eventlog.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("连接 redis 失败: %w", err)
		}
		b.redis = client
		relay = eventlog.NewRedisRelay(client, cfg.Redis.Channel)
	case "postgres":
		relay = eventlog.NewPgRelay(b.pool, cfg.Redis.Channel, b.Logger)
	}

	b.Events = eventlog.NewPublisher(store, relay, eventlog.PublisherConfig{
		PublisherID: cfg.Event.PublisherID,
		LoadRetries: cfg.Event.LoadRetries,
		LoadBackoff: config.Duration(cfg.Event.LoadBackoff, 0),
	}, b.Logger)
	return nil
}

// Planner 计划创建服务
func (b *Bootstrap) Planner() *planning.Service {
	return planning.NewService(b.Creator, b.Logger)
}

// Close 释放连接
func (b *Bootstrap) Close() {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.Logger.Warn("关闭 redis 失败", "error", err)
		}
		b.redis = nil
	}
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
}
