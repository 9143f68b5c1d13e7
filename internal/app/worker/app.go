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

// Package worker 数据面进程：认领执行、依赖调度、计划对账与跨实例事件监听
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"plan-orchestrator/internal/agent"
	"plan-orchestrator/internal/app"
	"plan-orchestrator/internal/executor"
	"plan-orchestrator/internal/plan/reconcile"
	"plan-orchestrator/internal/task/schedule"
	"plan-orchestrator/internal/turn"
	"plan-orchestrator/pkg/config"
	"plan-orchestrator/pkg/log"
	"plan-orchestrator/pkg/tracing"
)

// App Worker 应用；executor/scheduler/reconcile 可按配置单独关闭
type App struct {
	boot      *app.Bootstrap
	logger    *log.Logger
	engine    *executor.Engine
	scheduler *schedule.Scheduler
	reconcile *reconcile.Loop
	finalizer *turn.MemFinalizer

	tracer  *sdktrace.TracerProvider
	metrics *http.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewApp 装配各循环；agent 注册表按 agent 配置构造
func NewApp(ctx context.Context, boot *app.Bootstrap) (*App, error) {
	cfg := boot.Config
	a := &App{boot: boot, logger: boot.Logger.Component("worker")}

	if cfg.Executor.Enabled {
		registry, err := agent.NewRegistryFromConfig(ctx, cfg.Agent, boot.Secrets)
		if err != nil {
			return nil, fmt.Errorf("初始化 agent 失败: %w", err)
		}
		a.engine = executor.NewEngine(boot.Tasks, boot.Execs, boot.Plans, registry, boot.Events,
			ExecutorConfig(cfg.Executor, cfg.Worker.ID), boot.Logger)
		a.logger.Info("agent 已注册", "keys", registry.Keys(), "default", cfg.Agent.Default)
	}
	if cfg.Scheduler.Enabled {
		a.scheduler = schedule.NewScheduler(boot.Tasks, boot.Events, schedule.Config{
			PollInterval: config.Duration(cfg.Scheduler.PollInterval, 0),
			BatchSize:    cfg.Scheduler.BatchSize,
		}, boot.Logger)
	}
	if cfg.Reconcile.Enabled {
		a.finalizer = turn.NewMemFinalizer(boot.Tasks)
		a.reconcile = reconcile.NewLoop(boot.Plans, boot.Tasks, a.finalizer, boot.Events, reconcile.Config{
			PollInterval:     config.Duration(cfg.Reconcile.PollInterval, 0),
			BatchSize:        cfg.Reconcile.BatchSize,
			MaxPlansPerRound: cfg.Reconcile.MaxPlansPerRound,
		}, boot.Logger)
	}
	return a, nil
}

// ExecutorConfig 配置文件中的时长字符串转为引擎参数，非法值回退默认
func ExecutorConfig(c config.ExecutorConfig, workerID string) executor.Config {
	d := executor.DefaultConfig()
	return executor.Config{
		WorkerID:           workerID,
		PollInterval:       config.Duration(c.PollInterval, d.PollInterval),
		Concurrency:        c.Concurrency,
		ClaimBatchSize:     c.ClaimBatchSize,
		MaxDispatchPerTick: c.MaxDispatchPerTick,
		ReadyFirst:         c.ReadyFirst,
		RefiningMaxRatio:   c.RefiningMaxRatio,
		RefiningMinPerTick: c.RefiningMinPerTick,
		LeaseDuration:      config.Duration(c.LeaseDuration, d.LeaseDuration),
		HeartbeatInterval:  config.Duration(c.HeartbeatInterval, d.HeartbeatInterval),
		ExecutionTimeout:   config.Duration(c.ExecutionTimeout, d.ExecutionTimeout),
		TimeoutRetryMax:    c.TimeoutRetryMax,
		ExpiredCheckEvery:  c.ExpiredCheckEvery,
	}
}

// Start 启动后台循环，立即返回；relay 或 metrics 监听出错时由 Wait 返回
func (a *App) Start(ctx context.Context) error {
	cfg := a.boot.Config
	if cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			InstanceID:     cfg.Worker.ID,
			SampleRatio:    cfg.Monitoring.Tracing.SampleRatio,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("初始化链路追踪失败: %w", err)
		}
		a.tracer = tp
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	a.group = g

	g.Go(func() error { return a.boot.Events.RunRelay(gctx) })
	if cfg.Monitoring.Prometheus.Enable && cfg.Monitoring.Prometheus.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metrics = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Monitoring.Prometheus.Port), Handler: mux}
		g.Go(func() error {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics 监听失败: %w", err)
			}
			return nil
		})
	}

	if a.scheduler != nil {
		a.scheduler.Start(gctx)
	}
	if a.engine != nil {
		a.engine.Start(gctx)
	}
	if a.reconcile != nil {
		a.reconcile.Start(gctx)
	}
	a.logger.Info("worker 已启动",
		"executor", a.engine != nil, "scheduler", a.scheduler != nil, "reconcile", a.reconcile != nil)
	return nil
}

// Wait 阻塞直到后台 goroutine 失败或 ctx 取消
func (a *App) Wait() error {
	if a.group == nil {
		return nil
	}
	return a.group.Wait()
}

// Finalizer 计划结束时的回合内容，未启用对账时为 nil
func (a *App) Finalizer() *turn.MemFinalizer { return a.finalizer }

// Shutdown 先停认领再停调度与对账，等待进行中的任务结束
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker")
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.reconcile != nil {
		a.reconcile.Stop()
	}
	if a.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.metrics.Shutdown(shutdownCtx)
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
	}
	var err error
	if a.group != nil {
		err = a.group.Wait()
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	a.boot.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
