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

// Package api 控制面进程：计划创建、查询、人工操作与事件流；不执行任务
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"plan-orchestrator/internal/api/http"
	"plan-orchestrator/internal/api/http/middleware"
	"plan-orchestrator/internal/app"
	pkgconfig "plan-orchestrator/pkg/config"
	"plan-orchestrator/pkg/log"
	"plan-orchestrator/pkg/redaction"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用
type App struct {
	boot         *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	relayCancel  context.CancelFunc
}

// NewApp 基于 bootstrap 的存储装配路由
func NewApp(boot *app.Bootstrap) (*App, error) {
	if boot == nil || boot.Events == nil {
		return nil, fmt.Errorf("api: bootstrap 未初始化")
	}
	cfg := boot.Config
	handler := http.NewHandler(boot.Plans, boot.Tasks, boot.Execs, boot.Planner(), boot.Events, http.Config{
		StreamWait:      pkgconfig.Duration(cfg.API.StreamWait, 0),
		ReplayBatchSize: cfg.Event.ReplayBatchSize,
		Redactor:        redaction.NewEngine(redaction.PolicyFromConfig(cfg.Redaction)),
	}, boot.Logger)
	return &App{
		boot:   boot,
		router: http.NewRouter(handler, middleware.NewMiddleware()),
	}, nil
}

// Run 启动 HTTP 服务并阻塞，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.boot.Config
	a.boot.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	var opts []config.Option
	if cfg.API.Timeout != "" {
		opts = append(opts, server.WithIdleTimeout(pkgconfig.Duration(cfg.API.Timeout, 0)))
	}
	// 可选：启用链路追踪（OpenTelemetry）
	if tr := cfg.Monitoring.Tracing; tr.Enable {
		endpoint := tr.ExportEndpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint != "" {
			serviceName := tr.ServiceName
			if serviceName == "" {
				serviceName = "plan-api"
			}
			popts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(endpoint),
			}
			if tr.Insecure {
				popts = append(popts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(popts...)
			tracerOpt, tcfg := hertztracing.NewServerTracer()
			opts = append(opts, tracerOpt)
			a.router.Use(hertztracing.ServerMiddleware(tcfg))
			a.boot.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint)
		}
	}
	a.hertz = a.router.Build(addr, opts...)

	// 其他实例（worker）发布的事件经 relay 进入本实例的流订阅
	relayCtx, cancel := context.WithCancel(context.Background())
	a.relayCancel = cancel
	go func() {
		if err := a.boot.Events.RunRelay(relayCtx); err != nil {
			a.boot.Logger.Error("事件跨实例监听退出", "error", err)
		}
	}()
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.relayCancel != nil {
		a.relayCancel()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	var err error
	if a.hertz != nil {
		err = a.hertz.Shutdown(ctx)
	}
	a.boot.Close()
	return err
}
