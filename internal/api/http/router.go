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

package http

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/route"

	"plan-orchestrator/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	extra      []app.HandlerFunc
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// Use 追加全局中间件（如链路追踪），须在 Build 之前调用
func (r *Router) Use(mw ...app.HandlerFunc) {
	r.extra = append(r.extra, mw...)
}

// Build 创建 Hertz 实例并注册路由，addr 如 ":8080"
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	all := append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.New(all...)
	r.Register(h)
	return h
}

// Register 在已有实例上注册全部路由
func (r *Router) Register(h *server.Hertz) {
	h.Use(r.middleware.Recovery(), r.middleware.CORS(), r.middleware.RequestLog())
	if len(r.extra) > 0 {
		h.Use(r.extra...)
	}

	h.GET("/health", r.handler.HealthCheck)
	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)
	r.planRoutes(api.Group("/plans"))

	tasks := api.Group("/tasks")
	tasks.GET("/:id", r.handler.GetTask)
	tasks.GET("/:id/executions", r.handler.ListTaskExecutions)
	tasks.POST("/:id/retry", r.handler.RetryTask)
}

func (r *Router) planRoutes(plans *route.RouterGroup) {
	plans.POST("", r.handler.CreatePlan)
	plans.GET("/:id", r.handler.GetPlan)
	plans.GET("/:id/tasks", r.handler.ListPlanTasks)
	plans.GET("/:id/events", r.handler.ListEvents)
	plans.GET("/:id/stream", r.handler.StreamEvents)
	plans.POST("/:id/pause", r.handler.PausePlan)
	plans.POST("/:id/resume", r.handler.ResumePlan)
	plans.POST("/:id/cancel", r.handler.CancelPlan)
}
