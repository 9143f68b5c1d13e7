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

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/middlewares/server/recovery"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// Middleware 中间件管理器
type Middleware struct {
	// SlowThreshold 超过该耗时的请求以 warn 级别记录，0 表示不区分
	SlowThreshold time.Duration
}

// NewMiddleware 创建中间件管理器
func NewMiddleware() *Middleware {
	return &Middleware{SlowThreshold: 2 * time.Second}
}

// CORS 允许跨域访问，预检请求直接返回 204
func (m *Middleware) CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		c.Response.Header.Set("Access-Control-Allow-Origin", "*")
		c.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Response.Header.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Last-Event-ID")
		c.Response.Header.Set("Access-Control-Expose-Headers", "X-Stream-Cursor, X-Stream-Finished")
		c.Response.Header.Set("Access-Control-Max-Age", "86400")
		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// RequestLog 访问日志，经 hlog 输出（由 hertz slog 扩展接管）
func (m *Middleware) RequestLog() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)
		latency := time.Since(start)
		status := c.Response.StatusCode()
		// 长轮询请求本身就会等待，不计为慢请求
		slow := m.SlowThreshold > 0 && latency > m.SlowThreshold && !strings.HasSuffix(string(c.Path()), "/stream")
		if slow || status >= consts.StatusInternalServerError {
			hlog.CtxWarnf(ctx, "%s %s %d %s %s", c.Method(), c.Path(), status, latency, c.ClientIP())
			return
		}
		hlog.CtxInfof(ctx, "%s %s %d %s %s", c.Method(), c.Path(), status, latency, c.ClientIP())
	}
}

// Recovery panic 恢复
func (m *Middleware) Recovery() app.HandlerFunc {
	return recovery.Recovery()
}
