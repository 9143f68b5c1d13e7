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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"plan-orchestrator/internal/runtime/eventlog"
)

const (
	streamReadyEvent   = "StreamReady"
	planSnapshotEvent  = "PlanSnapshot"
	streamRetryMillis  = 1000
	headerLastEventID  = "Last-Event-ID"
	headerStreamCursor = "X-Stream-Cursor"
	headerStreamDone   = "X-Stream-Finished"
)

// StreamEvents GET /api/plans/:id/stream
// 长轮询形式的 SSE：每次请求先写 StreamReady 与 PlanSnapshot，再写游标之后的一批事件；
// 客户端以 Last-Event-ID（或 lastEventId 参数）续传，收到 PlanFinished 后停止重连
func (h *Handler) StreamEvents(ctx context.Context, c *app.RequestContext) {
	p, ok := h.loadPlan(ctx, c)
	if !ok {
		return
	}
	cursor := eventlog.ResolveCursor(string(c.GetHeader(headerLastEventID)), firstQuery(c, "lastEventId", "cursor"))

	streamCtx, cancel := context.WithTimeout(ctx, h.cfg.StreamWait+h.cfg.StreamLinger)
	defer cancel()
	s := h.events.OpenStream(streamCtx, p.ID, cursor, h.cfg.ReplayBatchSize)
	defer s.Close()

	taskCount := 0
	if sum, err := h.tasks.SummarizeByPlanIDs(ctx, []string{p.ID}); err == nil {
		taskCount = sum[p.ID].Total
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "retry: %d\n\n", streamRetryMillis)
	writeSSE(&buf, 0, streamReadyEvent, map[string]any{
		"planId": p.ID, "cursor": cursor, "subscriberId": s.ID,
	})
	writeSSE(&buf, 0, planSnapshotEvent, map[string]any{
		"planId": p.ID, "status": string(p.Status), "taskCount": taskCount, "version": p.Version,
	})

	events := s.Collect(streamCtx, h.cfg.StreamWait, h.cfg.StreamLinger, h.cfg.ReplayBatchSize)
	for _, e := range events {
		writeSSE(&buf, e.ID, e.Type.Name(), h.event(e))
	}

	c.Response.Header.Set("Cache-Control", "no-cache")
	c.Response.Header.Set(headerStreamCursor, strconv.FormatInt(s.Cursor(), 10))
	c.Response.Header.Set(headerStreamDone, strconv.FormatBool(s.Finished()))
	c.Data(consts.StatusOK, "text/event-stream; charset=utf-8", buf.Bytes())
}

func writeSSE(buf *bytes.Buffer, id int64, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	if id > 0 {
		fmt.Fprintf(buf, "id: %d\n", id)
	}
	fmt.Fprintf(buf, "event: %s\ndata: %s\n\n", event, payload)
}
