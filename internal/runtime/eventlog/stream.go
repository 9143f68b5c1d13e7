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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultReplayBatchSize 单批回放条数
const DefaultReplayBatchSize = 200

// ResolveCursor Last-Event-ID 大于 0 时优先；否则使用查询参数，非法或负数按 0 处理
func ResolveCursor(lastEventIDHeader, queryCursor string) int64 {
	if n := parseCursor(lastEventIDHeader); n > 0 {
		return n
	}
	return parseCursor(queryCursor)
}

func parseCursor(raw string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Stream 带游标的订阅：先回放持久化事件，之后每次收到实时通知都从游标继续读存储，
// 并发发布造成的乱序分发不会跳过事件；id 不大于游标的事件丢弃，PLAN_FINISHED 之后结束
type Stream struct {
	ID     string
	PlanID string

	pub       *Publisher
	batchSize int
	cursor    int64

	mu     sync.Mutex
	signal chan struct{}

	out       chan *Event
	done      chan struct{}
	closeOnce sync.Once
	finished  bool
}

// OpenStream 订阅后再回放，保证回放与实时之间不丢事件；ctx 结束或 Close 时注销
func (p *Publisher) OpenStream(ctx context.Context, planID string, cursor int64, batchSize int) *Stream {
	if batchSize <= 0 {
		batchSize = DefaultReplayBatchSize
	}
	if cursor < 0 {
		cursor = 0
	}
	s := &Stream{
		ID:        uuid.New().String(),
		PlanID:    planID,
		pub:       p,
		batchSize: batchSize,
		cursor:    cursor,
		signal:    make(chan struct{}, 1),
		out:       make(chan *Event),
		done:      make(chan struct{}),
	}
	p.Subscribe(planID, s.ID, s.notify)
	go s.pump(ctx)
	return s
}

// Events 事件通道，流结束时关闭
func (s *Stream) Events() <-chan *Event { return s.out }

// Cursor 最后投递的事件 id
func (s *Stream) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Finished 是否因 PLAN_FINISHED 结束
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Collect 长轮询取一批事件：最多等待 wait 收到首个事件，之后每条事件间隔不超过 linger，
// 达到 max 条、流结束或 ctx 结束时返回
func (s *Stream) Collect(ctx context.Context, wait, linger time.Duration, max int) []*Event {
	if max <= 0 {
		max = s.batchSize
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	var out []*Event
	for len(out) < max {
		select {
		case <-ctx.Done():
			return out
		case <-timer.C:
			return out
		case e, ok := <-s.out:
			if !ok {
				return out
			}
			out = append(out, e)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(linger)
		}
	}
	return out
}

// Close 可重复调用
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pub.Unsubscribe(s.PlanID, s.ID)
	})
}

// notify 实时事件只作为唤醒信号，内容以存储为准
func (s *Stream) notify(*Event) {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Stream) pump(ctx context.Context) {
	defer close(s.out)
	defer s.Close()

	if cont, err := s.catchUp(ctx); err != nil || !cont {
		if err != nil {
			s.pub.logger.Warn("事件回放失败", "plan_id", s.PlanID, "cursor", s.Cursor(), "error", err)
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.signal:
		}
		cont, err := s.catchUp(ctx)
		if err != nil {
			// 游标未前进，下一次通知会重新补齐
			s.pub.logger.Warn("实时事件补读失败", "plan_id", s.PlanID, "cursor", s.Cursor(), "error", err)
			continue
		}
		if !cont {
			return
		}
	}
}

// catchUp 从游标开始分批读取存储直到读尽；返回 false 表示流应结束
func (s *Stream) catchUp(ctx context.Context) (bool, error) {
	for {
		batch, err := s.pub.Replay(ctx, s.PlanID, s.Cursor(), s.batchSize)
		if err != nil {
			return true, err
		}
		for _, e := range batch {
			if !s.emit(ctx, e) {
				return false, nil
			}
		}
		if len(batch) < s.batchSize {
			return true, nil
		}
	}
}

// emit 返回 false 表示流应结束
func (s *Stream) emit(ctx context.Context, e *Event) bool {
	s.mu.Lock()
	if e.ID <= s.cursor {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	select {
	case s.out <- e:
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = e.ID
	if e.Type == PlanFinished {
		s.finished = true
		return false
	}
	return true
}
