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
	"fmt"
	"os"
	"sync"
	"time"

	"plan-orchestrator/pkg/log"
	"plan-orchestrator/pkg/metrics"
)

// Handler 订阅回调；在发布方 goroutine 中调用，实现不得阻塞
type Handler func(*Event)

// Relay 跨实例通知通道
type Relay interface {
	Notify(ctx context.Context, n Notification) error
	// Listen 阻塞直到 ctx 结束，每收到一条通知调用 fn
	Listen(ctx context.Context, fn func(payload string)) error
}

// PublisherConfig 发布器参数
type PublisherConfig struct {
	PublisherID string
	LoadRetries int
	LoadBackoff time.Duration
}

// Publisher 持久化 + 进程内分发 + 可选的跨实例通知
type Publisher struct {
	store  Store
	relay  Relay
	cfg    PublisherConfig
	logger *log.Logger

	mu   sync.RWMutex
	subs map[string]map[string]Handler // planID -> subscriberID -> handler
}

// NewPublisher relay 可为 nil（单实例）
func NewPublisher(store Store, relay Relay, cfg PublisherConfig, logger *log.Logger) *Publisher {
	if cfg.PublisherID == "" {
		cfg.PublisherID = DefaultPublisherID()
	}
	if cfg.LoadRetries <= 0 {
		cfg.LoadRetries = 3
	}
	if cfg.LoadBackoff <= 0 {
		cfg.LoadBackoff = 60 * time.Millisecond
	}
	return &Publisher{
		store:  store,
		relay:  relay,
		cfg:    cfg,
		logger: logger.Component("eventlog"),
		subs:   make(map[string]map[string]Handler),
	}
}

// DefaultPublisherID HOSTNAME-pid
func DefaultPublisherID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = os.Getenv("HOSTNAME")
	}
	if host == "" {
		return fmt.Sprintf("instance-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// ID 本实例发布者标识
func (p *Publisher) ID() string { return p.cfg.PublisherID }

// Store 底层事件存储
func (p *Publisher) Store() Store { return p.store }

// Publish 追加事件后分发给本地订阅者，再通知其他实例；通知失败只记日志
func (p *Publisher) Publish(ctx context.Context, typ Type, planID, taskID string, data map[string]any) (*Event, error) {
	if typ == "" || planID == "" {
		return nil, fmt.Errorf("eventlog: type and plan id are required")
	}
	e := &Event{PlanID: planID, TaskID: taskID, Type: typ, Data: data}
	if err := p.store.Append(ctx, e); err != nil {
		return nil, err
	}
	metrics.EventPublishedTotal.WithLabelValues(string(typ)).Inc()
	p.dispatch(e)
	if p.relay != nil {
		n := Notification{PlanID: planID, EventID: e.ID, PublisherID: p.cfg.PublisherID}
		if err := p.relay.Notify(ctx, n); err != nil {
			p.logger.Debug("事件跨实例通知失败", "plan_id", planID, "event_id", e.ID, "error", err)
		}
	}
	return e, nil
}

// Replay 读取 afterID 之后的事件
func (p *Publisher) Replay(ctx context.Context, planID string, afterID int64, limit int) ([]*Event, error) {
	return p.store.ListAfter(ctx, planID, afterID, limit)
}

// Subscribe 同一 subscriberID 重复订阅时覆盖
func (p *Publisher) Subscribe(planID, subscriberID string, h Handler) {
	if planID == "" || subscriberID == "" || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.subs[planID]
	if !ok {
		m = make(map[string]Handler)
		p.subs[planID] = m
	}
	if _, exists := m[subscriberID]; !exists {
		metrics.StreamSubscribers.Inc()
	}
	m[subscriberID] = h
}

// Unsubscribe 最后一个订阅者离开时删除 plan 的订阅表
func (p *Publisher) Unsubscribe(planID, subscriberID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.subs[planID]
	if !ok {
		return
	}
	if _, exists := m[subscriberID]; exists {
		delete(m, subscriberID)
		metrics.StreamSubscribers.Dec()
	}
	if len(m) == 0 {
		delete(p.subs, planID)
	}
}

// SubscriberCount 当前 plan 的订阅者数量
func (p *Publisher) SubscriberCount(planID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[planID])
}

func (p *Publisher) dispatch(e *Event) {
	p.mu.RLock()
	handlers := make([]Handler, 0, len(p.subs[e.PlanID]))
	for _, h := range p.subs[e.PlanID] {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()
	for _, h := range handlers {
		p.safeCall(h, e.clone())
	}
}

func (p *Publisher) safeCall(h Handler, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Debug("事件分发回调异常", "plan_id", e.PlanID, "event_id", e.ID, "panic", r)
		}
	}()
	h(e)
}

// RunRelay 监听跨实例通知直到 ctx 结束；无 relay 时立即返回
func (p *Publisher) RunRelay(ctx context.Context) error {
	if p.relay == nil {
		return nil
	}
	p.logger.Info("事件跨实例监听已启动", "publisher_id", p.cfg.PublisherID)
	return p.relay.Listen(ctx, func(payload string) {
		p.HandleNotification(ctx, payload)
	})
}

// HandleNotification 处理其他实例的通知：忽略自己发出的，加载事件后本地分发
func (p *Publisher) HandleNotification(ctx context.Context, payload string) {
	n, ok := ParseNotification(payload)
	if !ok || n.PublisherID == p.cfg.PublisherID {
		return
	}
	if p.SubscriberCount(n.PlanID) == 0 {
		return
	}
	e := p.loadEvent(ctx, n)
	if e != nil {
		p.dispatch(e)
	}
}

// loadEvent 通知可能先于写入可见，短暂重试
func (p *Publisher) loadEvent(ctx context.Context, n Notification) *Event {
	for i := 0; i < p.cfg.LoadRetries; i++ {
		events, err := p.store.ListAfter(ctx, n.PlanID, n.EventID-1, 1)
		if err == nil && len(events) == 1 && events[0].ID == n.EventID {
			return events[0]
		}
		if i == p.cfg.LoadRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.LoadBackoff):
		}
	}
	p.logger.Debug("跨实例事件加载失败", "plan_id", n.PlanID, "event_id", n.EventID)
	return nil
}
