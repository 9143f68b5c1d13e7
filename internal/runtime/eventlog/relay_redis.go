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

	"github.com/redis/go-redis/v9"
)

// RedisRelay 基于 Redis Pub/Sub 的跨实例通知；断线重连由 go-redis 负责
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisRelay channel 为空时使用 plan_task_events
func NewRedisRelay(client redis.UniversalClient, channel string) *RedisRelay {
	if channel == "" {
		channel = "plan_task_events"
	}
	return &RedisRelay{client: client, channel: channel}
}

// DialRedis 按地址创建客户端并 Ping
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (r *RedisRelay) Notify(ctx context.Context, n Notification) error {
	return r.client.Publish(ctx, r.channel, n.String()).Err()
}

func (r *RedisRelay) Listen(ctx context.Context, fn func(payload string)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
