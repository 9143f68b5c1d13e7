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

package executor

import (
	"context"
	"time"

	"plan-orchestrator/pkg/metrics"
)

// startHeartbeat 按 HeartbeatInterval 续约，认领失效后停止；返回的函数停止续约并等待退出
func (e *Engine) startHeartbeat(ctx context.Context, taskID, owner string, attempt int) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := e.tasks.RenewLease(ctx, taskID, owner, attempt, e.cfg.LeaseDuration)
				switch {
				case err != nil:
					if ctx.Err() != nil {
						return
					}
					metrics.LeaseRenewTotal.WithLabelValues("error").Inc()
					e.logger.Warn("续约失败", "task_id", taskID, "error", err)
				case !ok:
					metrics.LeaseRenewTotal.WithLabelValues("guard_reject").Inc()
					e.logger.Info("认领已失效，停止续约", "task_id", taskID, "attempt", attempt)
					return
				default:
					metrics.LeaseRenewTotal.WithLabelValues("success").Inc()
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
