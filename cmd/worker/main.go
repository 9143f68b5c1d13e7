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

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"plan-orchestrator/internal/app"
	"plan-orchestrator/internal/app/worker"
	"plan-orchestrator/pkg/config"
)

func main() {
	cfg, err := config.LoadFromEnv("configs/worker.yaml")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	application, err := worker.NewApp(ctx, boot)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		log.Fatalf("启动应用失败: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- application.Wait() }()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Printf("worker 后台任务异常退出: %v", err)
		}
	}

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭应用失败: %v", err)
	}
	log.Println("worker 已关闭")
}
