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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"plan-orchestrator/pkg/redaction"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Event      EventConfig      `mapstructure:"event"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Redaction  redaction.Config `mapstructure:"redaction"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
	Timeout string `mapstructure:"timeout"`
	// StreamWait 长轮询流接口单次等待上限，如 "25s"
	StreamWait string `mapstructure:"stream_wait"`
}

// StoreConfig Plan/Task/Event 存储配置
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// RedisConfig 跨实例事件通知（Pub/Sub），未启用时只做进程内分发
type RedisConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// WorkerConfig Worker 进程标识
type WorkerConfig struct {
	ID string `mapstructure:"id"` // 为空时使用 HOSTNAME + pid
}

// ExecutorConfig 认领执行引擎配置
type ExecutorConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	PollInterval       string  `mapstructure:"poll_interval"`
	Concurrency        int     `mapstructure:"concurrency"`
	ClaimBatchSize     int     `mapstructure:"claim_batch_size"`
	MaxDispatchPerTick int     `mapstructure:"max_dispatch_per_tick"`
	ReadyFirst         bool    `mapstructure:"ready_first"`
	RefiningMaxRatio   float64 `mapstructure:"refining_max_ratio"`
	RefiningMinPerTick int     `mapstructure:"refining_min_per_tick"`
	LeaseDuration      string  `mapstructure:"lease_duration"`
	HeartbeatInterval  string  `mapstructure:"heartbeat_interval"`
	ExecutionTimeout   string  `mapstructure:"execution_timeout"`
	TimeoutRetryMax    int     `mapstructure:"timeout_retry_max"`
	ExpiredCheckEvery  int     `mapstructure:"expired_check_every"` // 每 N 个 tick 统计一次租约过期任务数
}

// SchedulerConfig 依赖调度配置
type SchedulerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	PollInterval string `mapstructure:"poll_interval"`
	BatchSize    int    `mapstructure:"batch_size"`
}

// ReconcileConfig Plan 状态对账配置
type ReconcileConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	PollInterval     string `mapstructure:"poll_interval"`
	BatchSize        int    `mapstructure:"batch_size"`
	MaxPlansPerRound int    `mapstructure:"max_plans_per_round"`
}

// EventConfig 事件回放配置
type EventConfig struct {
	ReplayBatchSize int    `mapstructure:"replay_batch_size"`
	LoadRetries     int    `mapstructure:"load_retries"`
	LoadBackoff     string `mapstructure:"load_backoff"`
	// Relay 跨实例通知：none | redis | postgres
	Relay string `mapstructure:"relay"`
	// PublisherID 为空时使用 HOSTNAME-pid
	PublisherID string `mapstructure:"publisher_id"`
}

// AgentConfig Agent 调用配置
type AgentConfig struct {
	Default   string                         `mapstructure:"default"`
	Critic    string                         `mapstructure:"critic"` // CRITIC 任务默认 agent，空则同 Default
	Providers map[string]AgentProviderConfig `mapstructure:"providers"`
}

// AgentProviderConfig 单个 agent 的调用方式
type AgentProviderConfig struct {
	Type      string  `mapstructure:"type"` // openai | eino | echo
	BaseURL   string  `mapstructure:"base_url"`
	Model     string  `mapstructure:"model"`
	APIKey    string  `mapstructure:"api_key"`    // 支持 ${ENV}
	SecretKey string  `mapstructure:"secret_key"` // 非空时从 secrets 读取 API Key
	Timeout   string  `mapstructure:"timeout"`
	QPS       float64 `mapstructure:"qps"`
	Burst     int     `mapstructure:"burst"`
}

// SecretsConfig Secret 来源
type SecretsConfig struct {
	Provider   string `mapstructure:"provider"` // env | memory | vault
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool    `mapstructure:"enable"`
	ServiceName    string  `mapstructure:"service_name"`
	ExportEndpoint string  `mapstructure:"export_endpoint"`
	Insecure       bool    `mapstructure:"insecure"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.stream_wait", "25s")
	v.SetDefault("store.type", "memory")
	v.SetDefault("redis.channel", "plan_task_events")

	v.SetDefault("executor.enabled", true)
	v.SetDefault("executor.poll_interval", "1s")
	v.SetDefault("executor.concurrency", 8)
	v.SetDefault("executor.claim_batch_size", 100)
	v.SetDefault("executor.max_dispatch_per_tick", 100)
	v.SetDefault("executor.ready_first", true)
	v.SetDefault("executor.refining_max_ratio", 0.3)
	v.SetDefault("executor.refining_min_per_tick", 1)
	v.SetDefault("executor.lease_duration", "120s")
	v.SetDefault("executor.heartbeat_interval", "30s")
	v.SetDefault("executor.execution_timeout", "120s")
	v.SetDefault("executor.timeout_retry_max", 1)
	v.SetDefault("executor.expired_check_every", 30)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", "1s")
	v.SetDefault("scheduler.batch_size", 500)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.poll_interval", "1s")
	v.SetDefault("reconcile.batch_size", 200)
	v.SetDefault("reconcile.max_plans_per_round", 1000)

	v.SetDefault("event.replay_batch_size", 200)
	v.SetDefault("event.load_retries", 3)
	v.SetDefault("event.load_backoff", "60ms")
	v.SetDefault("event.relay", "none")

	v.SetDefault("agent.default", "echo")
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.tracing.service_name", "plan-orchestrator")
}

// Default 仅含默认值的配置，无配置文件时使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig 加载配置文件；环境变量覆盖时 key 中的 "." 替换为 "_"，如 STORE_DSN
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量
	replaceEnvVars(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 启动前的必要校验
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.type=postgres 时 store.dsn 必填")
		}
	default:
		return fmt.Errorf("不支持的 store.type: %s", c.Store.Type)
	}
	if c.Redis.Enable && c.Redis.Addr == "" {
		return fmt.Errorf("redis.enable=true 时 redis.addr 必填")
	}
	switch c.Event.Relay {
	case "", "none":
	case "redis":
		if !c.Redis.Enable {
			return fmt.Errorf("event.relay=redis 需要 redis.enable=true")
		}
	case "postgres":
		if c.Store.Type != "postgres" {
			return fmt.Errorf("event.relay=postgres 需要 store.type=postgres")
		}
	default:
		return fmt.Errorf("不支持的 event.relay: %s", c.Event.Relay)
	}
	if c.Executor.RefiningMaxRatio < 0 || c.Executor.RefiningMaxRatio > 1 {
		return fmt.Errorf("executor.refining_max_ratio 需在 [0,1] 区间: %v", c.Executor.RefiningMaxRatio)
	}
	return nil
}

// replaceEnvVars 替换配置中形如 ${ENV} 的值
func replaceEnvVars(config *Config) {
	for name, p := range config.Agent.Providers {
		p.APIKey = expandEnv(p.APIKey)
		config.Agent.Providers[name] = p
	}
	config.Store.DSN = expandEnv(config.Store.DSN)
	config.Redis.Password = expandEnv(config.Redis.Password)
	config.Secrets.Token = expandEnv(config.Secrets.Token)
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
	envVar = strings.TrimPrefix(envVar, "$")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// Duration 解析时长字符串，空或非法时返回 def
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// LoadFromEnv PLAN_CONFIG 非空时读取该路径，否则读取 defaultPath（如 configs/worker.yaml）
func LoadFromEnv(defaultPath string) (*Config, error) {
	if p := os.Getenv("PLAN_CONFIG"); p != "" {
		return LoadConfig(p)
	}
	return LoadConfig(defaultPath)
}
