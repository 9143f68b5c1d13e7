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

// Package tracing 任务执行、agent 调用与后台轮次的 OpenTelemetry span
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "plan-orchestrator"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	InstanceID     string  // worker id，写入 service.instance.id
	ExportEndpoint string
	Insecure       bool
	SampleRatio    float64 // (0,1) 按 trace id 采样，其余值全采
}

// InitTracer 初始化 OTLP/HTTP 导出的 TracerProvider 并设为全局
func InitTracer(ctx context.Context, config OTelConfig) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.ExportEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}
	tp, err := newProvider(ctx, config, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	return tp, nil
}

func newProvider(ctx context.Context, config OTelConfig, extra ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(config.ServiceName)}
	if config.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(config.InstanceID))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}
	opts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(config.SampleRatio)),
	}, extra...)
	return sdktrace.NewTracerProvider(opts...), nil
}

// samplerFor 父 span 已采样则跟随
func samplerFor(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartTaskSpan 开始 task execution span
func StartTaskSpan(ctx context.Context, planID, taskID, nodeID, taskType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.String("task.id", taskID),
			attribute.String("task.node_id", nodeID),
			attribute.String("task.type", taskType),
		),
	)
}

// StartAgentSpan 开始一次 agent 调用 span
func StartAgentSpan(ctx context.Context, agentKey string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.call",
		trace.WithAttributes(
			attribute.String("agent.key", agentKey),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// StartRoundSpan 开始后台周期任务（reconcile / schedule）的一轮 span
func StartRoundSpan(ctx context.Context, job string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, job+".round")
}

// RecordError 记录错误并将 span 状态置为 Error
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
