package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/log/global"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instruments holds the OTEL instruments for the execution, agent, tool
// and sandbox domains (spec §4.3 lifecycle events, §4.4 agent steps, §4.6
// sandbox lifecycle). Init creates them; the worker, executor and agent
// driver in this module do not record against them.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	ExecutionsTotal   metric.Int64Counter
	ExecutionDuration metric.Float64Histogram

	LLMTokenUsage metric.Int64Counter
	LLMCostTotal  metric.Float64Counter
	LLMRequests   metric.Int64Counter
	AgentSteps    metric.Int64Counter

	ToolExecutions metric.Int64Counter
	ToolDuration   metric.Float64Histogram

	SandboxesCreated   metric.Int64Counter
	SandboxesDestroyed metric.Int64Counter

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP-HTTP
// exporters, configured from the standard OTEL_EXPORTER_OTLP_ENDPOINT-family
// env vars. Returns a shutdown func that must be called on worker exit.
func Init(ctx context.Context, serviceName string, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	executionsTotal, err := meter.Int64Counter("polos.executions",
		metric.WithDescription("Execution count by workflow type and outcome"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	executionDuration, err := meter.Float64Histogram("polos.execution.duration",
		metric.WithDescription("Execution wall-clock duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	llmTokenUsage, err := meter.Int64Counter("polos.llm.token.usage",
		metric.WithDescription("Tokens consumed by agent LLM calls"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	llmCostTotal, err := meter.Float64Counter("polos.llm.cost.total",
		metric.WithDescription("Cumulative agent LLM cost"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("polos.llm.requests",
		metric.WithDescription("LLM call count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	agentSteps, err := meter.Int64Counter("polos.agent.steps",
		metric.WithDescription("Agent driver loop iterations"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("polos.tool.executions",
		metric.WithDescription("Tool invocation count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("polos.tool.duration",
		metric.WithDescription("Tool invocation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	sandboxesCreated, err := meter.Int64Counter("polos.sandbox.created",
		metric.WithDescription("Sandbox containers created"),
		metric.WithUnit("{sandbox}"))
	if err != nil {
		return nil, err
	}

	sandboxesDestroyed, err := meter.Int64Counter("polos.sandbox.destroyed",
		metric.WithDescription("Sandbox containers destroyed"),
		metric.WithUnit("{sandbox}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		ExecutionsTotal:    executionsTotal,
		ExecutionDuration:  executionDuration,
		LLMTokenUsage:      llmTokenUsage,
		LLMCostTotal:       llmCostTotal,
		LLMRequests:        llmRequests,
		AgentSteps:         agentSteps,
		ToolExecutions:     toolExecutions,
		ToolDuration:       toolDuration,
		SandboxesCreated:   sandboxesCreated,
		SandboxesDestroyed: sandboxesDestroyed,
		Cost:               NewCostCalculator(pricing),
	}, nil
}
