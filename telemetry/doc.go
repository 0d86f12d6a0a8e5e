// Package telemetry provides observability for agentexec engines:
// structured logging with zerolog, Prometheus metrics, and OpenTelemetry
// tracing.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	log, closer, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//	    return err
//	}
//	defer closer.Close()
//
//	metrics := telemetry.NewMetrics(cfg.Metrics)
//	engine := cli.NewEngine(backend,
//	    cli.WithLogger(log),
//	    cli.WithObserver(metrics),
//	)
//
// [Metrics] implements agentexec.Observer and is fed by the engine: it
// counts executions, attempts by result, retries by error class, circuit
// rejections, and breaker transitions. [NewTracerProvider] installs a
// global tracer provider that receives the engine's execute and attempt
// spans.
package telemetry
