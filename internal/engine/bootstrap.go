package engine

import (
	"context"
	"fmt"

	"connector/internal/logging"
	"connector/internal/pipeline"
	"connector/internal/scheduler"
	"connector/internal/telemetry"
	"connector/internal/transport"
)

// Config selects the pipeline file. Non-empty addresses override the
// pipeline file's control section.
type Config struct {
	PipelineYml string
	GRPCAddr    string
	MetricsAddr string
}

// Bootstrap compiles the pipeline and opens the control plane listeners.
// Nothing runs until Engine.Run.
func Bootstrap(ctx context.Context, cfg Config) (_ *Engine, err error) {
	// 1. pipeline
	p, err := pipeline.Compile(ctx, cfg.PipelineYml)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	e := &Engine{pipeline: p}
	defer func() {
		if err != nil {
			e.close(context.Background())
		}
	}()

	// 2. scheduler, observed by metrics and the health service
	obs := &observer{Metrics: telemetry.New()}
	e.scheduler = p.Scheduler(obs)

	// 3. transport server
	grpcAddr := pick(cfg.GRPCAddr, p.Spec.Control.GRPCAddr)
	if grpcAddr != "" {
		if e.transport, err = transport.StartServer(grpcAddr, e.scheduler); err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		obs.health = e.transport
		logging.L().Info("control plane listening", "addr", e.transport.Addr())
	}

	// 4. metrics
	if addr := pick(cfg.MetricsAddr, p.Spec.Control.MetricsAddr); addr != "" {
		if e.metrics, err = telemetry.Expose(addr, obs.Metrics); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	return e, nil
}

func pick(override, fromFile string) string {
	if override != "" {
		return override
	}
	return fromFile
}

// observer feeds metrics and republishes health on every state change.
type observer struct {
	*telemetry.Metrics
	health *transport.Server
}

func (o *observer) ObserveState(partition string, st scheduler.State) {
	o.Metrics.ObserveState(partition, st)
	if o.health != nil {
		o.health.Refresh()
	}
}
