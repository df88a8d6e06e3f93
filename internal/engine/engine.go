// Package engine runs one compiled pipeline together with its control
// plane and metrics endpoint.
package engine

import (
	"context"
	"time"

	"connector/internal/logging"
	"connector/internal/pipeline"
	"connector/internal/scheduler"
	"connector/internal/telemetry"
	"connector/internal/transport"
)

type Engine struct {
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	transport *transport.Server
	metrics   *telemetry.Server
}

// Run blocks until ctx is cancelled and every partition has drained, or
// until every partition has stopped on its own. It returns the joined
// errors of failed partitions.
func (e *Engine) Run(ctx context.Context) error {
	if e.transport != nil {
		go func() {
			if err := e.transport.Serve(); err != nil {
				logging.L().Error("control plane stopped", "err", err)
			}
		}()
	}

	err := e.scheduler.Run(ctx)
	for _, st := range e.scheduler.Status() {
		logging.L().Info("partition summary",
			"partition", st.Partition,
			"state", st.State,
			"committed", st.Committed,
			"delivered", st.Delivery.Delivered,
			"dead_lettered", st.Delivery.DeadLetterRecs,
		)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	e.close(stopCtx)
	return err
}

// Scheduler exposes partition status, mainly for tests.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

func (e *Engine) close(ctx context.Context) {
	if e.transport != nil {
		e.transport.Stop()
	}
	if e.metrics != nil {
		if err := e.metrics.Shutdown(ctx); err != nil {
			logging.L().Warn("metrics shutdown", "err", err)
		}
	}
	if err := e.pipeline.Close(); err != nil {
		logging.L().Warn("pipeline close", "err", err)
	}
}
