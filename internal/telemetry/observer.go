package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/runflow/pkg/api"
)

// MetricsObserver is an api.Observer that records run and step counters
// and a step duration histogram. Runs are counted once per status they
// reach, so a resumed run adds to both PENDING_HUMAN and its final status.
type MetricsObserver struct {
	runs         metric.Int64Counter
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
}

var _ api.Observer = (*MetricsObserver)(nil)

// NewMetricsObserver creates the instruments on meter.
func NewMetricsObserver(meter metric.Meter) (*MetricsObserver, error) {
	runs, err := meter.Int64Counter("runflow.runs",
		metric.WithDescription("Runs by final or suspended status"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: runs counter: %w", err)
	}
	steps, err := meter.Int64Counter("runflow.steps",
		metric.WithDescription("Step dispatches by status"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: steps counter: %w", err)
	}
	dur, err := meter.Float64Histogram("runflow.step.duration",
		metric.WithDescription("Step dispatch duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: step duration histogram: %w", err)
	}
	return &MetricsObserver{runs: runs, steps: steps, stepDuration: dur}, nil
}

func runAttrs(run *api.RunRecord, status api.RunStatus) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("product", run.Product),
		attribute.String("flow_id", run.FlowID),
		attribute.String("status", string(status)),
	)
}

func (o *MetricsObserver) OnRunStart(ctx context.Context, run *api.RunRecord) {
	o.runs.Add(ctx, 1, runAttrs(run, api.RunRunning))
}

func (o *MetricsObserver) OnRunCompleted(ctx context.Context, run *api.RunRecord) {
	o.runs.Add(ctx, 1, runAttrs(run, api.RunCompleted))
}

func (o *MetricsObserver) OnRunFailed(ctx context.Context, run *api.RunRecord, err *api.Error) {
	code := ""
	if err != nil {
		code = err.Code
	}
	o.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("product", run.Product),
		attribute.String("flow_id", run.FlowID),
		attribute.String("status", string(api.RunFailed)),
		attribute.String("error_code", code),
	))
}

func (o *MetricsObserver) OnRunSuspended(ctx context.Context, run *api.RunRecord, req *api.UserInputRequest) {
	o.runs.Add(ctx, 1, runAttrs(run, api.RunPendingHuman))
}

func (o *MetricsObserver) OnStepStart(ctx context.Context, run *api.RunRecord, stepID string, idx int) {
}

func (o *MetricsObserver) OnStepCompleted(ctx context.Context, run *api.RunRecord, step api.StepRecord, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("product", run.Product),
		attribute.String("kind", string(step.Kind)),
		attribute.String("status", string(step.Status)),
	)
	o.steps.Add(ctx, 1, attrs)
	o.stepDuration.Record(ctx, d.Seconds(), attrs)
}
