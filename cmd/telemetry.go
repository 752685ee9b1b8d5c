// Copyright © 2018 The ELPS authors

package cmd

import (
	"context"
	"time"

	"github.com/luthersystems/shdbg/gdb"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// metricsPeriod is how often gdb counters are written to the log.
const metricsPeriod = time.Minute

// startTelemetry registers the gdb metric views and, when tracing is
// enabled, installs a tracer provider that logs finished spans. The
// returned function flushes and stops both.
func startTelemetry(log *logrus.Entry, tracing bool) (func(context.Context) error, error) {
	if err := gdb.RegisterViews(); err != nil {
		return nil, err
	}
	me := &logViewExporter{log: log.WithField("component", "metrics")}
	view.RegisterExporter(me)
	view.SetReportingPeriod(metricsPeriod)
	stopMetrics := func() {
		view.UnregisterExporter(me)
		view.Unregister(gdb.Views...)
	}

	if !tracing {
		return func(context.Context) error {
			stopMetrics()
			return nil
		}, nil
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&logSpanExporter{log: log.WithField("component", "trace")}),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		stopMetrics()
		return tp.Shutdown(ctx)
	}, nil
}

// logSpanExporter writes each finished span as one log entry.
type logSpanExporter struct {
	log *logrus.Entry
}

var _ sdktrace.SpanExporter = (*logSpanExporter)(nil)

func (x *logSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := logrus.Fields{
			"span":     span.Name(),
			"trace_id": span.SpanContext().TraceID().String(),
			"duration": span.EndTime().Sub(span.StartTime()),
			"status":   span.Status().Code.String(),
		}
		for _, kv := range span.Attributes() {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
		x.log.WithFields(fields).Debug("span")
	}
	return nil
}

func (x *logSpanExporter) Shutdown(ctx context.Context) error {
	return nil
}

// logViewExporter writes opencensus view data to the log.
type logViewExporter struct {
	log *logrus.Entry
}

var _ view.Exporter = (*logViewExporter)(nil)

func (x *logViewExporter) ExportView(vd *view.Data) {
	for _, row := range vd.Rows {
		entry := x.log.WithField("view", vd.View.Name)
		for _, t := range row.Tags {
			entry = entry.WithField(t.Key.Name(), t.Value)
		}
		if c, ok := row.Data.(*view.CountData); ok {
			entry = entry.WithField("count", c.Value)
		}
		entry.Debug("metric")
	}
}
