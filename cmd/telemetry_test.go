// Copyright © 2018 The ELPS authors

package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func bufferLogger() (*logrus.Entry, *bytes.Buffer) {
	log := logrus.New()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(&logrus.JSONFormatter{})
	return logrus.NewEntry(log), &buf
}

func TestLogSpanExporter(t *testing.T) {
	t.Parallel()
	log, buf := bufferLogger()
	x := &logSpanExporter{log: log}
	start := time.Now()
	spans := tracetest.SpanStubs{{
		Name:       "gdb command",
		StartTime:  start,
		EndTime:    start.Add(3 * time.Millisecond),
		Attributes: []attribute.KeyValue{attribute.String("gdb.command", "-exec-next")},
	}}.Snapshots()
	require.NoError(t, x.ExportSpans(context.Background(), spans))
	require.NoError(t, x.Shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, `"span":"gdb command"`)
	assert.Contains(t, out, `"gdb.command":"-exec-next"`)
	assert.Contains(t, out, `"status":"Unset"`)
}

func TestLogViewExporter(t *testing.T) {
	t.Parallel()
	log, buf := bufferLogger()
	x := &logViewExporter{log: log}
	key := tag.MustNewKey("outcome")
	x.ExportView(&view.Data{
		View: &view.View{Name: "shdbg/gdb/commands"},
		Rows: []*view.Row{{
			Tags: []tag.Tag{{Key: key, Value: "done"}},
			Data: &view.CountData{Value: 7},
		}},
	})
	out := buf.String()
	assert.Contains(t, out, `"view":"shdbg/gdb/commands"`)
	assert.Contains(t, out, `"outcome":"done"`)
	assert.Contains(t, out, `"count":7`)
}
