// Copyright © 2018 The ELPS authors

package gdb

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	// MCommands counts commands written to gdb.
	MCommands = stats.Int64("shdbg/gdb/commands", "Commands sent to gdb", stats.UnitDimensionless)
	// MUnmatchedReplies counts result records that matched no command.
	MUnmatchedReplies = stats.Int64("shdbg/gdb/unmatched_replies", "Result records with no pending command", stats.UnitDimensionless)
	// MParseErrors counts malformed output lines.
	MParseErrors = stats.Int64("shdbg/gdb/parse_errors", "Malformed MI output lines", stats.UnitDimensionless)

	// KeyOutcome tags a command with its reply class.
	KeyOutcome = tag.MustNewKey("outcome")
)

// Views aggregates the gdb measures.
var Views = []*view.View{
	{
		Name:        "shdbg/gdb/commands",
		Description: "Commands sent to gdb by reply outcome",
		Measure:     MCommands,
		TagKeys:     []tag.Key{KeyOutcome},
		Aggregation: view.Count(),
	},
	{
		Name:        "shdbg/gdb/unmatched_replies",
		Description: "Result records with no pending command",
		Measure:     MUnmatchedReplies,
		Aggregation: view.Count(),
	},
	{
		Name:        "shdbg/gdb/parse_errors",
		Description: "Malformed MI output lines",
		Measure:     MParseErrors,
		Aggregation: view.Count(),
	},
}

// RegisterViews registers Views with the opencensus view worker.
func RegisterViews() error {
	return view.Register(Views...)
}

func recordOutcome(outcome string) {
	ctx, err := tag.New(context.Background(), tag.Upsert(KeyOutcome, outcome))
	if err != nil {
		ctx = context.Background()
	}
	stats.Record(ctx, MCommands.M(1))
}

func recordCount(m *stats.Int64Measure) {
	stats.Record(context.Background(), m.M(1))
}
