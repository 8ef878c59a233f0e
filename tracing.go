package mgo

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName matches the module path so spans show up under a stable
// instrumentation scope regardless of the importing application.
const tracerName = "github.com/oceanfloor-labs/mgotxn"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startCommandSpan wraps one admin-database command (commitTransaction,
// abortTransaction) in a span, mirroring the corpus's otelmongo
// command-monitor instrumentation but scoped to just these two commands
// since this core has no generic command-monitor hook.
func startCommandSpan(ctx context.Context, cmdName string, txnNumber int64) (context.Context, trace.Span) {
	return tracer().Start(ctx, "mgo."+cmdName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "mongodb"),
			attribute.String("db.operation", cmdName),
			attribute.Int64("mgo.txn_number", txnNumber),
		),
	)
}

func endCommandSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func startCheckoutSpan(ctx context.Context, kind Kind) (context.Context, trace.Span) {
	return tracer().Start(ctx, "mgo.checkout",
		trace.WithAttributes(attribute.String("mgo.kind", kind.String())),
	)
}
