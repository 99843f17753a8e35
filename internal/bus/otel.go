package bus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into a short-lived OpenTelemetry span: the
// span name is the event kind, and RunID/Key/Attempt/Mnemonic/Owner become
// span attributes. A non-nil Err marks the span as errored.
type OTelEmitter struct {
	tracer trace.Tracer
}

func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	if event.barrier != nil {
		return
	}
	_, span := o.tracer.Start(context.Background(), string(event.Kind))
	defer span.End()

	span.SetAttributes(
		attribute.String("run_id", event.RunID),
		attribute.String("key", event.Key),
		attribute.Int("attempt", event.Attempt),
		attribute.String("mnemonic", event.Mnemonic),
		attribute.String("owner", event.Owner),
		attribute.Int64("duration_ms", event.DurationMS),
	)
	if event.Err != nil {
		span.RecordError(event.Err)
		span.SetStatus(codes.Error, event.Err.Error())
	}
}

func (o *OTelEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		o.Emit(e)
	}
	return nil
}

func (o *OTelEmitter) Flush(context.Context) error { return nil }
