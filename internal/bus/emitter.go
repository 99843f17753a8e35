package bus

import "context"

// Emitter receives events from a Bus. Emit must not block the caller for
// long and must never panic; EmitBatch delivers several events in one call
// for backends that benefit from batching; Flush blocks until everything
// buffered has been delivered.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}
