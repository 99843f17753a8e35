package bus

import "context"

// NullEmitter discards every event. Used when observability overhead is
// unwanted, or in tests that don't assert on emitted events.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(Event)                                  {}
func (n *NullEmitter) EmitBatch(context.Context, []Event) error    { return nil }
func (n *NullEmitter) Flush(context.Context) error                 { return nil }
