package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes one line per event to an io.Writer, in either
// human-readable or JSON-lines form.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if event.barrier != nil {
		return
	}
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	enc := struct {
		Kind       Kind           `json:"kind"`
		RunID      string         `json:"run_id,omitempty"`
		Key        string         `json:"key,omitempty"`
		Attempt    int            `json:"attempt,omitempty"`
		Err        string         `json:"err,omitempty"`
		Mnemonic   string         `json:"mnemonic,omitempty"`
		Owner      string         `json:"owner,omitempty"`
		DurationMS int64          `json:"duration_ms,omitempty"`
		Meta       map[string]any `json:"meta,omitempty"`
	}{
		Kind: event.Kind, RunID: event.RunID, Key: event.Key, Attempt: event.Attempt,
		Mnemonic: event.Mnemonic, Owner: event.Owner, DurationMS: event.DurationMS, Meta: event.Meta,
	}
	if event.Err != nil {
		enc.Err = event.Err.Error()
	}
	data, err := json.Marshal(enc)
	if err != nil {
		fmt.Fprintf(l.writer, `{"kind":"emitter_error","err":%q}`+"\n", err.Error())
		return
	}
	_, _ = l.writer.Write(append(data, '\n'))
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] run=%s key=%s attempt=%d", event.Kind, event.RunID, event.Key, event.Attempt)
	if event.Mnemonic != "" {
		fmt.Fprintf(l.writer, " mnemonic=%s", event.Mnemonic)
	}
	if event.DurationMS > 0 {
		fmt.Fprintf(l.writer, " duration_ms=%d", event.DurationMS)
	}
	if event.Err != nil {
		fmt.Fprintf(l.writer, " err=%q", event.Err.Error())
	}
	fmt.Fprintln(l.writer)
}

func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

func (l *LogEmitter) Flush(context.Context) error {
	if f, ok := l.writer.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}
