package progress

import "context"

// Emitter accepts single events from the crawl engine. Hub implements it.
type Emitter interface {
	Emit(evt Event)
}

// Sink receives batches from the Hub. Consume is called with a per-batch
// deadline; Close is called once when the Hub shuts down.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume implements Sink.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close implements Sink.
func (SinkFunc) Close(context.Context) error {
	return nil
}
