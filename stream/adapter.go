package stream

import "context"

// Header is the immutable container header every viewer must receive
// exactly once, before any payload chunk.
type Header []byte

// Chunk is an opaque, ordered payload blob emitted by the encoder
// after the header.
type Chunk []byte

// Sink receives exactly one OnHeader call followed by any number of
// OnChunk calls, delivered one at a time and never concurrently for
// the lifetime of one Open call. OnDone is called exactly
// once, after the last OnHeader/OnChunk call, when the adapter's pull
// loop exits for any reason (Stop, upstream end, or error).
type Sink interface {
	OnHeader(h Header)
	OnChunk(c Chunk)
	OnDone(err error)
}

// EncoderAdapter encapsulates the upstream pull and container muxing
// for a single source. Implementations must deliver Header and Chunk
// calls to the Sink in order and never concurrently.
type EncoderAdapter interface {
	// Open begins pulling url and encoding its media. It returns once
	// the adapter has either emitted the header and produced at least
	// one payload chunk, or failed (ErrSourceUnavailable). Streaming
	// continues in the background after a successful return, via
	// further Sink calls, until Stop is called or the upstream ends.
	Open(ctx context.Context, url string, sink Sink) error

	// Stop is idempotent. It cooperatively halts the pull loop and
	// releases upstream resources, and must complete within a bounded
	// wall-clock budget. No further Sink calls occur after Stop
	// returns.
	Stop()
}

// AdapterFactory constructs a fresh EncoderAdapter for one Stream's
// lifetime. The Hub's Stream calls this exactly once per Stream.
type AdapterFactory func() EncoderAdapter
