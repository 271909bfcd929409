package stream

import "errors"

// Error taxonomy from the relay's error handling design. Per-session
// errors (ErrSlowConsumer) never tear down a Stream. Adapter errors
// (ErrSourceUnavailable, ErrEncoderFailure) tear down a Stream but
// never the Hub. ErrHubUnavailable is returned while the Hub is
// shutting down or when it is at its MaxConnections cap.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrEncoderFailure    = errors.New("encoder failure")
	ErrSlowConsumer      = errors.New("slow consumer")
	ErrHubUnavailable    = errors.New("hub unavailable")
)
