package stream

import (
	"sync"

	"github.com/zsqmw/video-relay/log"
)

// HubConfig carries the registry-wide tunables from spec.md §6.2.
type HubConfig struct {
	StreamConfig
	MaxConnections int
}

// Hub is the Stream registry: exactly one Stream per Fingerprint,
// created on first attach and released once its fan-out goroutine
// terminates. Unlike the teacher's package-level sourceManger, Hub is
// an owned instance so a process can run more than one isolated
// registry (e.g. in tests) without global state.
type Hub struct {
	cfg     HubConfig
	factory AdapterFactory

	mu       sync.Mutex
	streams  map[Fingerprint]*Stream
	sessions int // total attached sessions across all streams, for MaxConnections

	shuttingDown bool
}

// NewHub constructs an empty Hub. factory is called once per Stream to
// build a fresh EncoderAdapter.
func NewHub(factory AdapterFactory, cfg HubConfig) *Hub {
	return &Hub{
		cfg:     cfg,
		factory: factory,
		streams: make(map[Fingerprint]*Stream),
	}
}

// Admit reports whether the Hub is currently willing to accept a new
// viewer, without registering anything. It exists so an HTTP front
// door can reject a request with 503 before hijacking the connection;
// Attach re-checks the same two conditions under the same lock, since
// the Hub's state can still change between Admit and Attach.
func (h *Hub) Admit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shuttingDown {
		return ErrHubUnavailable
	}
	if h.cfg.MaxConnections > 0 && h.sessions >= h.cfg.MaxConnections {
		return ErrHubUnavailable
	}
	return nil
}

// Attach resolves fp to an existing Stream or creates one, then hands
// sess to it. The registry guard (h.mu) is held only long enough to
// look up or insert the Stream entry; Attach itself is a fast,
// non-blocking handoff to the Stream's own mailbox.
func (h *Hub) Attach(fp Fingerprint, sourceURL string, sess *Session) error {
	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		return ErrHubUnavailable
	}
	if h.cfg.MaxConnections > 0 && h.sessions >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return ErrHubUnavailable
	}

	st, ok := h.streams[fp]
	if !ok || st.State() == StreamDraining || st.State() == StreamTerminated {
		st = NewStream(fp, sourceURL, h.factory, h.cfg.StreamConfig, h.onStreamTerminated)
		h.streams[fp] = st
		log.Sugar.Infof("hub: created stream for %s", fp)
	}
	h.sessions++
	h.mu.Unlock()

	st.Attach(sess)
	return nil
}

// Detach releases sess's slot in the MaxConnections count and removes
// sess from the Stream registered under fp, if any. When the session's
// old Stream already rotated out, the Stream side is a safe no-op: the
// caller's session was already closed when its old Stream drained.
func (h *Hub) Detach(fp Fingerprint, sess *Session) {
	h.mu.Lock()
	st, ok := h.streams[fp]
	if h.sessions > 0 {
		h.sessions--
	}
	h.mu.Unlock()

	if ok {
		st.Detach(sess.ID())
	}
}

// onStreamTerminated is the Stream's termination callback. It removes
// the Stream from the registry only if the entry still points at this
// exact instance, guarding against the ABA case where a new Stream for
// the same Fingerprint was already created and registered by the time
// the old one finishes draining.
func (h *Hub) onStreamTerminated(st *Stream) {
	h.mu.Lock()
	if cur, ok := h.streams[st.Fingerprint()]; ok && cur == st {
		delete(h.streams, st.Fingerprint())
	}
	h.mu.Unlock()

	log.Sugar.Infof("hub: released stream for %s", st.Fingerprint())
}

// Lookup returns the Stream currently registered for fp, if any; the
// returned Stream may already be Draining.
func (h *Hub) Lookup(fp Fingerprint) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[fp]
	return st, ok
}

// StreamCount reports how many Streams are currently registered.
func (h *Hub) StreamCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// QueueCapacity is the configured per-session outbound queue size, for
// callers constructing Sessions before handing them to Attach.
func (h *Hub) QueueCapacity() int {
	if h.cfg.QueueCapacity <= 0 {
		return DefaultQueueCapacity
	}
	return h.cfg.QueueCapacity
}

// Shutdown stops accepting new attaches and drains every registered
// Stream, waiting for each to terminate before returning.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shuttingDown = true
	streams := make([]*Stream, 0, len(h.streams))
	for _, st := range h.streams {
		streams = append(streams, st)
	}
	h.mu.Unlock()

	for _, st := range streams {
		st.Stop()
	}
	for _, st := range streams {
		<-st.Done()
	}

	// Done() fires from finish() slightly before onStreamTerminated
	// runs, so the per-stream removal above may not have landed yet
	// for every entry; drop the whole registry now that every Stream
	// has terminated, per spec.md §4.4's shutdown contract.
	h.mu.Lock()
	h.streams = make(map[Fingerprint]*Stream)
	h.mu.Unlock()
}
