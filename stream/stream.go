package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsqmw/video-relay/log"
)

// StreamState mirrors the lifecycle in spec.md §3.
type StreamState int32

const (
	StreamStarting StreamState = iota
	StreamRunning
	StreamDraining
	StreamTerminated
)

func (s StreamState) String() string {
	switch s {
	case StreamStarting:
		return "starting"
	case StreamRunning:
		return "running"
	case StreamDraining:
		return "draining"
	case StreamTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	// DefaultReaperInterval is how often the idle reaper checks for an
	// empty viewer set (relay.idleGraceSeconds's companion timer).
	DefaultReaperInterval = 10 * time.Second

	// DefaultIdleGrace is how long a Stream may sit with zero viewers
	// before it is drained (relay.idleGraceSeconds's default).
	DefaultIdleGrace = 10 * time.Second

	// eventQueueDepth bounds the SPSC channel the adapter's own
	// goroutine writes into; the fan-out loop drains it fast because
	// it never blocks on any individual session.
	eventQueueDepth = 32
)

// sinkKind distinguishes the three events an EncoderAdapter delivers.
type sinkKind int

const (
	sinkHeader sinkKind = iota
	sinkChunk
	sinkDone
)

type sinkEvent struct {
	kind   sinkKind
	header Header
	chunk  Chunk
	err    error
}

// adapterSink adapts a Stream to the EncoderAdapter's Sink contract.
// Its methods are called from the adapter's own goroutine and must
// never block it for long; delivery into the fan-out loop is via a
// buffered channel.
type adapterSink struct {
	events chan sinkEvent
}

func (s *adapterSink) OnHeader(h Header) { s.events <- sinkEvent{kind: sinkHeader, header: h} }
func (s *adapterSink) OnChunk(c Chunk)   { s.events <- sinkEvent{kind: sinkChunk, chunk: c} }
func (s *adapterSink) OnDone(err error)  { s.events <- sinkEvent{kind: sinkDone, err: err} }

// StreamConfig carries the tunables from spec.md §6.2 that apply per
// Stream.
type StreamConfig struct {
	ReaperInterval time.Duration
	IdleGrace      time.Duration
	DropThreshold  int
	QueueCapacity  int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = DefaultReaperInterval
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = DefaultIdleGrace
	}
	if c.DropThreshold <= 0 {
		c.DropThreshold = DefaultDropThreshold
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	return c
}

// Stream is the per-source fan-out engine: one Encoder Adapter, a set
// of Viewer Sessions, the cached container header, and a reaper. A
// single goroutine (run) is the only mutator of the viewer set; every
// attach/detach/stop request is delivered to it through channels (the
// "mailbox" in spec.md §4.3), so the viewer set is never iterated
// while being mutated and the reaper can never race a concurrent
// attach.
type Stream struct {
	fp        Fingerprint
	sourceURL string
	cfg       StreamConfig

	adapter    EncoderAdapter
	cancelPull context.CancelFunc

	mu         sync.RWMutex
	state      StreamState
	createdAt  time.Time
	emptySince time.Time // zero value means "not empty"
	header     Header

	attachCh chan *Session
	detachCh chan string
	stopCh   chan struct{}
	events   chan sinkEvent

	sessions     map[string]*Session
	viewerCount  atomic.Int32

	onTerminated func(*Stream)

	doneCh chan struct{}
}

// NewStream constructs a Starting Stream and immediately spawns its
// fan-out goroutine and its Encoder Adapter. onTerminated is called
// exactly once, from the fan-out goroutine, right before it exits.
func NewStream(fp Fingerprint, sourceURL string, newAdapter AdapterFactory, cfg StreamConfig, onTerminated func(*Stream)) *Stream {
	cfg = cfg.withDefaults()

	s := &Stream{
		fp:           fp,
		sourceURL:    sourceURL,
		cfg:          cfg,
		adapter:      newAdapter(),
		state:        StreamStarting,
		createdAt:    time.Now(),
		attachCh:     make(chan *Session, 8),
		detachCh:     make(chan string, 8),
		stopCh:       make(chan struct{}),
		events:       make(chan sinkEvent, eventQueueDepth),
		sessions:     make(map[string]*Session),
		onTerminated: onTerminated,
		doneCh:       make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelPull = cancel

	go s.run()
	go s.pull(ctx)

	return s
}

func (s *Stream) pull(ctx context.Context) {
	sink := &adapterSink{events: s.events}
	err := s.adapter.Open(ctx, s.sourceURL, sink)
	if err != nil {
		log.Sugar.Warnf("stream %s: adapter open failed: %v", s.fp, err)
		sink.OnDone(err)
	}
}

// Fingerprint returns the Stream's registry key.
func (s *Stream) Fingerprint() Fingerprint { return s.fp }

// State returns the Stream's current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CreatedAt returns the Stream's creation time.
func (s *Stream) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// Attach delivers a session-join request to the fan-out loop. Callers
// must first confirm the Stream is not Draining/Terminated (the Hub
// does this under its registry guard), but that check and the actual
// hand-off race across goroutines: drainAll can begin the instant
// after the Hub's snapshot and run() may then commit to exiting
// without ever servicing attachCh again. Attach re-checks state under
// the same lock drainAll uses for its Draining transition, so the two
// can never interleave — either this call observes Running and its
// send is guaranteed to land before drainAll can start, or it observes
// Draining/Terminated and closes sess itself instead of queuing it
// into a mailbox nothing will ever drain.
func (s *Stream) Attach(sess *Session) {
	s.mu.Lock()
	state := s.state
	if state == StreamDraining || state == StreamTerminated {
		s.mu.Unlock()
		sess.Reject(CauseStreamEnded)
		return
	}

	select {
	case s.attachCh <- sess:
		s.mu.Unlock()
	case <-s.doneCh:
		s.mu.Unlock()
		sess.Reject(CauseStreamEnded)
	}
}

// Detach delivers a session-leave request to the fan-out loop.
func (s *Stream) Detach(sessionID string) {
	select {
	case s.detachCh <- sessionID:
	case <-s.doneCh:
	}
}

// Stop requests the Stream drain and terminate. Idempotent.
func (s *Stream) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Done reports when the fan-out loop has exited (state Terminated).
func (s *Stream) Done() <-chan struct{} { return s.doneCh }

// run is the Stream's single fan-out goroutine: the sole mutator of
// the viewer set and the sole caller of Session.Enqueue.
func (s *Stream) run() {
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()
	defer s.finish()

	for {
		select {
		case ev := <-s.events:
			s.handleSinkEvent(ev)
			if ev.kind == sinkDone {
				return
			}
		case sess := <-s.attachCh:
			s.handleAttach(sess)
		case id := <-s.detachCh:
			s.handleDetach(id)
		case <-s.stopCh:
			s.drainAll(CauseStreamEnded)
			return
		case <-ticker.C:
			if s.checkReap() {
				return
			}
		}
		s.reapDeadSessions()
		s.updateEmptySince()
		s.viewerCount.Store(int32(len(s.sessions)))
	}
}

func (s *Stream) handleSinkEvent(ev sinkEvent) {
	switch ev.kind {
	case sinkHeader:
		s.mu.Lock()
		s.header = ev.header
		s.state = StreamRunning
		s.mu.Unlock()

		for id, sess := range s.sessions {
			if sess.State() != SessionPending {
				continue
			}
			if sess.Enqueue(Chunk(ev.header)) == Enqueued {
				sess.MarkLive()
			} else {
				sess.Close(CauseSlowConsumer)
				delete(s.sessions, id)
			}
		}
	case sinkChunk:
		for id, sess := range s.sessions {
			if sess.State() != SessionLive {
				continue
			}
			if sess.Enqueue(ev.chunk) == Dropped && sess.ConsecutiveDrops() > s.cfg.DropThreshold {
				sess.Close(CauseSlowConsumer)
				delete(s.sessions, id)
			}
		}
	case sinkDone:
		cause := CauseStreamEnded
		if ev.err != nil {
			log.Sugar.Warnf("stream %s: encoder adapter ended: %v", s.fp, ev.err)
		}
		s.drainAll(cause)
	}
}

func (s *Stream) handleAttach(sess *Session) {
	s.sessions[sess.ID()] = sess

	s.mu.Lock()
	s.emptySince = time.Time{}
	header := s.header
	s.mu.Unlock()

	go sess.Pump()

	if header != nil {
		if sess.Enqueue(Chunk(header)) == Enqueued {
			sess.MarkLive()
		} else {
			sess.Close(CauseSlowConsumer)
			delete(s.sessions, sess.ID())
		}
	}
	// else: remains Pending until the header arrives.
}

func (s *Stream) handleDetach(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.Close(CauseClientDisconnect)
	delete(s.sessions, id)
}

// reapDeadSessions removes any session that left Pending/Live on its
// own (a Pump write failure), satisfying invariant 2: sessions in
// Closing/Closed are removed before the next fan-out tick.
func (s *Stream) reapDeadSessions() {
	for id, sess := range s.sessions {
		switch sess.State() {
		case SessionClosing, SessionClosed:
			sess.Close(sess.Cause())
			delete(s.sessions, id)
		}
	}
}

func (s *Stream) updateEmptySince() {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := len(s.sessions) == 0
	running := s.state == StreamRunning || s.state == StreamStarting
	if empty && running && s.emptySince.IsZero() {
		s.emptySince = time.Now()
	} else if !empty {
		s.emptySince = time.Time{}
	}
}

// checkReap re-checks emptiness under the same goroutine that mutates
// the viewer set, so it can never race a concurrent attach (spec.md
// §9's documented fix for the teacher-ancestor's checkChannel race).
// It reports whether it drained the Stream, so run() can return
// immediately rather than waiting on some later adapter event that
// the EncoderAdapter contract never guarantees will arrive.
func (s *Stream) checkReap() bool {
	s.mu.RLock()
	empty := len(s.sessions) == 0
	emptySince := s.emptySince
	idleGrace := s.cfg.IdleGrace
	s.mu.RUnlock()

	if !empty || emptySince.IsZero() {
		return false
	}
	if time.Since(emptySince) < idleGrace {
		return false
	}
	s.drainAll(CauseStreamEnded)
	return true
}

// drainAll transitions to Draining, stops the adapter, and closes
// every session; run returns right after calling it. It is safe to
// call more than once; only the first call has effect.
func (s *Stream) drainAll(cause CloseCause) {
	s.mu.Lock()
	if s.state == StreamDraining || s.state == StreamTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StreamDraining
	s.mu.Unlock()

	s.cancelPull()
	s.adapter.Stop()

	for id, sess := range s.sessions {
		sess.Close(cause)
		delete(s.sessions, id)
	}

	// Attach can commit a send into attachCh under s.mu in the instant
	// before this transition (see Attach's comment); run()'s select
	// can still pick this drainAll call over that pending item in the
	// same tick, and run() returns right after drainAll without
	// looping back to service attachCh again. Drain and reject any such
	// straggler now rather than leaving it queued forever: it never
	// reached handleAttach, so Pump never started for it either.
	for {
		select {
		case sess := <-s.attachCh:
			sess.Reject(cause)
		default:
			return
		}
	}
}

func (s *Stream) finish() {
	s.mu.Lock()
	s.state = StreamTerminated
	s.mu.Unlock()

	close(s.doneCh)
	if s.onTerminated != nil {
		s.onTerminated(s)
	}
}

// ViewerCount reports the current number of attached sessions. Safe
// to call from any goroutine; used by tests and diagnostics, not on
// the hot fan-out path.
func (s *Stream) ViewerCount() int {
	return int(s.viewerCount.Load())
}
