package stream

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState mirrors the lifecycle in spec.md §3: a session is
// always Pending or Live while attached to a Stream's viewer set, and
// moves to Closing/Closed on its way out.
type SessionState int32

const (
	SessionPending SessionState = iota
	SessionLive
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionLive:
		return "live"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseCause records why a Session left the viewer set.
type CloseCause string

const (
	CauseClientDisconnect CloseCause = "client_disconnect"
	CauseSlowConsumer     CloseCause = "slow_consumer"
	CauseStreamEnded      CloseCause = "stream_ended"
)

// EnqueueResult is the outcome of a non-blocking enqueue attempt.
type EnqueueResult int

const (
	Enqueued EnqueueResult = iota
	Dropped
)

const (
	// DefaultQueueCapacity is relay.session.queueCapacity's default,
	// expressed as a chunk count, not a byte count.
	DefaultQueueCapacity = 64

	// DefaultDropThreshold is the consecutive-drop count past which
	// the fan-out loop closes a session as a SlowConsumer.
	DefaultDropThreshold = 50

	// writeDeadline bounds a single chunk write; exceeding it is
	// treated as persistent unwritability.
	writeDeadline = 5 * time.Second
)

// Session is one connected HTTP viewer of a Stream: a writer handle
// bound at attach time, a bounded outbound queue, and liveness state.
// It owns its writer handle and its queue; nothing outside the owning
// Stream holds a reference that outlives the Stream.
type Session struct {
	id   string
	conn net.Conn

	state          atomic.Int32
	consecDrops    atomic.Int32
	lastProgressAt atomic.Int64 // unix nanos

	queue     chan Chunk
	closed    chan struct{}
	closeOnce sync.Once

	causeMu sync.Mutex
	cause   CloseCause
}

// NewSession constructs a Pending session bound to conn, with a
// queue of the given capacity (DefaultQueueCapacity if <= 0).
func NewSession(conn net.Conn, queueCapacity int) *Session {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}

	s := &Session{
		id:     uuid.NewString(),
		conn:   conn,
		queue:  make(chan Chunk, queueCapacity),
		closed: make(chan struct{}),
	}
	s.state.Store(int32(SessionPending))
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

func (s *Session) touch() {
	s.lastProgressAt.Store(time.Now().UnixNano())
}

// LastProgressAt returns the wall-clock time of the session's last
// successful write (or of its creation, before any write).
func (s *Session) LastProgressAt() time.Time {
	return time.Unix(0, s.lastProgressAt.Load())
}

// ConsecutiveDrops returns the number of back-to-back Dropped results
// since the last successful enqueue.
func (s *Session) ConsecutiveDrops() int {
	return int(s.consecDrops.Load())
}

// Enqueue is non-blocking. If the outbound queue has room, the chunk
// is appended and Enqueued is returned. Otherwise the chunk is
// discarded for this session only (drop-on-overflow) and Dropped is
// returned; the queue and the writer are left untouched.
func (s *Session) Enqueue(c Chunk) EnqueueResult {
	select {
	case s.queue <- c:
		s.consecDrops.Store(0)
		return Enqueued
	default:
		s.consecDrops.Add(1)
		return Dropped
	}
}

// MarkLive transitions a Pending session to Live. Called by the
// owning Stream after it has successfully enqueued the header.
func (s *Session) MarkLive() {
	s.setState(SessionLive)
}

// Pump drains the outbound queue to the session's writer until the
// queue is closed or a write fails. It is the only goroutine that
// ever touches the writer. Exactly one Pump runs per session, started
// by the owning Stream on attach; it never blocks the fan-out loop,
// which only ever enqueues without waiting on Pump.
func (s *Session) Pump() {
	defer func() {
		s.setState(SessionClosed)
		_ = s.conn.Close()
		close(s.closed)
	}()

	for chunk := range s.queue {
		if err := s.write(chunk); err != nil {
			if isTimeout(err) {
				s.markFailed(CauseSlowConsumer)
			} else {
				s.markFailed(CauseClientDisconnect)
			}
			return
		}
		s.touch()
	}
}

// write sends one chunk framed as HTTP/1.1 chunked transfer coding:
// the front door hijacks the connection to stream indefinitely
// (api.go's writePreamble advertises Transfer-Encoding: chunked), so
// net/http's own chunked encoder never runs and every write here must
// carry its own hex-length/CRLF framing, mirroring the teacher's
// http-flv writeSeparator.
func (s *Session) write(b []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}

	frame := make([]byte, 0, len(b)+16)
	frame = append(frame, fmt.Sprintf("%x\r\n", len(b))...)
	frame = append(frame, b...)
	frame = append(frame, '\r', '\n')

	_, err := s.conn.Write(frame)
	return err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// markFailed records a write-path failure without touching the queue
// (Pump is the queue's sole reader and is about to return; closing
// the queue here would race with Close closing it too).
func (s *Session) markFailed(cause CloseCause) {
	s.causeMu.Lock()
	if s.cause == "" {
		s.cause = cause
	}
	s.causeMu.Unlock()

	if st := s.State(); st == SessionPending || st == SessionLive {
		s.setState(SessionClosing)
	}
}

// Close is idempotent and non-blocking: it marks the session Closing
// (unless already terminal) and closes the outbound queue, which lets
// Pump drain whatever is already buffered and exit on its own.
// Callers that need to know Pump has fully exited should wait on Done.
func (s *Session) Close(cause CloseCause) {
	s.closeOnce.Do(func() {
		s.causeMu.Lock()
		if s.cause == "" {
			s.cause = cause
		}
		s.causeMu.Unlock()

		if st := s.State(); st == SessionPending || st == SessionLive {
			s.setState(SessionClosing)
		}
		close(s.queue)
	})
}

// Reject closes a session that was never handed to a Stream's fan-out
// loop for attachment, so Pump never started and never will: Close
// alone would leave Done blocked forever, since nothing else closes
// the writer or the done channel. Reject does both directly.
func (s *Session) Reject(cause CloseCause) {
	s.closeOnce.Do(func() {
		s.causeMu.Lock()
		if s.cause == "" {
			s.cause = cause
		}
		s.causeMu.Unlock()

		s.setState(SessionClosed)
		close(s.queue)
		_ = s.conn.Close()
		close(s.closed)
	})
}

// Done reports when Pump has fully exited and the writer is closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Cause reports why the session left the viewer set. Only meaningful
// once State() is Closing or Closed.
func (s *Session) Cause() CloseCause {
	s.causeMu.Lock()
	defer s.causeMu.Unlock()
	return s.cause
}
