package stream

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAdapter is a test double for EncoderAdapter whose Open call
// returns immediately and hands the test its Sink, so the test can
// drive Header/Chunk/Done events on its own schedule.
type fakeAdapter struct {
	openErr error
	ready   chan struct{}
	sink    Sink
	stops   atomic.Int32

	// stopStarted/unblockStop let a test hold Stop open for as long as
	// it needs, reproducing the real rtsp.Adapter.Stop()'s multi-second
	// SIGTERM-then-kill window instead of the default instantaneous
	// return.
	stopStarted chan struct{}
	unblockStop chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{ready: make(chan struct{})}
}

func (a *fakeAdapter) Open(ctx context.Context, url string, sink Sink) error {
	if a.openErr != nil {
		return a.openErr
	}
	a.sink = sink
	close(a.ready)
	return nil
}

func (a *fakeAdapter) Stop() {
	a.stops.Add(1)
	if a.stopStarted != nil {
		close(a.stopStarted)
	}
	if a.unblockStop != nil {
		<-a.unblockStop
	}
}

func (a *fakeAdapter) awaitReady(t *testing.T) {
	t.Helper()
	select {
	case <-a.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter never became ready")
	}
}

func newTestStream(t *testing.T, cfg StreamConfig) (*Stream, *fakeAdapter, chan *Stream) {
	t.Helper()
	adapter := newFakeAdapter()
	terminated := make(chan *Stream, 1)
	st := NewStream("fp", "rtsp://src/1", func() EncoderAdapter { return adapter }, cfg, func(s *Stream) {
		terminated <- s
	})
	adapter.awaitReady(t)
	return st, adapter, terminated
}

func pipeSession(t *testing.T, capacity int) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	return NewSession(server, capacity), client
}

func readN(t *testing.T, c net.Conn, n int, timeout time.Duration) []byte {
	t.Helper()
	buf := make([]byte, n)
	c.SetReadDeadline(time.Now().Add(timeout))
	if _, err := readFull(c, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

// readChunk reads one HTTP/1.1 chunked-transfer-coding frame off c
// (hex length, CRLF, payload, CRLF) and returns the unwrapped payload,
// mirroring the framing Session.write applies to every hijacked write.
func readChunk(t *testing.T, c net.Conn, timeout time.Duration) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(timeout))

	sizeLine := readLine(t, c)
	size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
	if err != nil {
		t.Fatalf("bad chunk size line %q: %v", sizeLine, err)
	}

	payload := readN(t, c, int(size), timeout)
	readN(t, c, 2, timeout) // trailing CRLF
	return payload
}

func readLine(t *testing.T, c net.Conn) string {
	t.Helper()
	var line []byte
	one := make([]byte, 1)
	for {
		if _, err := readFull(c, one); err != nil {
			t.Fatalf("read chunk size line: %v", err)
		}
		line = append(line, one[0])
		if len(line) >= 2 && line[len(line)-2] == '\r' && line[len(line)-1] == '\n' {
			return string(line[:len(line)-2])
		}
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestStreamSingleViewerReceivesHeaderThenChunksInOrder(t *testing.T) {
	st, adapter, _ := newTestStream(t, StreamConfig{})
	defer st.Stop()

	sess, client := pipeSession(t, 8)
	defer client.Close()

	st.Attach(sess)

	adapter.sink.OnHeader(Header("HDR"))
	adapter.sink.OnChunk(Chunk("P1"))
	adapter.sink.OnChunk(Chunk("P2"))

	if got := string(readChunk(t, client, time.Second)); got != "HDR" {
		t.Fatalf("first bytes = %q, want HDR", got)
	}
	if got := string(readChunk(t, client, time.Second)); got != "P1" {
		t.Fatalf("second write = %q, want P1", got)
	}
	if got := string(readChunk(t, client, time.Second)); got != "P2" {
		t.Fatalf("third write = %q, want P2", got)
	}
}

func TestStreamReuseOneAdapterTwoViewers(t *testing.T) {
	st, adapter, _ := newTestStream(t, StreamConfig{})
	defer st.Stop()

	a, aConn := pipeSession(t, 8)
	defer aConn.Close()
	st.Attach(a)

	adapter.sink.OnHeader(Header("HDR"))
	adapter.sink.OnChunk(Chunk("P1"))
	readChunk(t, aConn, time.Second) // HDR
	readChunk(t, aConn, time.Second) // P1

	b, bConn := pipeSession(t, 8)
	defer bConn.Close()
	st.Attach(b)

	if got := string(readChunk(t, bConn, time.Second)); got != "HDR" {
		t.Fatalf("late joiner first bytes = %q, want HDR", got)
	}

	adapter.sink.OnChunk(Chunk("P2"))

	if got := string(readChunk(t, aConn, time.Second)); got != "P2" {
		t.Fatalf("A did not get P2: %q", got)
	}
	if got := string(readChunk(t, bConn, time.Second)); got != "P2" {
		t.Fatalf("B did not get P2: %q", got)
	}
}

func TestStreamReaperTerminatesIdleStream(t *testing.T) {
	cfg := StreamConfig{ReaperInterval: 10 * time.Millisecond, IdleGrace: 20 * time.Millisecond}
	st, adapter, terminated := newTestStream(t, cfg)

	sess, conn := pipeSession(t, 8)
	st.Attach(sess)
	adapter.sink.OnHeader(Header("HDR"))
	readChunk(t, conn, time.Second)

	st.Detach(sess.ID())
	conn.Close()

	select {
	case got := <-terminated:
		if got != st {
			t.Fatal("terminated callback fired for wrong Stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper never terminated idle stream")
	}

	if adapter.stops.Load() != 1 {
		t.Fatalf("adapter.Stop() calls = %d, want 1", adapter.stops.Load())
	}
	if st.State() != StreamTerminated {
		t.Fatalf("state = %v, want Terminated", st.State())
	}
}

func TestStreamAttachDuringReaperWindowStaysRunning(t *testing.T) {
	cfg := StreamConfig{ReaperInterval: 10 * time.Millisecond, IdleGrace: 100 * time.Millisecond}
	st, adapter, terminated := newTestStream(t, cfg)
	defer st.Stop()

	a, aConn := pipeSession(t, 8)
	st.Attach(a)
	adapter.sink.OnHeader(Header("HDR"))
	readChunk(t, aConn, time.Second)
	st.Detach(a.ID())
	aConn.Close()

	time.Sleep(20 * time.Millisecond) // inside the grace window

	b, bConn := pipeSession(t, 8)
	defer bConn.Close()
	st.Attach(b)
	if got := string(readChunk(t, bConn, time.Second)); got != "HDR" {
		t.Fatalf("C's first bytes = %q, want HDR", got)
	}

	select {
	case <-terminated:
		t.Fatal("stream terminated despite a live viewer")
	case <-time.After(150 * time.Millisecond):
	}
	if st.State() != StreamRunning {
		t.Fatalf("state = %v, want Running", st.State())
	}
}

func TestStreamDropOnOverflowClosesOnlySlowSession(t *testing.T) {
	cfg := StreamConfig{DropThreshold: 3, QueueCapacity: 1}
	st, adapter, _ := newTestStream(t, cfg)
	defer st.Stop()

	slow, slowConn := pipeSession(t, 1)
	defer slowConn.Close()
	fast, fastConn := pipeSession(t, 64)
	defer fastConn.Close()

	st.Attach(slow)
	st.Attach(fast)

	adapter.sink.OnHeader(Header("HDR"))
	readChunk(t, slowConn, time.Second)
	readChunk(t, fastConn, time.Second)

	// slowConn never reads again: its queue (capacity 1) fills and
	// every subsequent chunk is dropped until the threshold trips.
	for i := 0; i < 10; i++ {
		adapter.sink.OnChunk(Chunk("X"))
		if got := string(readChunk(t, fastConn, time.Second)); got != "X" {
			t.Fatalf("fast session lost a chunk: %q", got)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if slow.State() == SessionClosing || slow.State() == SessionClosed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := slow.State(); st != SessionClosing && st != SessionClosed {
		t.Fatalf("slow session state = %v, want Closing/Closed", st)
	}
	if fast.State() != SessionLive {
		t.Fatalf("fast session state = %v, want Live", fast.State())
	}
}

func TestStreamEncoderFailureClosesAllSessions(t *testing.T) {
	st, adapter, terminated := newTestStream(t, StreamConfig{})

	sess, conn := pipeSession(t, 8)
	defer conn.Close()
	st.Attach(sess)

	adapter.sink.OnHeader(Header("HDR"))
	readChunk(t, conn, time.Second)

	adapter.sink.OnDone(ErrEncoderFailure)

	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never terminated after encoder failure")
	}

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was never closed after encoder failure")
	}
}

// TestStreamAttachDuringDrainIsRejectedNotStuck reproduces the window
// the real rtsp.Adapter.Stop() opens (several seconds of SIGTERM/kill)
// during which run() has already committed to draining and will never
// service attachCh again. A fakeAdapter.Stop() that blocks until
// released stands in for that window; unlike
// TestStreamAttachDuringReaperWindowStaysRunning, Stop() here does not
// return immediately, so a naive unconditional send into attachCh
// would hang the attaching viewer forever.
func TestStreamAttachDuringDrainIsRejectedNotStuck(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.stopStarted = make(chan struct{})
	adapter.unblockStop = make(chan struct{})

	terminated := make(chan *Stream, 1)
	st := NewStream("fp", "rtsp://src/1", func() EncoderAdapter { return adapter }, StreamConfig{}, func(s *Stream) {
		terminated <- s
	})
	adapter.awaitReady(t)

	st.Stop()

	select {
	case <-adapter.stopStarted:
	case <-time.After(time.Second):
		t.Fatal("adapter.Stop was never invoked")
	}

	// The Stream is now Draining and stuck inside adapter.Stop(); a
	// concurrent attach must not be left queued in a mailbox nothing
	// will ever service again.
	sess, conn := pipeSession(t, 8)
	defer conn.Close()
	st.Attach(sess)

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session attached during drain was never closed")
	}
	if sess.Cause() != CauseStreamEnded {
		t.Fatalf("cause = %v, want CauseStreamEnded", sess.Cause())
	}

	close(adapter.unblockStop)

	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never terminated")
	}
}

func TestStreamStopIsIdempotent(t *testing.T) {
	st, _, terminated := newTestStream(t, StreamConfig{})
	st.Stop()
	st.Stop() // must not panic or double-close stopCh

	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never terminated after Stop")
	}
}
