package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zsqmw/video-relay/flv"
	"github.com/zsqmw/video-relay/log"
	"github.com/zsqmw/video-relay/stream"
)

// Config carries the relay.adapter.* tunables that shape the ffmpeg
// invocation: RTSP-over-TCP pull timeouts and the zero-latency H.264
// encode settings.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	AnalyzeTimeout time.Duration
	TargetFPS      int
	GOPSize        int
	FFmpegPath     string
	FFprobePath    string
}

// probeBufferBytes mirrors spec.md §4.1's fixed 10MB probe buffer.
const probeBufferBytes = 10 << 20

// DefaultConfig mirrors TransferToFlv's grabber/recorder parameters.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    15 * time.Second,
		AnalyzeTimeout: 10 * time.Second,
		TargetFPS:      25,
		GOPSize:        25,
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
	}
}

func (c Config) ffprobe() string {
	if c.FFprobePath == "" {
		return "ffprobe"
	}
	return c.FFprobePath
}

// Adapter is the stream.EncoderAdapter that pulls an RTSP source over
// TCP via an ffmpeg subprocess and re-encodes it into a live FLV byte
// stream, exactly the role TransferToFlv plays for the relay: connect,
// encode H.264/AAC with a one-second GOP and no B-frames, and forward
// the resulting FLV tags as they're produced.
type Adapter struct {
	cfg Config

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopped  bool
	pumpDone chan struct{} // closed by pump(), once, after its final Sink call
}

// NewAdapter returns an AdapterFactory bound to cfg, suitable for
// stream.NewHub.
func NewAdapter(cfg Config) stream.AdapterFactory {
	return func() stream.EncoderAdapter {
		return &Adapter{cfg: cfg}
	}
}

// Open starts the ffmpeg subprocess, blocks until the container
// header and at least one payload chunk have been read, then
// continues delivering chunks to sink from a background goroutine
// until ctx is cancelled, Stop is called, or the subprocess exits.
func (a *Adapter) Open(ctx context.Context, url string, sink stream.Sink) error {
	hasAudio := a.probeHasAudio(ctx, url)
	args := a.ffmpegArgs(url, hasAudio)

	cmd := exec.CommandContext(ctx, a.cfg.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", stream.ErrSourceUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", stream.ErrSourceUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrSourceUnavailable, err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.pumpDone = make(chan struct{})
	a.mu.Unlock()

	go drainStderr(stderr)

	reader := flv.NewTagReader(stdout)

	header, err := reader.ReadHeader()
	if err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("%w: %v", stream.ErrSourceUnavailable, err)
	}

	chunk, err := reader.ReadChunk()
	if err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("%w: %v", stream.ErrEncoderFailure, err)
	}

	sink.OnHeader(stream.Header(header))
	sink.OnChunk(stream.Chunk(chunk))

	go a.pump(cmd, reader, sink)

	return nil
}

// pump is the sole caller of cmd.Wait for this Adapter: calling Wait
// from more than one goroutine races on cmd's internal ProcessState,
// and Stop used to spawn its own Wait call concurrently with this one.
// Closing pumpDone is deferred so it only happens after pump's own
// (possibly terminal) Sink call has returned, letting Stop block on
// pumpDone instead of re-deriving process exit itself.
func (a *Adapter) pump(cmd *exec.Cmd, reader *flv.TagReader, sink stream.Sink) {
	defer close(a.pumpDone)

	var err error
	for {
		var chunk []byte
		chunk, err = reader.ReadChunk()
		if err != nil {
			break
		}
		sink.OnChunk(stream.Chunk(chunk))
	}

	waitErr := cmd.Wait()

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()

	if stopped {
		sink.OnDone(nil)
		return
	}
	if err == io.EOF {
		sink.OnDone(fmt.Errorf("%w: upstream ended", stream.ErrEncoderFailure))
		return
	}
	if waitErr != nil {
		sink.OnDone(fmt.Errorf("%w: %v", stream.ErrEncoderFailure, waitErr))
		return
	}
	sink.OnDone(fmt.Errorf("%w: %v", stream.ErrEncoderFailure, err))
}

// Stop is idempotent. It signals the subprocess to exit and blocks
// until pump has observed that exit and made its final Sink call, so
// that (per the EncoderAdapter contract) no Sink call happens after
// Stop returns. SIGTERM gets a 5s budget; if the process is still
// alive after that it is force-killed, with one more short grace
// window for pump to notice and return.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	cmd := a.cmd
	pumpDone := a.pumpDone
	a.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-pumpDone:
		return
	case <-time.After(5 * time.Second):
	}

	_ = cmd.Process.Kill()

	select {
	case <-pumpDone:
	case <-time.After(1 * time.Second):
	}
}

// probeHasAudio mirrors createRecorderSafely's grabber.getAudioChannels()
// check: it inspects the source's stream layout before the encoder is
// configured, so the audio codec can be gated on whether an audio
// track actually exists (spec.md §4.1: "AAC iff upstream had an audio
// track, else audio disabled"). A probe failure is treated the same as
// "no audio" rather than failing Open outright — the source itself is
// still validated when the real ffmpeg invocation opens it.
func (a *Adapter) probeHasAudio(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout+a.cfg.AnalyzeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, a.cfg.ffprobe(),
		"-v", "error",
		"-rtsp_transport", "tcp",
		"-stimeout", fmt.Sprintf("%d", a.cfg.ConnectTimeout.Microseconds()),
		"-analyzeduration", fmt.Sprintf("%d", a.cfg.AnalyzeTimeout.Microseconds()),
		"-probesize", fmt.Sprintf("%d", probeBufferBytes),
		"-i", url,
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
	)
	out, err := cmd.Output()
	if err != nil {
		log.Sugar.Warnf("rtsp: audio probe failed for %s, assuming no audio track: %v", url, err)
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

func (a *Adapter) ffmpegArgs(url string, hasAudio bool) []string {
	// -stimeout bounds both connect and read stalls on the RTSP socket;
	// whichever of the connect and read timeouts is tighter wins.
	socketTimeout := a.cfg.ConnectTimeout
	if a.cfg.ReadTimeout > 0 && a.cfg.ReadTimeout < socketTimeout {
		socketTimeout = a.cfg.ReadTimeout
	}

	args := []string{
		"-rtsp_transport", "tcp",
		"-stimeout", fmt.Sprintf("%d", socketTimeout.Microseconds()),
		"-analyzeduration", fmt.Sprintf("%d", a.cfg.AnalyzeTimeout.Microseconds()),
		"-probesize", fmt.Sprintf("%d", probeBufferBytes),
		"-i", url,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-bf", "0",
		"-g", fmt.Sprintf("%d", a.cfg.GOPSize),
		"-keyint_min", fmt.Sprintf("%d", a.cfg.GOPSize),
		"-r", fmt.Sprintf("%d", a.cfg.TargetFPS),
	}

	// setRecorderParams only calls r.setAudioCodec when
	// r.getAudioChannels() > 0; -an disables audio entirely rather than
	// leaving ffmpeg to guess from a source with no audio stream.
	if hasAudio {
		args = append(args, "-c:a", "aac")
	} else {
		args = append(args, "-an")
	}

	return append(args,
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		"pipe:1",
	)
}

func drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Sugar.Debugw("ffmpeg", "line", sc.Text())
	}
}
