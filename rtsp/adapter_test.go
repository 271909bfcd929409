package rtsp

import (
	"strings"
	"testing"
	"time"
)

func TestFfmpegArgsCarriesTimeoutsAndEncodeTuning(t *testing.T) {
	a := &Adapter{cfg: Config{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    15 * time.Second,
		AnalyzeTimeout: 10 * time.Second,
		TargetFPS:      25,
		GOPSize:        25,
	}}
	args := a.ffmpegArgs("rtsp://src/1", true)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-rtsp_transport tcp",
		"-stimeout 10000000",
		"-analyzeduration 10000000",
		"-probesize 10485760",
		"-i rtsp://src/1",
		"-c:v libx264",
		"-pix_fmt yuv420p",
		"-bf 0",
		"-g 25",
		"-keyint_min 25",
		"-r 25",
		"-c:a aac",
		"-f flv",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("ffmpeg args missing %q, got: %s", want, joined)
		}
	}
}

func TestFfmpegArgsDisablesAudioWhenSourceHasNone(t *testing.T) {
	a := &Adapter{cfg: Config{ConnectTimeout: 10 * time.Second, TargetFPS: 25, GOPSize: 25}}
	args := a.ffmpegArgs("rtsp://src/1", false)
	joined := strings.Join(args, " ")

	if strings.Contains(joined, "-c:a") {
		t.Fatalf("expected no -c:a when source has no audio track, got: %s", joined)
	}
	if !strings.Contains(joined, "-an") {
		t.Fatalf("expected -an when source has no audio track, got: %s", joined)
	}
}

func TestFfmpegArgsSocketTimeoutIsTighterOfConnectAndRead(t *testing.T) {
	a := &Adapter{cfg: Config{ConnectTimeout: 5 * time.Second, ReadTimeout: 2 * time.Second}}
	args := a.ffmpegArgs("rtsp://src/1", true)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-stimeout 2000000") {
		t.Fatalf("expected the tighter (read) timeout to win, got: %s", joined)
	}
}

func TestStopWithoutOpenIsSafe(t *testing.T) {
	a := &Adapter{}
	a.Stop()
	a.Stop() // idempotent even when no process was ever started
}
