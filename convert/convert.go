// Package convert implements the relay's stateless file-conversion
// utilities: mp4-to-mp3, video-to-gif, and video-to-encrypted-HLS-zip.
// None of it shares state with the Stream Hub; every request gets its
// own temp directory and its own ffmpeg subprocess.
package convert

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zsqmw/video-relay/log"
)

// AuthCode gates the /api/video/key endpoint. Carried over verbatim
// from the system this relay replaces; changing it would break any
// already-issued encrypt.keyinfo file that still points at this
// process's key endpoint.
const AuthCode = "secret123"

// DefaultMaxUploadBytes is the fallback in-memory multipart limit used
// when Config doesn't set one.
const DefaultMaxUploadBytes = 512 << 20

// Config carries the filesystem root every conversion works under.
type Config struct {
	TempDir    string
	FFmpegPath string

	// MaxUploadBytes is the maxMemory argument every handler in this
	// package passes to ParseMultipartForm (set from relay.maxFrameSize):
	// up to that many bytes of the upload are held in memory and the
	// rest spills to temporary files. It does not limit the total
	// upload size. Zero means DefaultMaxUploadBytes.
	MaxUploadBytes int64
}

// DefaultConfig uses the OS temp directory and assumes ffmpeg is on PATH.
func DefaultConfig() Config {
	return Config{TempDir: os.TempDir(), FFmpegPath: "ffmpeg", MaxUploadBytes: DefaultMaxUploadBytes}
}

// maxUploadBytes returns c.MaxUploadBytes, or DefaultMaxUploadBytes if unset.
func (c Config) maxUploadBytes() int64 {
	if c.MaxUploadBytes <= 0 {
		return DefaultMaxUploadBytes
	}
	return c.MaxUploadBytes
}

func (c Config) ffmpeg() string {
	if c.FFmpegPath == "" {
		return "ffmpeg"
	}
	return c.FFmpegPath
}

// newTaskDir creates and returns a fresh per-request directory plus
// its task ID.
func newTaskDir(root, prefix string) (dir, taskID string, err error) {
	taskID = uuid.NewString()
	dir = filepath.Join(root, prefix+taskID)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	return dir, taskID, nil
}

func runFFmpeg(ctx context.Context, ffmpegPath string, args ...string) error {
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Sugar.Warnw("ffmpeg conversion failed", "err", err, "output", string(out))
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// ToMP3 extracts the audio track of srcPath into a standalone MP3 at
// outPath, grounded on AudioConvertService.convertToMp3Async.
func ToMP3(ctx context.Context, cfg Config, srcPath, outPath string) error {
	return runFFmpeg(ctx, cfg.ffmpeg(),
		"-y",
		"-i", srcPath,
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", "128k",
		outPath,
	)
}

// GIFRequest carries the trim window for a video-to-GIF conversion.
type GIFRequest struct {
	StartTime time.Duration
	EndTime   time.Duration
}

// MaxGIFDuration mirrors VideoConvertController's 10-second cap.
const MaxGIFDuration = 10 * time.Second

// Validate applies the same bounds VideoConvertController checks
// before invoking the converter.
func (r GIFRequest) Validate() error {
	if r.StartTime < 0 {
		return fmt.Errorf("startTime must be >= 0")
	}
	d := r.EndTime - r.StartTime
	if d <= 0 || d > MaxGIFDuration {
		return fmt.Errorf("clip duration must be in (0, %s], got %s", MaxGIFDuration, d)
	}
	return nil
}

// maxGIFWidth and gifFrameRate mirror convertToGifAsync's size/bitrate
// optimizations: downscale wide sources and cap the frame rate so the
// resulting GIF stays a reasonable size.
const (
	maxGIFWidth  = 640
	gifFrameRate = 12
)

// ToGIF converts the [StartTime, EndTime) window of srcPath into a
// GIF at outPath.
func ToGIF(ctx context.Context, cfg Config, srcPath, outPath string, req GIFRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	scaleFilter := fmt.Sprintf("scale='min(%d,iw)':-2:flags=lanczos,fps=%d", maxGIFWidth, gifFrameRate)

	return runFFmpeg(ctx, cfg.ffmpeg(),
		"-y",
		"-ss", fmt.Sprintf("%.3f", req.StartTime.Seconds()),
		"-i", srcPath,
		"-t", fmt.Sprintf("%.3f", (req.EndTime-req.StartTime).Seconds()),
		"-vf", scaleFilter,
		outPath,
	)
}

// HLSPackage is the result of ToEncryptedHLS: the zip of .ts+.m3u8
// segments, and the path of the AES-128 key left behind on disk for
// the key-server endpoint to serve.
type HLSPackage struct {
	TaskID  string
	ZipPath string
	KeyPath string
}

// ToEncryptedHLS transcodes srcPath into an AES-128-encrypted HLS
// playlist, packages the segments into a zip, and leaves the key file
// in workDir for KeyServer to serve. Grounded on
// VideoConvertService.convertToEncryptedM3u8ZipAsync.
func ToEncryptedHLS(ctx context.Context, cfg Config, srcPath, keyBaseURL string) (HLSPackage, error) {
	workDir, taskID, err := newTaskDir(cfg.TempDir, "vsm-")
	if err != nil {
		return HLSPackage{}, err
	}

	keyPath := filepath.Join(workDir, "video.key")
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return HLSPackage{}, err
	}
	if err := os.WriteFile(keyPath, keyBytes, 0o600); err != nil {
		return HLSPackage{}, err
	}

	keyInfoPath := filepath.Join(workDir, "encrypt.keyinfo")
	keyInfoContent := fmt.Sprintf("%s?taskId=%s&authCode=%s\n%s\n", keyBaseURL, taskID, AuthCode, keyPath)
	if err := os.WriteFile(keyInfoPath, []byte(keyInfoContent), 0o600); err != nil {
		return HLSPackage{}, err
	}

	m3u8Path := filepath.Join(workDir, "index.m3u8")
	if err := runFFmpeg(ctx, cfg.ffmpeg(),
		"-y",
		"-i", srcPath,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-pix_fmt", "yuv420p",
		"-hls_time", "60",
		"-hls_list_size", "0",
		"-hls_key_info_file", keyInfoPath,
		m3u8Path,
	); err != nil {
		return HLSPackage{}, err
	}

	zipPath := filepath.Join(workDir, "video_package.zip")
	if err := zipSegments(workDir, zipPath); err != nil {
		return HLSPackage{}, err
	}

	if err := cleanupWorkDir(workDir, keyPath, zipPath); err != nil {
		log.Sugar.Warnw("hls cleanup incomplete", "workDir", workDir, "err", err)
	}

	return HLSPackage{TaskID: taskID, ZipPath: zipPath, KeyPath: keyPath}, nil
}

// KeyServer reads back the key file for an earlier ToEncryptedHLS
// task, gated by AuthCode, matching getSecretKey's contract exactly.
func KeyServer(cfg Config, taskID, authCode string) ([]byte, error) {
	if authCode != AuthCode {
		return nil, ErrUnauthorized
	}
	keyPath := filepath.Join(cfg.TempDir, "vsm-"+taskID, "video.key")
	return os.ReadFile(keyPath)
}

// ErrUnauthorized is returned by KeyServer when authCode doesn't match.
var ErrUnauthorized = fmt.Errorf("convert: unauthorized")
