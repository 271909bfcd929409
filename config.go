package main

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/zsqmw/video-relay/convert"
	"github.com/zsqmw/video-relay/rtsp"
	"github.com/zsqmw/video-relay/stream"
)

var errInvalidInt = errors.New("not a positive integer")

// RelayConfig binds every key spec.md §6.2 enumerates under the
// relay.* namespace.
type RelayConfig struct {
	Port           int `json:"port"`
	WorkerThreads  int `json:"workerThreads"`
	MaxConnections int `json:"maxConnections"`
	MaxFrameSize   int `json:"maxFrameSize"`
	IdleGraceSecs  int `json:"idleGraceSeconds"`

	Session struct {
		QueueCapacity int `json:"queueCapacity"`
	} `json:"session"`

	Adapter struct {
		ConnectTimeoutMs int `json:"connectTimeoutMs"`
		ReadTimeoutMs    int `json:"readTimeoutMs"`
		AnalyzeTimeoutMs int `json:"analyzeTimeoutMs"`
		TargetFPS        int `json:"targetFps"`
		GOPSize          int `json:"gopSize"`
	} `json:"adapter"`
}

// LogConfig mirrors the teacher's stream.LogConfig shape.
type LogConfig struct {
	Level     int    `json:"level"`
	Name      string `json:"name"`
	MaxSize   int    `json:"maxSize"`
	MaxBackup int    `json:"maxBackup"`
	MaxAge    int    `json:"maxAge"`
	Compress  bool   `json:"compress"`
}

// ConvertConfig binds the file-conversion endpoints' working directory.
type ConvertConfig struct {
	TempDir    string `json:"tempDir"`
	FFmpegPath string `json:"ffmpegPath"`
	KeyBaseURL string `json:"keyBaseUrl"`
}

// AppConfig is the process-wide configuration, loaded by
// NewDefaultAppConfig and overridable by a JSON file, environment
// variables, and CLI flags, in that order, teacher-pattern
// (stream/config.go's per-protocol config structs, generalized here
// since this relay has only one protocol surface).
type AppConfig struct {
	Relay   RelayConfig   `json:"relay"`
	Log     LogConfig     `json:"log"`
	Convert ConvertConfig `json:"convert"`

	// SpringProfilesActive is accepted for parity with the process
	// this relay replaces but is not consulted by the core; stored
	// only so it shows up in startup logs.
	SpringProfilesActive string `json:"-"`
}

// NewDefaultAppConfig returns the relay's built-in defaults, teacher
// pattern (main.go's NewDefaultAppConfig).
func NewDefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Relay: RelayConfig{
			Port:           8888,
			WorkerThreads:  4,
			MaxConnections: 0, // 0 == unbounded
			MaxFrameSize:   1 << 20,
			IdleGraceSecs:  10,
		},
		Log: LogConfig{
			Level:     int(zapcore.InfoLevel),
			Name:      "./logs/relay.log",
			MaxSize:   10,
			MaxBackup: 100,
			MaxAge:    7,
			Compress:  false,
		},
		Convert: ConvertConfig{
			TempDir:    os.TempDir(),
			FFmpegPath: "ffmpeg",
			KeyBaseURL: "http://localhost:8888/api/video/key",
		},
	}
	cfg.Relay.Session.QueueCapacity = stream.DefaultQueueCapacity
	cfg.Relay.Adapter.ConnectTimeoutMs = 10000
	cfg.Relay.Adapter.ReadTimeoutMs = 15000
	cfg.Relay.Adapter.AnalyzeTimeoutMs = 10000
	cfg.Relay.Adapter.TargetFPS = 25
	cfg.Relay.Adapter.GOPSize = 25
	return cfg
}

// loadConfigFile merges a JSON config file on top of cfg's defaults,
// if path is non-empty. A missing file is not an error: it's the
// same "no file, defaults stand" behavior the teacher's own
// NewDefaultAppConfig has today.
func loadConfigFile(cfg *AppConfig, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// applyEnv overlays the two process-level settings spec.md §6.2 names
// explicitly.
func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("NETTY_PORT"); v != "" {
		if port, err := parsePositiveInt(v); err == nil {
			cfg.Relay.Port = port
		}
	}
	cfg.SpringProfilesActive = os.Getenv("SPRING_PROFILES_ACTIVE")
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errInvalidInt
	}
	return n, nil
}

func (c RelayConfig) hubConfig() stream.HubConfig {
	return stream.NewHubConfigFromRelay(
		c.Session.QueueCapacity,
		c.MaxConnections,
		stream.DefaultDropThreshold,
		time.Duration(c.IdleGraceSecs)*time.Second,
	)
}

func (c RelayConfig) adapterConfig() rtsp.Config {
	return rtsp.Config{
		ConnectTimeout: time.Duration(c.Adapter.ConnectTimeoutMs) * time.Millisecond,
		ReadTimeout:    time.Duration(c.Adapter.ReadTimeoutMs) * time.Millisecond,
		AnalyzeTimeout: time.Duration(c.Adapter.AnalyzeTimeoutMs) * time.Millisecond,
		TargetFPS:      c.Adapter.TargetFPS,
		GOPSize:        c.Adapter.GOPSize,
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
	}
}

func (c ConvertConfig) convertConfig(maxFrameSize int) convert.Config {
	return convert.Config{TempDir: c.TempDir, FFmpegPath: c.FFmpegPath, MaxUploadBytes: int64(maxFrameSize)}
}
