package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap/zapcore"

	"github.com/zsqmw/video-relay/log"
	"github.com/zsqmw/video-relay/rtsp"
	"github.com/zsqmw/video-relay/stream"
)

func main() {
	cfg := NewDefaultAppConfig()

	if err := loadConfigFile(&cfg, configFileFlag()); err != nil {
		panic(err)
	}
	applyEnv(&cfg)

	disabled, enabled := readRunArgs()
	applyArgs(&cfg, disabled, enabled)

	log.InitLogger(zapcore.Level(cfg.Log.Level), cfg.Log.Name, cfg.Log.MaxSize, cfg.Log.MaxBackup, cfg.Log.MaxAge, cfg.Log.Compress)
	if cfg.SpringProfilesActive != "" {
		log.Sugar.Infof("active profile: %s (opaque to the relay core)", cfg.SpringProfilesActive)
	}

	factory := rtsp.NewAdapter(cfg.Relay.adapterConfig())
	hub := stream.NewHub(factory, cfg.Relay.hubConfig())

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Relay.Port)
	go startApiServer(addr, hub, cfg)

	log.Sugar.Infof("relay started, listening on %s", addr)
	waitForShutdown(hub)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains every
// registered Stream before the process exits.
func waitForShutdown(hub *stream.Hub) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Sugar.Info("shutting down, draining active streams")
	hub.Shutdown()
}
