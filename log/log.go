package log

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sugar discards every entry until InitLogger replaces it.
var Sugar = zap.NewNop().Sugar()

// InitLogger wires a zap logger that writes to both stdout and a
// rotating file managed by lumberjack. Safe to call more than once;
// the last call wins.
//
// @name      log file name, may include a directory path
// @maxSize   max size of a single log file, in megabytes
// @maxBackup max number of rotated files to keep
// @maxAge    max number of days to keep rotated files
func InitLogger(level zapcore.LevelEnabler, name string, maxSize, maxBackup, maxAge int, compress bool) {
	encoder := getEncoder()

	sinks := []zapcore.Core{
		zapcore.NewCore(encoder, getLogWriter(name, maxSize, maxBackup, maxAge, compress), level),
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level),
	}

	logger := zap.New(zapcore.NewTee(sinks...), zap.AddCaller())
	Sugar = logger.Sugar()
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func getLogWriter(name string, maxSize, maxBackup, maxAge int, compress bool) zapcore.WriteSyncer {
	lumberJackLogger := &lumberjack.Logger{
		Filename:   name,
		MaxSize:    maxSize,
		MaxBackups: maxBackup,
		MaxAge:     maxAge,
		Compress:   compress,
	}
	return zapcore.AddSync(lumberJackLogger)
}
