// Package log implements structured logging using slog.
//
// Logs never go to stdout: stdout carries the record stream.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/lossmon/internal/config"
)

var (
	mu       sync.Mutex
	rotating *lumberjack.Logger
)

// Init initializes the global logger based on configuration.
func Init(cfg config.LogConfig) error {
	return initTo(os.Stderr, cfg)
}

func initTo(stderr io.Writer, cfg config.LogConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	writers := []io.Writer{stderr}

	var file *lumberjack.Logger
	if cfg.File.Enabled {
		file, err = createFileWriter(cfg.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, file)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text", "":
		handler = slog.NewTextHandler(out, opts)
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	mu.Lock()
	prev := rotating
	rotating = file
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Close releases the rotating log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotating == nil {
		return nil
	}
	err := rotating.Close()
	rotating = nil
	return err
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
