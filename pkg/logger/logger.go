package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger initializes the zerolog logger with JSON output to stdout.
// It sets the log level based on the provided string (e.g., "info", "debug", "error").
func InitLogger(logLevel string) {
	setup(os.Stdout, logLevel)
}

// Init is InitLogger plus an optional rotating log file. When cfg.File is
// set, every line goes to both stdout and the file. The returned closer
// releases the file and is never nil.
func Init(logLevel string, cfg config.LogConfig) (io.Closer, error) {
	if cfg.File == "" {
		InitLogger(logLevel)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	setup(zerolog.MultiLevelWriter(os.Stdout, rotating), logLevel)
	return rotating, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func setup(w io.Writer, logLevel string) {
	log.Logger = zerolog.New(w).With().Timestamp().Logger()

	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // Default to info if invalid
	}

	log.Info().Msgf("Logger initialized with level: %s", zerolog.GlobalLevel().String())
}
