package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Global variable to track the rotating writer for proper cleanup
var activeRotatingWriter *DailyRotatingWriter

// Setup configures the root zerolog logger. Logs go to stdout (console format)
// and to a daily-rotating file under logDir. If the file sink cannot be
// created, logging falls back to stdout only.
func Setup(level string, logDir string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	var out io.Writer = console
	if logDir != "" {
		if fileWriter, err := newFileSink(logDir); err != nil {
			fmt.Fprintf(os.Stderr, "failed to set up file logging, using console only: %v\n", err)
		} else {
			activeRotatingWriter = fileWriter
			out = zerolog.MultiLevelWriter(console, fileWriter)
		}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func newFileSink(logDir string) (*DailyRotatingWriter, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	return NewDailyRotatingWriter(logDir, "signal-provisioning-%s.log")
}

// Close properly closes the log file.
func Close() error {
	if activeRotatingWriter != nil {
		return activeRotatingWriter.Close()
	}
	return nil
}
