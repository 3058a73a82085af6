package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyRotatingWriter is a writer that automatically rotates log files daily.
type DailyRotatingWriter struct {
	mu             sync.Mutex
	file           *os.File
	currentDate    string
	logDir         string
	filenameFormat string
}

// NewDailyRotatingWriter creates a new daily rotating writer. filenameFormat
// must contain a single %s verb for the date.
func NewDailyRotatingWriter(logDir string, filenameFormat string) (*DailyRotatingWriter, error) {
	w := &DailyRotatingWriter{
		logDir:         logDir,
		filenameFormat: filenameFormat,
	}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return w, nil
}

// rotateIfNeeded opens a fresh log file when the date has changed since the
// last write. Caller must hold mu (or be the constructor).
func (w *DailyRotatingWriter) rotateIfNeeded() error {
	today := time.Now().Format("2006-01-02")
	if today == w.currentDate && w.file != nil {
		return nil
	}

	if w.file != nil {
		w.file.Close()
		w.file = nil
	}

	path := filepath.Join(w.logDir, fmt.Sprintf(w.filenameFormat, today))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = file
	w.currentDate = today
	return nil
}

// Write implements io.Writer.
func (w *DailyRotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

// Close closes the underlying file.
func (w *DailyRotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
