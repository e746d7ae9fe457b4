package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"homescout_ingest/models"
	"homescout_ingest/workers"
)

const maxLogSize = 2 * 1024 * 1024 // 2MB

// RotatingWriter appends to a file and moves it to <path>.1 once it grows past
// maxSize. Only one backup is kept.
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
}

// Setup points the standard logger at stdout and a rotating file.
func Setup(logPath string) (*RotatingWriter, error) {
	rw, err := NewRotatingWriter(logPath, maxLogSize)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rw))
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	return rw, nil
}

func NewRotatingWriter(path string, maxSize int64) (*RotatingWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}

	w := &RotatingWriter{path: path, maxSize: maxSize}
	if info, err := os.Stat(path); err == nil && info.Size() >= maxSize {
		if err := os.Rename(path, path+".1"); err != nil {
			return nil, fmt.Errorf("rotate %s: %w", path, err)
		}
	}
	if err := w.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open(mode int) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|mode, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	if err == nil && w.size > w.maxSize {
		err = w.rotate()
	}
	return n, err
}

func (w *RotatingWriter) rotate() error {
	w.file.Close()
	w.file = nil
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return err
	}
	return w.open(os.O_TRUNC)
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Sink stores job-scoped log lines, e.g. the ops database scrape_logs table.
type Sink interface {
	Log(jobID string, level models.LogLevel, message, marketID string) error
}

// JobLogger adapts a Sink to the callback workers use. Persist failures are
// reported on the standard logger and otherwise ignored.
func JobLogger(sink Sink) workers.LogFunc {
	return func(level models.LogLevel, jobID, message, marketID string) {
		if err := sink.Log(jobID, level, message, marketID); err != nil {
			log.Printf("Warning: could not persist log line for job %s: %v", jobID, err)
		}
	}
}
