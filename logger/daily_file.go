package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var errFileClosed = errors.New("log file is closed")

// DailyFile is an io.WriteCloser that switches to a new file,
// {service}_{YYYY-MM-DD}.log, on the first write of each day. It is safe for
// concurrent use.
type DailyFile struct {
	service string
	dir     string
	now     func() time.Time

	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool
}

// NewDailyFile opens today's file in dir. The directory must exist.
func NewDailyFile(service, dir string) (*DailyFile, error) {
	return newDailyFile(service, dir, time.Now)
}

func newDailyFile(service, dir string, now func() time.Time) (*DailyFile, error) {
	w := &DailyFile{service: service, dir: dir, now: now}
	if err := w.openFor(now().Format(time.DateOnly)); err != nil {
		return nil, err
	}

	return w, nil
}

// Write implements io.Writer.
func (w *DailyFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errFileClosed
	}

	if date := w.now().Format(time.DateOnly); date != w.date {
		if err := w.openFor(date); err != nil {
			return 0, err
		}
	}

	return w.file.Write(p)
}

// Path returns the file currently written to.
func (w *DailyFile) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pathFor(w.date)
}

// Close closes the current file. Further writes fail.
func (w *DailyFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// openFor swaps to the file for date; caller holds mu or owns w exclusively.
func (w *DailyFile) openFor(date string) error {
	f, err := os.OpenFile(w.pathFor(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = f
	w.date = date
	return nil
}

func (w *DailyFile) pathFor(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}
