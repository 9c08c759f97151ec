package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to date-stamped log files, starting a new file on
// each UTC day and when the current file would exceed MaxBytes.
//
// Given basePath logs/proxy.log the active file is logs/proxy-2025-08-24.log,
// then logs/proxy-2025-08-24-2.log after a size rollover. basePath itself is
// kept as a symlink to the active file where the platform allows it.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu      sync.Mutex
	day     string
	seq     int
	file    *os.File
	written int64
}

// NewRotatingWriter opens the writer for basePath. A basePath of "-" disables
// file output and writes to io.Discard.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return discardCloser{}, nil
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes}
	if err := w.ensureOpen(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// ensureOpen rotates when the day changed or the incoming write would push
// the file past MaxBytes. Callers hold w.mu.
func (w *RotatingWriter) ensureOpen(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.seq = 1
	case w.MaxBytes > 0 && w.written+incoming > w.MaxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir := filepath.Dir(w.BasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	name := filepath.Base(w.BasePath)
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	target := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.seq > 1 {
		target = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.seq, ext)
	}
	path := filepath.Join(dir, target)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.written = 0
	if st, err := f.Stat(); err == nil {
		w.written = st.Size()
	}
	w.linkCurrent(path)
	return nil
}

// linkCurrent points basePath at the active file so tail -F keeps working.
func (w *RotatingWriter) linkCurrent(target string) {
	if info, err := os.Lstat(w.BasePath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(w.BasePath); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(w.BasePath)
	}
	if err := os.Symlink(target, w.BasePath); err == nil {
		return
	}
	if f, err := os.OpenFile(w.BasePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		fmt.Fprintf(f, "current log file: %s\n", target)
		f.Close()
	}
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
