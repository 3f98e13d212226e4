package procd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogFile is written to the root of the usercode volume for every run.
const LogFile = "log.txt"

const (
	logStarted  = "=== LOG STARTED ==="
	logFinished = "=== LOG FINISHED ==="
)

// LineFunc receives every line written to a run log.
type LineFunc func(priority int, content string)

// runLog writes timestamped lines to log.txt and keeps a bounded tail.
type runLog struct {
	mu     sync.Mutex
	file   *os.File
	start  time.Time
	tail   []string
	limit  int
	next   int
	onLine LineFunc
	closed bool
}

func openRunLog(dir string, initial []string, limit int, onLine LineFunc) (*runLog, error) {
	file, err := os.Create(filepath.Join(dir, LogFile))
	if err != nil {
		return nil, err
	}
	l := &runLog{file: file, start: time.Now(), limit: limit, onLine: onLine}
	if len(initial) > 0 {
		l.write("---", false)
		for _, line := range initial {
			l.write(line, false)
		}
		l.write("---", false)
	}
	l.write(logStarted, true)
	return l, nil
}

// Line records one line of process output.
func (l *runLog) Line(content string) {
	l.write(strings.TrimRight(content, "\r\n"), true)
}

func (l *runLog) write(content string, advance bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	line := fmt.Sprintf("[%s] %s", formatElapsed(time.Since(l.start)), content)
	_, _ = l.file.WriteString(line + "\n")
	l.tail = append(l.tail, line)
	if l.limit > 0 && len(l.tail) > l.limit {
		l.tail = l.tail[len(l.tail)-l.limit:]
	}
	if l.onLine != nil {
		l.onLine(l.next, line)
	}
	if advance {
		l.next++
	}
}

// Tail returns the most recent lines.
func (l *runLog) Tail() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.tail...)
}

// Close writes the footer and closes the file.
func (l *runLog) Close() error {
	l.write(logFinished, false)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Microsecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%d:%02d:%02d.%06d", h, m, s, d/time.Microsecond)
}

// WriteStartFailure replaces log.txt on the volume with a short explanation
// of why code could not be started.
func WriteStartFailure(dir string, cause error) error {
	msg := "Unable to start code.\n" + strings.TrimSuffix(cause.Error(), ".") + ".\n"
	return os.WriteFile(filepath.Join(dir, LogFile), []byte(msg), 0o644)
}

// WriteRefusal explains on a second usercode volume that it will not run.
func WriteRefusal(dir string) error {
	msg := "Unable to start code.\nIt is not safe to run multiple code disks at once.\n"
	return os.WriteFile(filepath.Join(dir, LogFile), []byte(msg), 0o644)
}
