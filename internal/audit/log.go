// Package audit writes an append-only JSON-lines record of order intent
// outcomes, operator actions, and cache repair results.
//
// Entries go to audit.log in the configured directory. When the file exceeds
// max_bytes it is rotated to audit.log.1 (shifting older rotations up) and
// rotations beyond max_files are pruned. Writes append a whole line at a
// time, so a crash can truncate at most the final entry.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

const fileName = "audit.log"

// Entry is one audit record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Action   string         `json:"action"`
	OrderID  string         `json:"order_id,omitempty"`
	UserType types.UserType `json:"user_type,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Log appends entries to a size-rotated file. All operations are
// mutex-protected to keep concurrent writers from interleaving lines.
type Log struct {
	dir      string
	maxBytes int64
	maxFiles int

	mu   sync.Mutex
	f    *os.File
	size int64
	now  func() time.Time
}

// Open creates the directory if needed and opens (or resumes) the log.
func Open(cfg config.AuditConfig) (*Log, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &Log{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		maxFiles: cfg.MaxFiles,
		now:      time.Now,
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) open() error {
	path := filepath.Join(l.dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.f = f
	l.size = info.Size()
	return nil
}

// Record appends one entry. A zero Time is stamped with the current time.
func (l *Log) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("audit log closed")
	}
	if e.Time.IsZero() {
		e.Time = l.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.maxBytes > 0 && l.size > 0 && l.size+int64(len(data)) > l.maxBytes {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.f.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// rotate shifts audit.log.k to audit.log.k+1 and restarts audit.log.
// Caller holds the mutex.
func (l *Log) rotate() error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close audit log for rotation: %w", err)
	}
	l.f = nil

	base := filepath.Join(l.dir, fileName)
	oldest := base + "." + strconv.Itoa(l.maxFiles)
	os.Remove(oldest)
	for k := l.maxFiles - 1; k >= 1; k-- {
		from := base + "." + strconv.Itoa(k)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, base+"."+strconv.Itoa(k+1))
		}
	}
	if err := os.Rename(base, base+".1"); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	return l.open()
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
