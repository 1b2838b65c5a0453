// Package instance enforces one orchestrator process per workspace with an
// advisory lock file under the runtime directory.
package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	lockFileName = "instance.lock"

	defaultTimeout      = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultStaleAfter   = 30 * time.Second
)

// ErrAlreadyRunning is returned when a live process holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Options configures Acquire.
type Options struct {
	RuntimeDir   string
	Timeout      time.Duration
	PollInterval time.Duration
	StaleAfter   time.Duration // age after which an unreadable lock is reclaimed
}

// Handle is an acquired lock. Release removes the file.
type Handle struct {
	path     string
	file     *os.File
	released bool
}

// Release drops the lock. Safe to call twice.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	if h.file != nil {
		h.file.Close()
	}
	return os.Remove(h.path)
}

// Path returns the lock file location.
func (h *Handle) Path() string { return h.path }

type payload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
}

// Acquire takes the workspace lock, reclaiming locks whose owning process
// is dead. It gives up after Timeout and wraps ErrAlreadyRunning with the
// holder's pid when known.
func Acquire(opts Options) (*Handle, error) {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = defaultStaleAfter
	}

	path := filepath.Join(opts.RuntimeDir, lockFileName)
	if err := os.MkdirAll(opts.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}

	start := time.Now()
	var holder *payload
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			p := payload{PID: os.Getpid(), CreatedAt: time.Now().UTC().Format(time.RFC3339)}
			raw, merr := json.Marshal(p)
			if merr == nil {
				_, merr = file.Write(raw)
			}
			if merr != nil {
				file.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write lock payload: %w", merr)
			}
			return &Handle{path: path, file: file}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire instance lock: %w", err)
		}

		holder = readPayload(path)
		switch {
		case holder != nil && !processAlive(holder.PID):
			os.Remove(path)
			continue
		case holder == nil && fileOlderThan(path, opts.StaleAfter):
			os.Remove(path)
			continue
		}

		if time.Since(start) >= opts.Timeout {
			if holder != nil {
				return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyRunning, holder.PID, path)
			}
			return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
		}
		time.Sleep(opts.PollInterval)
	}
}

func readPayload(path string) *payload {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.PID <= 0 {
		return nil
	}
	return &p
}

// processAlive probes pid with signal 0. EPERM means the process exists
// but is owned by someone else; the lock is still live in that case.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func fileOlderThan(path string, age time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > age
}
