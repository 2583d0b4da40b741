// Package stopsignal provides cooperative stop requests polled between pages.
package stopsignal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
)

// Signal reports whether a stop was requested.
type Signal interface {
	Requested() bool
}

// Chan is a stop signal triggered in-process, for example by SIGINT.
type Chan struct {
	once sync.Once
	ch   chan struct{}
}

// NewChan returns an untriggered signal.
func NewChan() *Chan {
	return &Chan{ch: make(chan struct{})}
}

// Trigger requests a stop. It is safe to call more than once.
func (c *Chan) Trigger() {
	c.once.Do(func() { close(c.ch) })
}

// Done is closed once Trigger has been called.
func (c *Chan) Done() <-chan struct{} {
	return c.ch
}

// Requested implements Signal.
func (c *Chan) Requested() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// File is a stop signal raised by creating a sentinel file, so a separate process can
// stop a running collection. The file is removed once observed and the signal stays
// raised.
type File struct {
	path     string
	observed atomic.Bool
}

// NewFile watches path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the watched sentinel path.
func (f *File) Path() string {
	return f.path
}

// Requested implements Signal.
func (f *File) Requested() bool {
	if f.observed.Load() {
		return true
	}
	if _, err := os.Stat(f.path); err != nil {
		return false
	}
	f.observed.Store(true)
	_ = os.Remove(f.path)
	return true
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SentinelPath returns the sentinel location for a target key inside dir.
func SentinelPath(dir, key string) string {
	return filepath.Join(dir, "stop-"+unsafeChars.ReplaceAllString(key, "_")+".flag")
}

// Request creates the sentinel for key.
func Request(dir, key string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create stop directory: %w", err)
	}
	path := SentinelPath(dir, key)
	if err := os.WriteFile(path, []byte("stop\n"), 0o600); err != nil {
		return "", fmt.Errorf("write stop sentinel: %w", err)
	}
	return path, nil
}

// Clear removes a stale sentinel for key. A missing file is not an error.
func Clear(dir, key string) error {
	err := os.Remove(SentinelPath(dir, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear stop sentinel: %w", err)
	}
	return nil
}

// Any is raised when any of its signals is raised. Nil entries are ignored.
func Any(signals ...Signal) Signal {
	return anySignal(signals)
}

type anySignal []Signal

func (a anySignal) Requested() bool {
	for _, s := range a {
		if s != nil && s.Requested() {
			return true
		}
	}
	return false
}
