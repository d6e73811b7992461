// Package lock keeps one daemon per message store.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Holder is what a lock file says about the daemon that wrote it.
type Holder struct {
	PID     int
	Profile string
	Store   string
	Since   time.Time
}

// LockHeldError is returned when a live daemon holds the store lock.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	if e.Holder.Profile != "" {
		return fmt.Sprintf("message store locked by profile %q (PID %d, %s)", e.Holder.Profile, e.Holder.PID, e.Path)
	}
	return fmt.Sprintf("message store locked by PID %d (%s)", e.Holder.PID, e.Path)
}

// Lock is an acquired store lock.
type Lock struct {
	file *os.File
	path string
	// stale is the previous holder when its daemon exited without releasing.
	stale *Holder
}

// Acquire takes the exclusive lock at path for the store of profileName.
// The kernel drops the flock when a daemon dies, so a leftover file from a
// crashed daemon is reclaimed and reported by Stale.
func Acquire(path, profileName string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	previous, _ := readHolder(path)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, &LockHeldError{Holder: previous, Path: path}
	}

	l := &Lock{file: f, path: path}
	if previous.PID != 0 {
		l.stale = &previous
	}
	if err := l.write(Holder{
		PID:     os.Getpid(),
		Profile: profileName,
		Store:   strings.TrimSuffix(path, ".lock"),
		Since:   time.Now().UTC(),
	}); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Stale returns the holder whose lock was reclaimed, if any.
func (l *Lock) Stale() (Holder, bool) {
	if l == nil || l.stale == nil {
		return Holder{}, false
	}
	return *l.stale, true
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

func (l *Lock) write(h Holder) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\nprofile=%s\nstore=%s\nsince=%s\n",
		h.PID, h.Profile, h.Store, h.Since.Format(time.RFC3339))
	_, err := l.file.WriteString(content)
	return err
}

// Release removes and unlocks the file. Safe on a nil or released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadHolder parses the lock file at path.
func ReadHolder(path string) (Holder, error) {
	return readHolder(path)
}

func readHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "profile":
			h.Profile = value
		case "store":
			h.Store = value
		case "since":
			h.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h, nil
}
