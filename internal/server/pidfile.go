package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrDaemonRunning is returned when another daemon holds the pid file.
var ErrDaemonRunning = errors.New("daemon already running")

// PIDFile is a pid file locked for the lifetime of the daemon.
type PIDFile struct {
	path string
	lock *flock.Flock
}

// WritePIDFile locks path and writes the current pid into it.
func WritePIDFile(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock pid file %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is locked", ErrDaemonRunning, path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		lock.Unlock()
		return nil, err
	}
	return &PIDFile{path: path, lock: lock}, nil
}

// Path returns the pid file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Remove deletes the pid file and releases the lock.
func (p *PIDFile) Remove() error {
	err := os.Remove(p.path)
	if uerr := p.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// ReadPID returns the pid stored in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("bad pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}
