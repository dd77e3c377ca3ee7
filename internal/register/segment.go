// Package register implements the synchronous request channel between the
// control client and a running daemon.
//
// A client marks a register pending in a small memory-mapped segment, signals
// the daemon with SIGUSR1 and polls until the daemon marks the register done
// or failed. Both sides find the segment through the daemon's configuration
// file path.
package register

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Size is the number of registers in a segment.
const Size = 64

// State is the value of one register.
type State byte

// Register states.
const (
	Idle    State = 0
	Pending State = 1
	Done    State = 2
	Failed  State = 3
	Busy    State = 4 // claimed by a daemon worker
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Done:
		return "done"
	case Failed:
		return "error"
	case Busy:
		return "busy"
	}
	return fmt.Sprintf("state(%d)", byte(s))
}

// Register ids understood by the daemon.
const (
	Sync = 0 // notify every collection now
	Save = 1 // persist every collection
	Scan = 2 // rescan cache directories
)

// Names maps register names to ids.
var Names = map[string]int{
	"sync": Sync,
	"save": Save,
	"scan": Scan,
}

// ErrBadRegister is returned for ids outside [0, Size).
var ErrBadRegister = errors.New("register out of range")

// SegmentPath derives the segment location from the daemon's configuration
// file. /dev/shm is preferred when present.
func SegmentPath(configPath string) (string, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	h.Write([]byte(abs))
	dir := os.TempDir()
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() && unix.Access("/dev/shm", unix.W_OK) == nil {
		dir = "/dev/shm"
	}
	return filepath.Join(dir, fmt.Sprintf("mdtx-%016x.reg", h.Sum64())), nil
}

// Segment is a mapped register file.
// Thread-safe: accesses within a process are serialized.
type Segment struct {
	path string
	file *os.File
	data []byte
	mu   sync.Mutex
}

// Open maps the segment at path, creating it if needed.
func Open(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < Size {
		if err := f.Truncate(Size); err != nil {
			f.Close()
			return nil, err
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &Segment{path: path, file: f, data: data}, nil
}

// Path returns the segment file.
func (s *Segment) Path() string {
	return s.path
}

// Get returns the state of register id.
func (s *Segment) Get(id int) (State, error) {
	if id < 0 || id >= Size {
		return Idle, fmt.Errorf("%w: %d", ErrBadRegister, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return State(s.data[id]), nil
}

// Set stores the state of register id.
func (s *Segment) Set(id int, st State) error {
	if id < 0 || id >= Size {
		return fmt.Errorf("%w: %d", ErrBadRegister, id)
	}
	s.mu.Lock()
	s.data[id] = byte(st)
	s.mu.Unlock()
	return nil
}

// Claim moves register id from pending to busy. It reports false, with the
// current state, when the register was not pending.
func (s *Segment) Claim(id int) (State, bool, error) {
	if id < 0 || id >= Size {
		return Idle, false, fmt.Errorf("%w: %d", ErrBadRegister, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State(s.data[id])
	if st != Pending {
		return st, false, nil
	}
	s.data[id] = byte(Busy)
	return Busy, true, nil
}

// Pending returns the ids of every pending register.
func (s *Segment) Pending() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for id, b := range s.data {
		if State(b) == Pending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close flushes and unmaps the segment.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		first = err
	}
	if err := unix.Munmap(s.data); err != nil && first == nil {
		first = err
	}
	if err := s.file.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
