package register

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// PollInterval is how often a client checks its register.
const PollInterval = 200 * time.Millisecond

var (
	// ErrFailed is returned when the daemon marked the register as failed.
	ErrFailed = errors.New("daemon reported an error")
	// ErrNothingPending is returned by ServeOne when no register is pending.
	ErrNothingPending = errors.New("no pending register")
)

// Handler services one register.
type Handler func(id int) error

// ServeOne services register id, or the first pending register when id is
// negative. The register is claimed before handle runs, so concurrent callers
// never service it twice, and ends up done or failed. It returns the id
// serviced.
func ServeOne(seg *Segment, id int, handle Handler) (int, error) {
	if id < 0 {
		id = -1
		for _, p := range seg.Pending() {
			if _, ok, err := seg.Claim(p); err == nil && ok {
				id = p
				break
			}
		}
		if id < 0 {
			return -1, ErrNothingPending
		}
	} else {
		st, ok, err := seg.Claim(id)
		if err != nil {
			return id, err
		}
		if !ok {
			return id, fmt.Errorf("%w: register %d is %s", ErrNothingPending, id, st)
		}
	}

	if err := handle(id); err != nil {
		log.Printf("[register] register %d failed: %v", id, err)
		return id, seg.Set(id, Failed)
	}
	return id, seg.Set(id, Done)
}

// Call marks register id pending, calls wake (usually signalling the daemon)
// and polls every interval until the daemon answers or ctx ends. The
// register is reset to idle before Call returns.
func Call(ctx context.Context, seg *Segment, id int, wake func() error, interval time.Duration) error {
	if interval <= 0 {
		interval = PollInterval
	}
	if err := seg.Set(id, Pending); err != nil {
		return err
	}
	defer seg.Set(id, Idle)

	if err := wake(); err != nil {
		return fmt.Errorf("wake daemon: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st, err := seg.Get(id)
			if err != nil {
				return err
			}
			switch st {
			case Done:
				return nil
			case Failed:
				return ErrFailed
			}
		}
	}
}
