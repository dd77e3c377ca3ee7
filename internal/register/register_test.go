package register

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSegment(t *testing.T) (*Segment, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mdtx.reg")
	seg, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg, path
}

// TestSegmentPath checks the path is stable per configuration file.
func TestSegmentPath(t *testing.T) {
	a, err := SegmentPath("/etc/mdtx/a.toml")
	require.NoError(t, err)
	again, err := SegmentPath("/etc/mdtx/a.toml")
	require.NoError(t, err)
	b, err := SegmentPath("/etc/mdtx/b.toml")
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
	assert.Contains(t, filepath.Base(a), "mdtx-")
}

// TestSegmentSharedMapping checks two mappings of one file see each other.
func TestSegmentSharedMapping(t *testing.T) {
	seg, path := openTestSegment(t)
	other, err := Open(path)
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, seg.Set(Scan, Pending))
	st, err := other.Get(Scan)
	require.NoError(t, err)
	assert.Equal(t, Pending, st)
	assert.Equal(t, []int{Scan}, other.Pending())

	_, err = seg.Get(Size)
	assert.ErrorIs(t, err, ErrBadRegister)
	assert.ErrorIs(t, seg.Set(-1, Done), ErrBadRegister)
}

// TestServeOne covers success, failure and nothing pending.
func TestServeOne(t *testing.T) {
	seg, _ := openTestSegment(t)

	_, err := ServeOne(seg, -1, func(int) error { return nil })
	assert.ErrorIs(t, err, ErrNothingPending)

	require.NoError(t, seg.Set(Save, Pending))
	var served int
	id, err := ServeOne(seg, -1, func(id int) error {
		served = id
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Save, id)
	assert.Equal(t, Save, served)
	st, _ := seg.Get(Save)
	assert.Equal(t, Done, st)

	require.NoError(t, seg.Set(Sync, Pending))
	_, err = ServeOne(seg, Sync, func(int) error { return errors.New("boom") })
	require.NoError(t, err)
	st, _ = seg.Get(Sync)
	assert.Equal(t, Failed, st)

	_, err = ServeOne(seg, Scan, func(int) error { return nil })
	assert.ErrorIs(t, err, ErrNothingPending)
}

// TestServeOneConcurrent checks a pending register is serviced once when
// several workers race for it.
func TestServeOneConcurrent(t *testing.T) {
	seg, _ := openTestSegment(t)
	require.NoError(t, seg.Set(Save, Pending))

	var calls atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ServeOne(seg, -1, func(int) error {
				calls.Add(1)
				<-release
				return nil
			})
		}(i)
	}
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	st, _ := seg.Get(Save)
	assert.Equal(t, Busy, st)
	assert.Empty(t, seg.Pending())
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	nothing := 0
	for _, err := range errs {
		if errors.Is(err, ErrNothingPending) {
			nothing++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, len(errs)-1, nothing)
	st, _ = seg.Get(Save)
	assert.Equal(t, Done, st)

	t.Run("busy register", func(t *testing.T) {
		require.NoError(t, seg.Set(Scan, Busy))
		_, err := ServeOne(seg, Scan, func(int) error { return nil })
		assert.ErrorIs(t, err, ErrNothingPending)
	})
}

// TestCall runs a client call against a daemon serving on wake-up.
func TestCall(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		wantErr error
	}{
		{"done", func(int) error { return nil }, nil},
		{"failed", func(int) error { return errors.New("boom") }, ErrFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, path := openTestSegment(t)
			daemon, err := Open(path)
			require.NoError(t, err)
			defer daemon.Close()

			wake := func() error {
				go ServeOne(daemon, -1, tt.handler)
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err = Call(ctx, client, Sync, wake, 10*time.Millisecond)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			st, _ := client.Get(Sync)
			assert.Equal(t, Idle, st)
		})
	}
}

// TestCallTimeout checks an unanswered call gives up with the context.
func TestCallTimeout(t *testing.T) {
	seg, _ := openTestSegment(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Call(ctx, seg, Scan, func() error { return nil }, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	st, _ := seg.Get(Scan)
	assert.Equal(t, Idle, st)

	err = Call(context.Background(), seg, Scan, func() error { return errors.New("no such process") }, 0)
	assert.Error(t, err)
}
