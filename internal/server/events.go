package server

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// EventKind is the type of a control event.
type EventKind int

// Control events.
const (
	EventReload EventKind = iota
	EventShutdown
	EventSync
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventReload:
		return "reload"
	case EventShutdown:
		return "shutdown"
	case EventSync:
		return "sync"
	case EventFatal:
		return "fatal"
	}
	return "unknown"
}

// AnyRegister asks the sync hook to service the first pending register.
const AnyRegister = -1

// Event is one control request.
type Event struct {
	Kind     EventKind
	Register int       // EventSync only
	Signal   os.Signal // EventFatal only
}

// Translate maps an OS signal to its control event.
func Translate(sig os.Signal) (Event, bool) {
	switch sig {
	case syscall.SIGHUP:
		return Event{Kind: EventReload}, true
	case syscall.SIGUSR1:
		return Event{Kind: EventSync, Register: AnyRegister}, true
	case syscall.SIGTERM:
		return Event{Kind: EventShutdown}, true
	case syscall.SIGINT, syscall.SIGSEGV:
		return Event{Kind: EventFatal, Signal: sig}, true
	}
	return Event{}, false
}

// Signals subscribes to HUP, USR1, TERM, INT and SEGV and delivers them as
// events until ctx is done.
func Signals(ctx context.Context) <-chan Event {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT, syscall.SIGSEGV)

	events := make(chan Event, 8)
	go func() {
		defer close(events)
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				ev, ok := Translate(sig)
				if !ok {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events
}

// reraise restores the default disposition of sig and sends it to the
// process again.
func reraise(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	signal.Reset(s)
	if err := unix.Kill(os.Getpid(), s); err != nil {
		log.Printf("[server] re-raise %v: %v", sig, err)
	}
}
