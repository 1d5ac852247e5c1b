//go:build linux

// Package reactor implements the single event loop that multiplexes every
// device's notification sources. Kick eventfds for virtio-native queues and
// vhost-user control sockets all land here; vhost queues register nothing
// once handed to the kernel.
//
// Handlers run to completion on the loop goroutine before the next readiness
// event is dispatched. Anything that would block must be handed off to a
// worker instead of running inline.
package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vdm/internal/eventfd"
)

// Handler is invoked on the loop goroutine when its source becomes readable.
type Handler func()

// Reactor is a single epoll-based multiplexer.
type Reactor struct {
	epfd int
	wake eventfd.Eventfd

	mu       sync.Mutex
	handlers map[int]Handler
	closed   bool
	// runDone is non-nil while Run is active; Close waits on it so the epoll
	// and wake fds are never closed under a blocked EpollWait.
	runDone chan struct{}
}

// New creates an empty reactor.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wake, err := eventfd.New()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Reactor{
		epfd:     epfd,
		wake:     wake,
		handlers: make(map[int]Handler),
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wake.Fd())}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wake.Fd(), &event); err != nil {
		wake.Close()
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: register wake fd: %w", err)
	}
	return r, nil
}

// Register adds a readiness source. Registering the same fd twice is an
// error; no source may have two owners.
func (r *Reactor) Register(fd int, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("reactor: closed")
	}
	if _, ok := r.handlers[fd]; ok {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd %d: %w", fd, err)
	}
	r.handlers[fd] = h
	return nil
}

// Deregister removes a source. Safe to call for fds that were never
// registered; teardown paths do not track registration state precisely.
func (r *Reactor) Deregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[fd]; !ok {
		return nil
	}
	delete(r.handlers, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Run dispatches readiness events until the reactor is closed or ctx is
// cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if r.runDone != nil {
		r.mu.Unlock()
		return fmt.Errorf("reactor: already running")
	}
	done := make(chan struct{})
	r.runDone = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.runDone = nil
		closed := r.closed
		r.mu.Unlock()
		// When Close raced with this exit it is waiting on done and the fd
		// release happens here; otherwise Close does it later.
		if closed {
			r.release()
		}
		close(done)
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = r.wake.Notify()
	})
	defer stop()

	var events [64]unix.EpollEvent
	for {
		n, err := unix.EpollWait(r.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for _, ev := range events[:n] {
			fd := int(ev.Fd)
			if fd == r.wake.Fd() {
				r.wake.Clear()
				r.mu.Lock()
				closed := r.closed
				r.mu.Unlock()
				if closed {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			r.mu.Lock()
			h := r.handlers[fd]
			r.mu.Unlock()
			if h == nil {
				// Deregistered between wait and dispatch.
				slog.Debug("reactor: event for unregistered fd", "fd", fd)
				continue
			}
			h()
		}
	}
}

// Close wakes the loop, waits for it to stop, and releases the epoll
// instance. Registered sources are dropped; their fds are not closed.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.handlers = make(map[int]Handler)
	done := r.runDone
	r.mu.Unlock()

	_ = r.wake.Notify()
	if done != nil {
		// Run observes closed, releases the fds on its way out and signals.
		<-done
		return nil
	}
	return r.release()
}

func (r *Reactor) release() error {
	err := unix.Close(r.epfd)
	if cerr := r.wake.Close(); err == nil {
		err = cerr
	}
	return err
}
