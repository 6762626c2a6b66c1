// Package eventloop provides the single-threaded cooperative event loop
// that spec.md §5 names as the daemon's threading model but leaves
// unspecified. It is a thin epoll wrapper: every Seat registers the read
// end of its notify pipe and the loop dispatches callbacks serially on
// the goroutine that calls Run, so "all Seat and Session mutations
// occur on this thread" holds by construction.
package eventloop

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// Callback is invoked when its registered fd becomes readable.
type Callback func()

// Loop is a minimal level-triggered epoll reactor.
type Loop struct {
	epfd int

	mu        sync.Mutex
	callbacks map[int32]Callback
}

// New creates an epoll instance. Callers must Close it when done.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Loop{epfd: epfd, callbacks: make(map[int32]Callback)}, nil
}

// Add registers fd for readability and associates cb with it.
func (l *Loop) Add(fd int, cb Callback) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	l.mu.Lock()
	l.callbacks[int32(fd)] = cb
	l.mu.Unlock()
	return nil
}

// Remove unregisters fd.
func (l *Loop) Remove(fd int) error {
	l.mu.Lock()
	delete(l.callbacks, int32(fd))
	l.mu.Unlock()
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run blocks, dispatching readiness callbacks, until ctx is canceled or
// EpollWait returns a non-EINTR error.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 16)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			l.mu.Lock()
			cb := l.callbacks[events[i].Fd]
			l.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
}

// Close releases the epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
