// Package reaper implements the process-wide child reaper (component
// C2): a pid -> notification-fd table populated by Session just after
// fork and drained whenever SIGCHLD arrives.
//
// The source this daemon is modeled on installs a raw SA_SIGINFO signal
// handler and writes si_pid straight to the mapped fd from inside that
// handler. Go's os/signal package does not hand application code a
// siginfo_t running in true async-signal-handler context — delivery is
// already marshaled onto a runtime-owned goroutine before any Go code
// executes — so there is no si_pid to read here. Instead SIGCHLD merely
// wakes a dedicated goroutine that reaps every exited child with a
// non-blocking wait4 loop, which both supplies the pid and collects the
// exit status the original implementation leaked as zombies (see
// DESIGN.md / SPEC_FULL.md §4.2, resolving the §9 open question).
//
// The table itself keeps the lock-free, fixed-size, open-addressed
// shape the spec calls for, because it is still written from one
// goroutine (Session, post-fork) and drained from another (this
// package's reap loop).
package reaper

import (
	"encoding/binary"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	log "github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// tableSize bounds the number of concurrently live sessions this
// process can track. The expected population is small (one per seat).
const tableSize = 256

// ErrTableFull is returned by Register when every slot is occupied.
var ErrTableFull = errors.New("reaper: notification table is full")

type slot struct {
	occupied int32
	pid      int32
	fd       int32
}

// table is the process-wide pid -> fd mapping. It is never freed; its
// lifetime equals the process's, matching the source's design note.
type table struct {
	slots [tableSize]slot
}

func (t *table) insert(pid, fd int32) error {
	start := uint32(pid) % tableSize
	for i := uint32(0); i < tableSize; i++ {
		j := (start + i) % tableSize
		if atomic.CompareAndSwapInt32(&t.slots[j].occupied, 0, 1) {
			atomic.StoreInt32(&t.slots[j].pid, pid)
			atomic.StoreInt32(&t.slots[j].fd, fd)
			return nil
		}
	}
	return ErrTableFull
}

func (t *table) remove(pid int32) (int32, bool) {
	start := uint32(pid) % tableSize
	for i := uint32(0); i < tableSize; i++ {
		j := (start + i) % tableSize
		if atomic.LoadInt32(&t.slots[j].occupied) == 1 && atomic.LoadInt32(&t.slots[j].pid) == pid {
			fd := atomic.LoadInt32(&t.slots[j].fd)
			atomic.StoreInt32(&t.slots[j].occupied, 0)
			return fd, true
		}
	}
	return 0, false
}

// Reaper owns the process-wide table and the SIGCHLD-driven reap loop.
// Exactly one Reaper should exist per process; construct it once and
// share it across every Seat.
type Reaper struct {
	tbl    table
	logger log.Logger
	sigs   chan os.Signal
	done   chan struct{}
}

// New installs the SIGCHLD handler (idempotent at the os/signal layer)
// and starts the reap loop. Call Stop to release the signal channel.
func New(logger log.Logger) *Reaper {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	r := &Reaper{
		logger: logger.Named("reaper"),
		sigs:   make(chan os.Signal, 8),
		done:   make(chan struct{}),
	}
	signal.Notify(r.sigs, syscall.SIGCHLD)
	go r.run()
	return r
}

// Register inserts (pid -> fd) into the table. Called by Session in
// the parent, immediately after fork, on the event-loop goroutine.
func (r *Reaper) Register(pid int, fd int) error {
	if err := r.tbl.insert(int32(pid), int32(fd)); err != nil {
		return err
	}
	return nil
}

// Stop unregisters the signal channel and terminates the reap loop.
// The table itself is never torn down (it lives for the process).
func (r *Reaper) Stop() {
	signal.Stop(r.sigs)
	close(r.done)
}

func (r *Reaper) run() {
	for {
		select {
		case <-r.done:
			return
		case <-r.sigs:
			r.reapAll()
		}
	}
}

// reapAll drains every exited child with a non-blocking wait4, looks
// each up in the table, and writes the pid (binary, native width) to
// the mapped fd. A lookup miss or short write is logged and swallowed,
// never fatal, per §4.2/§7.
func (r *Reaper) reapAll() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if pid <= 0 {
			return
		}

		fd, ok := r.tbl.remove(int32(pid))
		if !ok {
			r.logger.Warn("no notify entry for reaped pid", "pid", pid)
			continue
		}

		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(pid))
		n, werr := unix.Write(int(fd), buf[:])
		if werr != nil || n < len(buf) {
			r.logger.Warn("short or failed write to notify pipe", "pid", pid, "error", werr, "n", n)
		}
	}
}
