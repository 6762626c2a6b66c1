// Package session implements the Session contract (component C4): one
// authenticated run of a user's shell or session command under a
// particular seat.
//
// The source forks from inside the PAM session-created callback and
// runs the privilege-drop/TTY/exec sequence directly in the child of
// that fork. A bare fork() is not safe here: the Go runtime only
// survives fork with the calling goroutine's thread, every other OS
// thread (GC, sysmon, whatever else is running) is gone, and nothing
// but a tiny hand-written syscall sequence may run before exec in that
// state. So the child branch described in SPEC_FULL.md §4.4 steps (a)-
// (h) is instead carried out by a fresh process: the daemon re-execs
// itself with a sentinel argument (the same idiom runc's libcontainer
// uses for its "init" re-exec, see
// other_examples/1f75e2a8_unikraft-kraftkit__libmocktainer-standard_init_linux.go.go),
// handing it a small job description over a pipe. That process is
// genuinely single-threaded and freshly exec'd, so every step below
// runs as ordinary Go before the final syscall.Exec replaces its image.
package session

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	log "github.com/hashicorp/go-hclog"
	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"

	"github.com/Xuanwo/tlm/internal/pamauth"
	"github.com/Xuanwo/tlm/internal/reaper"
)

// ReexecSentinel is the argv[1] the daemon recognizes in its own main,
// before any other flag parsing, to dispatch into RunChildInit instead
// of starting the event loop.
const ReexecSentinel = "__tlm_session_init__"

// AuthFactory constructs the Authentication Session backend. Production
// code leaves it nil (New falls back to pamauth.New); tests inject a
// factory that hands back a *pamauth.FakeSession.
type AuthFactory func(logger log.Logger, service, username, password string) pamauth.Session

// Config carries everything Session needs to authenticate a user and
// describe the process that will run as them.
type Config struct {
	SeatID   string
	Service  string
	Username string // may be empty; resolved from the auth module once Start succeeds
	Password string

	SetupTerminal       bool
	SessionCmd          string
	SessionPath         string // exported as PATH; defaults per §4.1 if empty
	DataDirs            string
	EnvOverrides        map[string]string
	StrictPrivilegeDrop bool

	NotifyFD int // write end of the Seat's notify pipe; registered with Reaper
	Reaper   *reaper.Reaper
	Logger   log.Logger

	// AuthFactory overrides how the Authentication Session is built;
	// nil uses pamauth.New.
	AuthFactory AuthFactory
}

// Session is the parent-side handle to one forked, authenticated child
// process. All exported methods are meant to be called from the
// event-loop goroutine only; Session performs no internal locking
// beyond what's needed to make Terminate safe to call from teardown
// paths that race a concurrent child-death callback.
type Session struct {
	cfg    Config
	auth   pamauth.Session
	logger log.Logger

	mu            sync.Mutex
	pid           int
	origTTYUID    uint32
	origTTYGID    uint32
	haveOrigOwner bool
}

// New synchronously authenticates and, on success, forks (via re-exec)
// the session process. A non-nil error means no child was started and
// the Authentication Session has already been released.
func New(cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNullLogger()
	}
	logger = logger.Named("session")

	factory := cfg.AuthFactory
	if factory == nil {
		factory = func(l log.Logger, service, username, password string) pamauth.Session {
			return pamauth.New(l, service, username, password)
		}
	}

	auth := factory(logger, cfg.Service, cfg.Username, cfg.Password)
	auth.PutEnv("XDG_SEAT", cfg.SeatID)

	s := &Session{cfg: cfg, auth: auth, logger: logger}

	ch, err := auth.Start(context.Background())
	if err != nil {
		_ = auth.Close()
		return nil, trace.Wrap(err, "start authentication session")
	}

	// Authentication may block synchronously (§5: "the core makes no
	// attempt to preempt it"); New is allowed to block its caller too.
	result := <-ch

	switch result.Kind {
	case pamauth.AuthError:
		_ = auth.Close()
		return nil, result.Err
	case pamauth.SessionError:
		_ = auth.Close()
		return nil, result.Err
	}

	username := cfg.Username
	if username == "" {
		username = auth.Username()
	}

	s.captureOriginalTTYOwner()

	pid, err := s.forkChild(username, auth.EnvList())
	if err != nil {
		_ = auth.Close()
		return nil, trace.Wrap(err, "fork session process")
	}
	s.pid = pid

	if cfg.Reaper != nil {
		if err := cfg.Reaper.Register(pid, cfg.NotifyFD); err != nil {
			logger.Warn("failed to register child with reaper", "pid", pid, "error", err)
		}
	}

	return s, nil
}

// captureOriginalTTYOwner snapshots fd 0's owning uid/gid at
// construction time, mirroring the source's fstat(0, &tty_stat) at
// session construction. fd 0 here is the daemon's own stdin — the
// controlling tty the re-exec'd child will inherit — not Seat.path,
// which the core never interprets.
func (s *Session) captureOriginalTTYOwner() {
	var st unix.Stat_t
	if err := unix.Fstat(0, &st); err != nil {
		s.logger.Warn("failed to fstat fd 0 for tty ownership bookkeeping", "error", err)
		return
	}
	s.origTTYUID = st.Uid
	s.origTTYGID = st.Gid
	s.haveOrigOwner = true
}

// childJob is the entire job description handed to the re-exec'd child
// over a pipe. Keep it flat and JSON-serializable; it never leaves this
// host.
type childJob struct {
	SetupTerminal       bool
	UID                 uint32
	GID                 uint32
	Username            string
	Home                string
	Shell               string
	SeatID              string
	SessionPath         string
	DataDirs            string
	PamEnv              []string
	EnvOverrides        map[string]string
	SessionCmd          string
	StrictPrivilegeDrop bool
}

// forkChild builds the job description, re-execs the daemon binary with
// ReexecSentinel, and returns the new process's pid. It deliberately
// never calls cmd.Wait: that would race internal/reaper's own
// wait4(-1, ..., WNOHANG) loop for the same pid, so the process is left
// entirely to the reaper once forked.
func (s *Session) forkChild(username string, pamEnv []string) (int, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, trace.Wrap(err, "lookup target user %q", username)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, trace.Wrap(err, "parse uid for %q", username)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, trace.Wrap(err, "parse gid for %q", username)
	}

	job := childJob{
		SetupTerminal:       s.cfg.SetupTerminal,
		UID:                 uint32(uid),
		GID:                 uint32(gid),
		Username:            username,
		Home:                u.HomeDir,
		Shell:               lookupShell(username),
		SeatID:              s.cfg.SeatID,
		SessionPath:         s.cfg.SessionPath,
		DataDirs:            s.cfg.DataDirs,
		PamEnv:              pamEnv,
		EnvOverrides:        s.cfg.EnvOverrides,
		SessionCmd:          s.cfg.SessionCmd,
		StrictPrivilegeDrop: s.cfg.StrictPrivilegeDrop,
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return 0, trace.Wrap(err, "marshal child job")
	}

	selfExe, err := os.Executable()
	if err != nil {
		return 0, trace.Wrap(err, "resolve re-exec target")
	}

	r, w, err := os.Pipe()
	if err != nil {
		return 0, trace.Wrap(err, "open job pipe")
	}
	defer r.Close()

	cmd := exec.Command(selfExe, ReexecSentinel)
	cmd.ExtraFiles = []*os.File{r}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		w.Close()
		return 0, trace.Wrap(err, "start re-exec child")
	}

	if _, err := w.Write(payload); err != nil {
		s.logger.Warn("failed writing job payload to child", "error", err)
	}
	w.Close()

	return cmd.Process.Pid, nil
}

// Terminate sends SIGHUP then SIGTERM to the child, matching §4.4: no
// SIGKILL escalation, cleanup relies on the child honoring the signals.
// Errors are logged only.
func (s *Session) Terminate() {
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()
	if pid == 0 {
		return
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		s.logger.Warn("SIGHUP to session failed", "pid", pid, "error", err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM to session failed", "pid", pid, "error", err)
	}
}

// ResetTTY restores the original (tty_uid, tty_gid) onto fd 0 via
// fchown, undoing the ownership handoff performed in the child's step
// (c). A no-op when ownership was never captured (fstat of fd 0 failed
// at construction).
// Invoked by seat teardown paths (§4.2).
func (s *Session) ResetTTY() error {
	if !s.haveOrigOwner {
		return nil
	}
	if err := unix.Fchown(0, int(s.origTTYUID), int(s.origTTYGID)); err != nil {
		return trace.Wrap(err, "restore tty ownership on fd 0")
	}
	return nil
}

// PID returns the forked child's pid, or 0 if construction failed
// before fork (never observable outside this package: New returns an
// error in that case instead).
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Close releases the Authentication Session handle. It does not touch
// the child process; call Terminate for that. A no-op on a zero-value
// Session (no Authentication Session was ever attached).
func (s *Session) Close() error {
	if s.auth == nil {
		return nil
	}
	return s.auth.Close()
}

// RunChildInit is the entry point the daemon's main dispatches to when
// os.Args[1] == ReexecSentinel, before any normal startup runs. It
// reads its job description from fd 3 and never returns: every path
// ends in syscall.Exec or os.Exit.
func RunChildInit(logger log.Logger) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	logger = logger.Named("session-init")

	f := os.NewFile(3, "tlm-job")
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		logger.Error("failed to read job description", "error", err)
		os.Exit(1)
	}

	var job childJob
	if err := json.Unmarshal(data, &job); err != nil {
		logger.Error("failed to decode job description", "error", err)
		os.Exit(1)
	}

	runChild(logger, job)
	os.Exit(1) // unreachable: runChild always exits or execs
}
