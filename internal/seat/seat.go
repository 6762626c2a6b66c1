// Package seat implements the Seat contract (component C5): the owner
// of at most one live Session for a given physical seat, and the
// policy that decides whether a session's exit should trigger another
// one.
package seat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	log "github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/Xuanwo/tlm/internal/config"
	"github.com/Xuanwo/tlm/internal/eventloop"
	"github.com/Xuanwo/tlm/internal/reaper"
	"github.com/Xuanwo/tlm/internal/session"
)

// ErrSessionActive is returned by CreateSession when the seat already
// owns a live Session.
var ErrSessionActive = fmt.Errorf("seat: a session is already active")

// TerminatedObserver is notified after a session exits. The aggregate
// of every observer's return (logical AND) decides whether AutoLogin
// is allowed to proceed, per §4.5's child-death handler step 3.
type TerminatedObserver func(seatID string) bool

// Config wires a Seat to its shared daemon-wide collaborators.
type Config struct {
	ID string
	// Path is an opaque object-path string external surfaces use to
	// address this seat. The core stores it only to hand back to those
	// surfaces; it never interprets it.
	Path   string
	Store  *config.Store
	Reaper *reaper.Reaper
	Loop   *eventloop.Loop
	Logger log.Logger

	// AuthFactory overrides Session's Authentication Session backend;
	// nil uses the production PAM backend. Tests inject a factory
	// producing *pamauth.FakeSession.
	AuthFactory session.AuthFactory
}

type pendingSwitch struct {
	service  *string
	user     *string
	password *string
}

// Seat owns at most one Session at a time and the policy for what
// happens after it exits.
type Seat struct {
	id string
	// path is opaque: stored for external surfaces, never read by the
	// core itself.
	path   string
	store  *config.Store
	reaper *reaper.Reaper
	loop   *eventloop.Loop
	logger log.Logger

	authFactory session.AuthFactory

	bus *prepareUserBus

	mu        sync.Mutex
	sess      *session.Session
	pending   *pendingSwitch
	observers []TerminatedObserver

	notifyReadFD  int
	notifyWriteFD int
}

// New allocates a Seat, opens its non-blocking CLOEXEC notify pipe, and
// registers the read end with the event loop.
func New(ctx context.Context, cfg Config) (*Seat, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("seat: Store is required")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("seat: ID is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNullLogger()
	}
	logger = logger.Named("seat").With("seat_id", cfg.ID)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("seat: open notify pipe: %w", err)
	}

	s := &Seat{
		id:            cfg.ID,
		path:          cfg.Path,
		store:         cfg.Store,
		reaper:        cfg.Reaper,
		loop:          cfg.Loop,
		logger:        logger,
		authFactory:   cfg.AuthFactory,
		bus:           newPrepareUserBus(ctx, logger),
		notifyReadFD:  fds[0],
		notifyWriteFD: fds[1],
	}

	if cfg.Loop != nil {
		if err := cfg.Loop.Add(s.notifyReadFD, s.onChildDeath); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("seat: register notify pipe with event loop: %w", err)
		}
	}

	return s, nil
}

// GetID returns the seat's identifier.
func (s *Seat) GetID() string {
	return s.id
}

// GetPath returns the opaque object-path string passed in at
// construction. The core never interprets it; it exists for external
// surfaces to address this seat by.
func (s *Seat) GetPath() string {
	return s.path
}

// Observe registers obs to be consulted on every session-terminated
// event, per §6.
func (s *Seat) Observe(obs TerminatedObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, obs)
	s.mu.Unlock()
}

// HasSession reports whether a Session is currently owned by this
// seat — used by tests to check P1.
func (s *Seat) HasSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

// CreateSession fails if a session is already active (P1); otherwise
// resolves defaults, authenticates, and forks.
func (s *Seat) CreateSession(service, user, password *string) error {
	s.mu.Lock()
	if s.sess != nil {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.mu.Unlock()

	svc := derefOr(service, s.cfgString(config.KeyPAMService, ""))

	var username string
	defaulted := false
	if user == nil || *user == "" {
		username = buildUserName(s.logger, s.cfgString(config.KeyDefaultUser, ""), s.id)
		defaulted = true
	} else {
		username = *user
	}

	pw := ""
	if password != nil {
		pw = *password
	}

	if defaulted {
		s.bus.emit(s.id, username)
	}

	sess, err := session.New(session.Config{
		SeatID:              s.id,
		Service:             svc,
		Username:            username,
		Password:            pw,
		SetupTerminal:       s.cfgBool(config.KeySetupTerminal, false),
		SessionCmd:          s.cfgString(config.KeySessionCmd, ""),
		SessionPath:         s.cfgString(config.KeySessionPath, ""),
		DataDirs:            s.cfgString(config.KeyDataDirs, "/usr/share:/usr/local/share"),
		StrictPrivilegeDrop: s.cfgBool(config.KeyStrictPrivilegeDrop, false),
		NotifyFD:            s.notifyWriteFD,
		Reaper:              s.reaper,
		Logger:              s.logger,
		AuthFactory:         s.authFactory,
	})
	if err != nil {
		s.logger.Warn("session construction failed", "error", err)
		return err
	}

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	return nil
}

// SwitchUser implements §4.5: create immediately if idle, else stash
// the request in the one-element pending buffer and terminate the
// current session. Always returns true synchronously (P6: the actual
// fork, if any, happens later once the old child's SIGCHLD lands).
func (s *Seat) SwitchUser(service, user, password *string) bool {
	s.mu.Lock()
	active := s.sess != nil
	if active {
		s.pending = &pendingSwitch{service: service, user: user, password: password}
	}
	s.mu.Unlock()

	if !active {
		if err := s.CreateSession(service, user, password); err != nil {
			s.logger.Warn("switch_user: immediate create_session failed", "error", err)
		}
		return true
	}

	s.sess.Terminate()
	return true
}

// TerminateSession is a no-op if idle.
func (s *Seat) TerminateSession() {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.Terminate()
}

// onChildDeath is the event-loop callback registered on the notify
// pipe's read end. It is the only place session-terminated is ever
// emitted, and runs exclusively on the event-loop goroutine, so the
// ordering guarantee in §5 ("a new session is never created before the
// old session object has been dropped") holds by construction.
func (s *Seat) onChildDeath() {
	var buf [4]byte
	n, err := unix.Read(s.notifyReadFD, buf[:])
	if err != nil || n < len(buf) {
		s.logger.Warn("short or failed read from notify pipe", "n", n, "error", err)
		return
	}

	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		if err := sess.ResetTTY(); err != nil {
			s.logger.Warn("restoring tty ownership failed", "error", err)
		}
		if err := sess.Close(); err != nil {
			s.logger.Warn("closing terminated session's auth handle failed", "error", err)
		}
	}

	if !s.emitTerminated() {
		return
	}

	if !s.cfgBool(config.KeyAutoLogin, true) {
		return
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var svc, user, pw *string
	if pending != nil {
		svc, user, pw = pending.service, pending.user, pending.password
	}
	if err := s.CreateSession(svc, user, pw); err != nil {
		s.logger.Warn("auto-relogin create_session failed", "error", err)
	}
}

// emitTerminated runs every observer and returns the logical AND of
// their results — a single false vetoes auto-relogin for this cycle.
func (s *Seat) emitTerminated() bool {
	s.mu.Lock()
	obs := append([]TerminatedObserver(nil), s.observers...)
	s.mu.Unlock()

	cont := true
	for _, o := range obs {
		if !o(s.id) {
			cont = false
		}
	}
	return cont
}

func (s *Seat) cfgString(key, def string) string {
	if v, ok := s.store.StringWithFallback(s.id, key); ok {
		return v
	}
	return def
}

func (s *Seat) cfgBool(key string, def bool) bool {
	fallback := s.store.GetBool(config.General, key, def)
	return s.store.GetBool(s.id, key, fallback)
}

func derefOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

// buildUserName implements §4.5's template substitution (P4): %S is
// the numeric suffix of seat_id after its "seat" prefix (0, with a
// warning, if the prefix doesn't match or the suffix isn't numeric),
// %I is the seat_id verbatim, and any other %X sequence is dropped
// along with its %.
func buildUserName(logger log.Logger, template, seatID string) string {
	if !strings.Contains(template, "%") {
		return template
	}

	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(template) {
			break
		}
		i++
		switch template[i] {
		case 'S':
			b.WriteString(seatNumericSuffix(logger, seatID))
		case 'I':
			b.WriteString(seatID)
		default:
			// Unknown escape: drop both the % and the following char.
		}
	}
	return b.String()
}

const seatIDPrefix = "seat"

func seatNumericSuffix(logger log.Logger, seatID string) string {
	if !strings.HasPrefix(seatID, seatIDPrefix) {
		logger.Warn("seat id lacks the expected prefix, defaulting %S to 0", "seat_id", seatID)
		return "0"
	}
	suffix := seatID[len(seatIDPrefix):]
	if _, err := strconv.Atoi(suffix); err != nil {
		logger.Warn("seat id suffix is not numeric, defaulting %S to 0", "seat_id", seatID)
		return "0"
	}
	return suffix
}
