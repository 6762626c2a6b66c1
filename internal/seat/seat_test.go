package seat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Xuanwo/tlm/internal/config"
	"github.com/Xuanwo/tlm/internal/eventloop"
	"github.com/Xuanwo/tlm/internal/pamauth"
	"github.com/Xuanwo/tlm/internal/session"
)

func strptr(s string) *string { return &s }

func newTestStore(t *testing.T, ini string) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tlm.conf")
	require.NoError(t, os.WriteFile(path, []byte(ini), 0o600))
	st, err := config.LoadFile(path, log.NewNullLogger())
	require.NoError(t, err)
	return st
}

func TestBuildUserNameSubstitution(t *testing.T) {
	logger := log.NewNullLogger()
	require.Equal(t, "user3-seat3", buildUserName(logger, "user%S-%I", "seat3"))
	require.Equal(t, "alice", buildUserName(logger, "alice", "seat0"))
	require.Equal(t, "u", buildUserName(logger, "u%X", "seat1"))
}

func TestBuildUserNameBadPrefixDefaultsToZero(t *testing.T) {
	require.Equal(t, "guest0", buildUserName(log.NewNullLogger(), "guest%S", "display7"))
}

// authErrorFactory produces a FakeSession that always reports
// AuthError, so no real PAM is touched and no child is forked
// (session.New only forks via its own forkChild once auth succeeds;
// these tests only exercise the seat-level bookkeeping paths, using an
// auth outcome that short-circuits before fork).
func authErrorFactory(service, username, password string) session.AuthFactory {
	return func(logger log.Logger, svc, user, pw string) pamauth.Session {
		s := pamauth.NewFake(svc, user, pw)
		s.Outcome = pamauth.AuthError
		return s
	}
}

func newSeatForTest(t *testing.T, store *config.Store) *Seat {
	t.Helper()
	loop, err := eventloop.New()
	require.NoError(t, err)
	t.Cleanup(func() { loop.Close() })

	s, err := New(context.Background(), Config{
		ID:          "seat0",
		Path:        "",
		Store:       store,
		Loop:        loop,
		Logger:      log.NewNullLogger(),
		AuthFactory: authErrorFactory("", "", ""),
	})
	require.NoError(t, err)
	return s
}

func TestCreateSessionAuthFailureLeavesSeatIdle(t *testing.T) {
	store := newTestStore(t, "[General]\nPAMService=login\n")
	s := newSeatForTest(t, store)

	err := s.CreateSession(strptr("login"), strptr("nobody"), strptr("wrong"))
	require.Error(t, err)
	require.False(t, s.HasSession())

	// A subsequent create_session is accepted (scenario 3).
	err = s.CreateSession(strptr("login"), strptr("nobody"), strptr("wrong"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSessionActive)
	require.False(t, s.HasSession())
}

func TestCreateSessionRejectsWhenAlreadyActive(t *testing.T) {
	store := newTestStore(t, "[General]\n")
	s := newSeatForTest(t, store)
	s.sess = &session.Session{} // simulate an active session without forking

	err := s.CreateSession(strptr("login"), strptr("alice"), strptr("pw"))
	require.ErrorIs(t, err, ErrSessionActive)
}

func TestSwitchUserStashesPendingWhenActive(t *testing.T) {
	store := newTestStore(t, "[General]\n")
	s := newSeatForTest(t, store)
	s.sess = &session.Session{}

	ok := s.SwitchUser(strptr("login"), strptr("bob"), strptr("pw"))
	require.True(t, ok)

	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	require.NotNil(t, pending)
	require.Equal(t, "bob", *pending.user)

	// A second switch_user overwrites, never queues.
	ok = s.SwitchUser(strptr("login"), strptr("carol"), strptr("pw2"))
	require.True(t, ok)
	s.mu.Lock()
	pending = s.pending
	s.mu.Unlock()
	require.Equal(t, "carol", *pending.user)
}

func TestEmitTerminatedVetoStopsAutoLogin(t *testing.T) {
	store := newTestStore(t, "[General]\nAutoLogin=true\n")
	s := newSeatForTest(t, store)

	var called int
	s.Observe(func(seatID string) bool {
		called++
		return false
	})

	cont := s.emitTerminated()
	require.False(t, cont)
	require.Equal(t, 1, called)
}

func TestEmitTerminatedAllowsWhenNoVeto(t *testing.T) {
	store := newTestStore(t, "[General]\n")
	s := newSeatForTest(t, store)

	s.Observe(func(string) bool { return true })
	s.Observe(func(string) bool { return true })

	require.True(t, s.emitTerminated())
}

func TestCfgBoolPerSeatOverridesGeneral(t *testing.T) {
	store := newTestStore(t, "[General]\nAutoLogin=true\n\n[seat0]\nAutoLogin=false\n")
	s := newSeatForTest(t, store)
	require.False(t, s.cfgBool(config.KeyAutoLogin, true))
}

func TestCfgStringFallsBackToGeneral(t *testing.T) {
	store := newTestStore(t, "[General]\nPAMService=login\n")
	s := newSeatForTest(t, store)
	require.Equal(t, "login", s.cfgString(config.KeyPAMService, ""))
}

func TestOnChildDeathClearsSessionAndRespectsTimeout(t *testing.T) {
	store := newTestStore(t, "[General]\nAutoLogin=false\n")
	s := newSeatForTest(t, store)
	s.sess = &session.Session{}

	_, err := unix.Write(s.notifyWriteFD, make([]byte, 4))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.onChildDeath()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onChildDeath did not return (blocked on pipe read?)")
	}

	require.False(t, s.HasSession())
}

// TestOnChildDeathAutoLoginRelogsWithPending confirms the pending
// switch_user request is consumed and applied once the old session's
// death is observed (scenario 6), and is cleared afterward.
func TestOnChildDeathAutoLoginRelogsWithPending(t *testing.T) {
	store := newTestStore(t, "[General]\nAutoLogin=true\nPAMService=login\n")
	s := newSeatForTest(t, store)
	s.sess = &session.Session{}
	s.pending = &pendingSwitch{service: strptr("login"), user: strptr("bob"), password: strptr("wrong")}

	_, err := unix.Write(s.notifyWriteFD, make([]byte, 4))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.onChildDeath()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onChildDeath did not return")
	}

	// authErrorFactory always fails auth, so re-login fails cleanly, but
	// the pending request must have been consumed (not left stale) and
	// the seat left idle rather than re-queued.
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	require.Nil(t, pending)
	require.False(t, s.HasSession())
}
