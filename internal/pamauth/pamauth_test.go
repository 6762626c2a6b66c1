package pamauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeSessionCreatedPath(t *testing.T) {
	s := NewFake("login", "", "secret")
	s.PutEnv("XDG_SEAT", "seat0")

	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	res := <-ch
	require.Equal(t, SessionCreated, res.Kind)
	require.NotEmpty(t, res.SessionID)
	require.Equal(t, "fakeuser", s.Username())
	require.Contains(t, s.EnvList(), "XDG_SEAT=seat0")
	require.Equal(t, StateCreated, s.current())
}

func TestFakeSessionAuthErrorPath(t *testing.T) {
	s := NewFake("login", "nobody", "wrong")
	s.Outcome = AuthError

	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	res := <-ch
	require.Equal(t, AuthError, res.Kind)
	require.Error(t, res.Err)
	require.Equal(t, StateTerminated, s.current())
}

func TestFakeSessionSessionErrorPath(t *testing.T) {
	s := NewFake("login", "alice", "pw")
	s.Outcome = SessionError

	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	res := <-ch
	require.Equal(t, SessionError, res.Kind)
	require.Error(t, res.Err)
}

func TestStartTwiceRejected(t *testing.T) {
	s := NewFake("login", "alice", "pw")
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	_, err = s.Start(context.Background())
	require.Error(t, err)
}
