package session

import (
	"testing"

	log "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/Xuanwo/tlm/internal/pamauth"
)

func fakeFactory(outcome pamauth.ResultKind) AuthFactory {
	return func(logger log.Logger, service, username, password string) pamauth.Session {
		s := pamauth.NewFake(service, username, password)
		s.Outcome = outcome
		return s
	}
}

func TestNewAuthErrorDoesNotFork(t *testing.T) {
	cfg := Config{
		Service:     "login",
		Username:    "nobody",
		Password:    "wrong",
		AuthFactory: fakeFactory(pamauth.AuthError),
	}
	s, err := New(cfg)
	require.Error(t, err)
	require.Nil(t, s)
}

func TestNewSessionErrorDoesNotFork(t *testing.T) {
	cfg := Config{
		Service:     "login",
		Username:    "alice",
		Password:    "pw",
		AuthFactory: fakeFactory(pamauth.SessionError),
	}
	s, err := New(cfg)
	require.Error(t, err)
	require.Nil(t, s)
}

func TestTerminateNoopWithoutPID(t *testing.T) {
	s := &Session{logger: log.NewNullLogger()}
	// Must not panic even though no child was ever forked.
	s.Terminate()
}

func TestResetTTYNoopWithoutCapturedOwner(t *testing.T) {
	s := &Session{logger: log.NewNullLogger()}
	require.NoError(t, s.ResetTTY())
}

// TestTokenizeSessionCmdQuoting matches scenario 4: quoted spans survive
// as single tokens with one layer of quotes stripped, and splitting
// ignores whitespace inside quotes.
func TestTokenizeSessionCmdQuoting(t *testing.T) {
	argv := tokenizeSessionCmd(`/usr/bin/env FOO='hello world' "bar baz"`, "/bin/sh")
	require.Equal(t, []string{"/usr/bin/env", "FOO=hello world", "bar baz"}, argv)
}

// TestTokenizeSessionCmdFallback matches scenario 5.
func TestTokenizeSessionCmdFallback(t *testing.T) {
	require.Equal(t, []string{"/bin/zsh"}, tokenizeSessionCmd("", "/bin/zsh"))
	require.Equal(t, []string{"systemd", "--user"}, tokenizeSessionCmd("", ""))
}

func TestBuildEnvOrderingAndOverrides(t *testing.T) {
	job := childJob{
		Username:     "alice",
		Home:         "/home/alice",
		SeatID:       "seat0",
		DataDirs:     "/usr/share",
		PamEnv:       []string{"LANG=en_US.UTF-8"},
		EnvOverrides: map[string]string{"USER": "overridden", "EXTRA": "1"},
	}
	env := buildEnv(job, "/bin/bash")

	asMap := map[string]string{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				asMap[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	require.Equal(t, "en_US.UTF-8", asMap["LANG"])
	require.Equal(t, "/home/alice", asMap["HOME"])
	require.Equal(t, "/bin/bash", asMap["SHELL"])
	require.Equal(t, "seat0", asMap["XDG_SEAT"])
	require.Equal(t, "/usr/share", asMap["XDG_DATA_DIRS"])
	require.Equal(t, defaultSessionPath, asMap["PATH"])
	// env_overrides applied last: overrides even the unconditional USER.
	require.Equal(t, "overridden", asMap["USER"])
	require.Equal(t, "1", asMap["EXTRA"])
}

func TestLookupShellMissingUserReturnsEmpty(t *testing.T) {
	require.Equal(t, "", lookupShell("definitely-not-a-real-user-xyz"))
}
