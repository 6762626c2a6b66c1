//go:build !pam || !cgo

package pamauth

import (
	"context"

	log "github.com/hashicorp/go-hclog"
)

// New constructs the production Session backend. This build was
// compiled without PAM support (build tags "pam,cgo" were not both
// set), so Start always reports SessionError — the daemon still links
// and runs, it simply cannot authenticate anyone, matching the
// source's treatment of a misconfigured or absent authentication
// module. Tests use NewFake instead.
func New(logger log.Logger, service, username, password string) Session {
	return &unavailableSession{service: service, username: username}
}

type unavailableSession struct {
	stateMachine
	service  string
	username string
}

func (s *unavailableSession) PutEnv(string, string) {}

func (s *unavailableSession) Start(ctx context.Context) (<-chan Result, error) {
	if err := s.transition(StateAuthenticating); err != nil {
		return nil, err
	}
	ch := make(chan Result, 1)
	_ = s.transition(StateTerminated)
	ch <- Result{
		Kind: SessionError,
		Err:  wrapSessionError(s.service, s.username, errPAMNotCompiledIn),
	}
	close(ch)
	return ch, nil
}

func (s *unavailableSession) Username() string { return s.username }
func (s *unavailableSession) EnvList() []string { return nil }
func (s *unavailableSession) Close() error      { return nil }

const errPAMNotCompiledIn = fakeError("pam support not compiled into this build")
