package pamauth

import (
	"context"
)

// FakeSession is an in-memory Session used by tests (and acceptable as
// a development stand-in) to drive the core's state machine without a
// real PAM stack. Its outcome is fixed at construction time so tests
// can exercise every path in §8's scenarios deterministically.
type FakeSession struct {
	stateMachine

	service  string
	username string
	password string
	env      map[string]string
	envList  []string

	// Outcome controls what Start eventually delivers.
	Outcome ResultKind
	// FailErr is used verbatim for AuthError/SessionError outcomes.
	FailErr error
}

// NewFake constructs a FakeSession. By default it succeeds
// (SessionCreated); set Outcome/FailErr before calling Start to
// exercise the auth-error / session-error paths.
func NewFake(service, username, password string) *FakeSession {
	return &FakeSession{
		service:  service,
		username: username,
		password: password,
		env:      make(map[string]string),
		Outcome:  SessionCreated,
	}
}

func (f *FakeSession) PutEnv(name, value string) {
	f.env[name] = value
}

func (f *FakeSession) Start(ctx context.Context) (<-chan Result, error) {
	if err := f.transition(StateAuthenticating); err != nil {
		return nil, err
	}
	ch := make(chan Result, 1)

	switch f.Outcome {
	case SessionCreated:
		if f.username == "" {
			f.username = "fakeuser"
		}
		for k, v := range f.env {
			f.envList = append(f.envList, k+"="+v)
		}
		_ = f.transition(StateCreated)
		ch <- Result{Kind: SessionCreated, SessionID: newSessionID()}
	case AuthError:
		err := f.FailErr
		if err == nil {
			err = wrapAuthError(f.service, f.username, errInvalidCredentials)
		}
		_ = f.transition(StateTerminated)
		ch <- Result{Kind: AuthError, Err: err}
	case SessionError:
		err := f.FailErr
		if err == nil {
			err = wrapSessionError(f.service, f.username, errSessionOpenFailed)
		}
		_ = f.transition(StateTerminated)
		ch <- Result{Kind: SessionError, Err: err}
	}
	close(ch)
	return ch, nil
}

func (f *FakeSession) Username() string {
	return f.username
}

func (f *FakeSession) EnvList() []string {
	return f.envList
}

func (f *FakeSession) Close() error {
	_ = f.transition(StateTerminated)
	return nil
}

type fakeError string

func (e fakeError) Error() string { return string(e) }

const (
	errInvalidCredentials = fakeError("invalid credentials")
	errSessionOpenFailed  = fakeError("session open failed")
)
