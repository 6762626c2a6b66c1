//go:build pam && cgo

package pamauth

// #cgo LDFLAGS: -lpam
// #include <security/pam_appl.h>
// #include <stdlib.h>
//
// extern int tlmPAMConv(int num_msg, const struct pam_message **msg,
//                        struct pam_response **resp, void *appdata_ptr);
//
// static struct pam_conv tlm_make_conv(void *appdata) {
//     struct pam_conv conv;
//     conv.conv = tlmPAMConv;
//     conv.appdata_ptr = appdata;
//     return conv;
// }
import "C"

import (
	"context"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gravitational/trace"
	log "github.com/hashicorp/go-hclog"
)

func init() {
	// pam_loginuid.so writes /proc/self/loginuid, which the kernel
	// validates against a specific thread. Pin all PAM work to the
	// startup thread for the same reason teleport's lib/pam does (see
	// other_examples/813d949e_gravitational-teleport__lib-pam-pam.go.go).
	runtime.LockOSThread()
}

var (
	handlerMu   sync.Mutex
	handlerNext int
	handlers    = make(map[int]*cgoSession)
)

func registerHandler(s *cgoSession) int {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handlerNext++
	handlers[handlerNext] = s
	return handlerNext
}

func unregisterHandler(idx int) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	delete(handlers, idx)
}

func lookupHandler(idx int) *cgoSession {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	return handlers[idx]
}

//export tlmPAMConv
func tlmPAMConv(numMsg C.int, msg **C.struct_pam_message, resp **C.struct_pam_response, appdata unsafe.Pointer) C.int {
	s := lookupHandler(int(uintptr(appdata)))
	if s == nil {
		return C.PAM_CONV_ERR
	}
	return s.converse(numMsg, msg, resp)
}

// cgoSession drives a real PAM conversation. It is the cgo,cgo+pam
// build's Session implementation; the rest of the package (and every
// other build) never sees libpam types.
type cgoSession struct {
	stateMachine

	logger   log.Logger
	service  string
	username string
	password string
	env      map[string]string
	envList  []string

	handle *C.pam_handle_t
	conv   C.struct_pam_conv
	idx    int
}

// New constructs the production Session backend, backed by the host's
// libpam.
func New(logger log.Logger, service, username, password string) Session {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &cgoSession{
		logger:   logger.Named("pam"),
		service:  service,
		username: username,
		password: password,
		env:      make(map[string]string),
	}
}

func (s *cgoSession) PutEnv(name, value string) {
	s.env[name] = value
}

func (s *cgoSession) Username() string  { return s.username }
func (s *cgoSession) EnvList() []string { return s.envList }

func (s *cgoSession) Start(ctx context.Context) (<-chan Result, error) {
	if err := s.transition(StateAuthenticating); err != nil {
		return nil, err
	}
	ch := make(chan Result, 1)
	go s.run(ch)
	return ch, nil
}

// converse answers libpam's conversation callback: the password for a
// PAM_PROMPT_ECHO_OFF message and the username for a PAM_PROMPT_ECHO_ON
// message. Every other message style gets an empty response so
// PAM_SUCCESS can still be returned for informational prompts.
func (s *cgoSession) converse(numMsg C.int, msg **C.struct_pam_message, resp **C.struct_pam_response) C.int {
	n := int(numMsg)
	respArray := (*C.struct_pam_response)(C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(C.struct_pam_response{}))))
	msgs := unsafe.Slice(msg, n)
	respSlice := unsafe.Slice(respArray, n)

	for i := 0; i < n; i++ {
		respSlice[i] = C.struct_pam_response{}
		style := msgs[i].msg_style
		switch style {
		case C.PAM_PROMPT_ECHO_OFF:
			respSlice[i].resp = C.CString(s.password)
		case C.PAM_PROMPT_ECHO_ON:
			respSlice[i].resp = C.CString(s.username)
		default:
			respSlice[i].resp = nil
		}
	}
	*resp = respArray
	return C.PAM_SUCCESS
}

func (s *cgoSession) run(ch chan<- Result) {
	defer close(ch)

	s.idx = registerHandler(s)
	defer unregisterHandler(s.idx)
	s.conv = C.tlm_make_conv(unsafe.Pointer(uintptr(s.idx)))

	cService := C.CString(s.service)
	defer C.free(unsafe.Pointer(cService))
	var cUser *C.char
	if s.username != "" {
		cUser = C.CString(s.username)
		defer C.free(unsafe.Pointer(cUser))
	}

	if rc := C.pam_start(cService, cUser, &s.conv, &s.handle); rc != C.PAM_SUCCESS {
		_ = s.transition(StateTerminated)
		ch <- Result{Kind: SessionError, Err: wrapSessionError(s.service, s.username, trace.Errorf("pam_start: rc=%d", int(rc)))}
		return
	}

	for name, value := range s.env {
		kv := C.CString(name + "=" + value)
		C.pam_putenv(s.handle, kv)
		C.free(unsafe.Pointer(kv))
	}

	if rc := C.pam_authenticate(s.handle, 0); rc != C.PAM_SUCCESS {
		err := wrapAuthError(s.service, s.username, trace.Errorf("%s", C.GoString(C.pam_strerror(s.handle, rc))))
		C.pam_end(s.handle, rc)
		_ = s.transition(StateTerminated)
		ch <- Result{Kind: AuthError, Err: err}
		return
	}

	if rc := C.pam_acct_mgmt(s.handle, 0); rc != C.PAM_SUCCESS {
		err := wrapAuthError(s.service, s.username, trace.Errorf("%s", C.GoString(C.pam_strerror(s.handle, rc))))
		C.pam_end(s.handle, rc)
		_ = s.transition(StateTerminated)
		ch <- Result{Kind: AuthError, Err: err}
		return
	}

	var itemPtr unsafe.Pointer
	if rc := C.pam_get_item(s.handle, C.PAM_USER, &itemPtr); rc == C.PAM_SUCCESS && itemPtr != nil {
		s.username = C.GoString((*C.char)(itemPtr))
	}

	if rc := C.pam_open_session(s.handle, 0); rc != C.PAM_SUCCESS {
		err := wrapSessionError(s.service, s.username, trace.Errorf("%s", C.GoString(C.pam_strerror(s.handle, rc))))
		C.pam_end(s.handle, rc)
		_ = s.transition(StateTerminated)
		ch <- Result{Kind: SessionError, Err: err}
		return
	}

	s.envList = s.collectEnvList()

	_ = s.transition(StateCreated)
	ch <- Result{Kind: SessionCreated, SessionID: newSessionID()}
}

func (s *cgoSession) collectEnvList() []string {
	cEnv := C.pam_getenvlist(s.handle)
	if cEnv == nil {
		return nil
	}
	var out []string
	for p := cEnv; *p != nil; p = (**C.char)(unsafe.Add(unsafe.Pointer(p), unsafe.Sizeof(*p))) {
		out = append(out, C.GoString(*p))
		C.free(unsafe.Pointer(*p))
	}
	C.free(unsafe.Pointer(cEnv))
	return out
}

func (s *cgoSession) Close() error {
	if s.handle != nil {
		C.pam_close_session(s.handle, 0)
		C.pam_end(s.handle, C.PAM_SUCCESS)
		s.handle = nil
	}
	_ = s.transition(StateTerminated)
	return nil
}
