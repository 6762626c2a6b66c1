package session

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/gravitational/trace"
	log "github.com/hashicorp/go-hclog"
	"github.com/mattn/go-shellwords"
	"golang.org/x/sys/unix"
)

const defaultSessionPath = "/usr/local/bin:/usr/bin:/bin"

// runChild carries out steps (a)-(h) of §4.4's child branch. It runs in
// a freshly re-exec'd, single-threaded process (see session.go's
// package doc), so there is no fork-safety concern here: this is
// ordinary Go.
func runChild(logger log.Logger, job childJob) {
	if job.SetupTerminal {
		if err := setupTerminal(job.UID); err != nil {
			logger.Warn("tty setup failed, continuing without controlling terminal", "error", err)
		}
	}

	// (b) reparented to init: become session leader and acquire a
	// controlling tty of our own.
	if os.Getppid() == 1 {
		if err := unix.Setsid(); err != nil {
			logger.Warn("setsid failed", "error", err)
		}
		if err := unix.IoctlSetInt(0, unix.TIOCSCTTY, 0); err != nil {
			logger.Warn("TIOCSCTTY failed", "error", err)
		}
	}

	// (c) hand the tty to the target user before dropping privileges.
	if err := unix.Fchown(0, int(job.UID), -1); err != nil {
		logger.Warn("fchown of controlling tty failed", "uid", job.UID, "error", err)
	}

	// (d) drop privileges. Logged-but-not-fatal by default, matching
	// the source; StrictPrivilegeDrop changes that per §9's flagged
	// design decision.
	if err := dropPrivileges(job.Username, job.UID, job.GID); err != nil {
		logger.Warn("privilege drop failed", "user", job.Username, "error", err)
		if job.StrictPrivilegeDrop {
			logger.Error("aborting before exec: StrictPrivilegeDrop is set")
			os.Exit(1)
		}
	}

	// (e) build the environment.
	shell := job.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	env := buildEnv(job, shell)

	// (f) chdir $HOME.
	if job.Home != "" {
		if err := os.Chdir(job.Home); err != nil {
			logger.Warn("chdir to $HOME failed", "home", job.Home, "error", err)
		}
	}

	// (g) tokenize SessionCmd, falling back to $SHELL then systemd --user.
	argv := tokenizeSessionCmd(job.SessionCmd, shell)

	// (h) execvp.
	path, err := exec.LookPath(argv[0])
	if err != nil {
		path = argv[0]
	}
	err = syscall.Exec(path, argv, env)
	logger.Error("execvp failed", "argv0", argv[0], "error", err)
	os.Exit(127)
}

// setupTerminal implements step (a): resolve the controlling tty,
// validate it, reopen it non-blocking, make it the foreground process
// group's terminal, and dup2 it onto 0/1/2.
func setupTerminal(uid uint32) error {
	name, err := os.Readlink("/proc/self/fd/0")
	if err != nil {
		return trace.Wrap(err, "resolve controlling tty")
	}
	if !strings.HasPrefix(name, "/dev/") {
		return trace.BadParameter("tty path %q is not under /dev/", name)
	}

	fi, err := os.Lstat(name)
	if err != nil {
		return trace.Wrap(err, "stat %q", name)
	}
	if fi.Mode()&os.ModeCharDevice == 0 {
		return trace.BadParameter("%q is not a character device", name)
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Nlink != 1 {
		return trace.BadParameter("%q has unexpected link count %d", name, st.Nlink)
	}

	f, err := os.OpenFile(name, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return trace.Wrap(err, "reopen %q", name)
	}
	defer f.Close()

	ttyFd := int(f.Fd())
	if _, err := unix.IoctlGetTermios(ttyFd, unix.TCGETS); err != nil {
		return trace.BadParameter("%q failed isatty check: %v", name, err)
	}

	if err := unix.IoctlSetPointerInt(ttyFd, unix.TIOCSPGRP, os.Getpid()); err != nil {
		return trace.Wrap(err, "TIOCSPGRP on %q", name)
	}

	closeStrayFDs(ttyFd)

	for _, target := range []int{0, 1, 2} {
		if err := unix.Dup2(ttyFd, target); err != nil {
			return trace.Wrap(err, "dup2 tty onto fd %d", target)
		}
	}
	return nil
}

// closeStrayFDs closes every open fd above 2 except keep, matching
// §4.4(a)'s "close all lower fds" before the final dup2 handoff.
func closeStrayFDs(keep int) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return
	}
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil || n <= 2 || n == keep {
			continue
		}
		_ = unix.Close(n)
	}
}

// dropPrivileges implements step (d): initgroups, setregid, setreuid,
// in that order. Go's standard library has no initgroups binding, so
// the supplementary group list is read from the target's passwd/group
// entry via os/user and applied with setgroups — the same effect, the
// corpus offers no dedicated library for it (see DESIGN.md).
func dropPrivileges(username string, uid, gid uint32) error {
	var errs []error

	if u, err := user.Lookup(username); err == nil {
		if gids, gerr := u.GroupIds(); gerr == nil {
			ids := make([]int, 0, len(gids))
			for _, g := range gids {
				if n, cerr := strconv.Atoi(g); cerr == nil {
					ids = append(ids, n)
				}
			}
			if serr := unix.Setgroups(ids); serr != nil {
				errs = append(errs, trace.Wrap(serr, "initgroups"))
			}
		} else {
			errs = append(errs, trace.Wrap(gerr, "lookup supplementary groups"))
		}
	} else {
		errs = append(errs, trace.Wrap(err, "lookup user for initgroups"))
	}

	if err := unix.Setregid(int(gid), int(gid)); err != nil {
		errs = append(errs, trace.Wrap(err, "setregid"))
	}
	if err := unix.Setreuid(int(uid), int(uid)); err != nil {
		errs = append(errs, trace.Wrap(err, "setreuid"))
	}

	if len(errs) > 0 {
		return trace.NewAggregate(errs...)
	}
	return nil
}

// buildEnv implements step (e)'s ordering: PAM's env list first, then
// the unconditional core variables, then env_overrides last.
func buildEnv(job childJob, shell string) []string {
	env := make(map[string]string, len(job.PamEnv)+8)
	for _, kv := range job.PamEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	if shell == "" {
		shell = "/bin/sh"
	}
	path := job.SessionPath
	if path == "" {
		path = defaultSessionPath
	}
	env["PATH"] = path
	env["USER"] = job.Username
	env["LOGNAME"] = job.Username
	env["HOME"] = job.Home
	env["SHELL"] = shell
	env["XDG_SEAT"] = job.SeatID
	env["XDG_DATA_DIRS"] = job.DataDirs

	for k, v := range job.EnvOverrides {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// tokenizeSessionCmd implements step (g)'s tokenization rule: split on
// whitespace outside matched quotes, strip one layer of surrounding
// quotes, apply backslash-escape decoding. go-shellwords already
// implements exactly this grammar (unlike google/shlex, which has no
// escape decoding), so it does the splitting; only the empty-command
// fallback chain is ours.
func tokenizeSessionCmd(cmd, shell string) []string {
	if strings.TrimSpace(cmd) == "" {
		return fallbackArgv(shell)
	}

	argv, err := shellwords.NewParser().Parse(cmd)
	if err != nil || len(argv) == 0 {
		return fallbackArgv(shell)
	}
	return argv
}

func fallbackArgv(shell string) []string {
	if shell != "" {
		return []string{shell}
	}
	return []string{"systemd", "--user"}
}

// lookupShell resolves username's login shell from /etc/passwd.
// os/user does not expose the shell field at all, and no library in
// the corpus parses passwd either, so this is a small hand-rolled
// reader in the same spirit as internal/config's INI parser (see
// DESIGN.md). A lookup failure just means the caller falls back to
// $SHELL / "systemd --user", never an error.
func lookupShell(username string) string {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) >= 7 && fields[0] == username {
			return fields[6]
		}
	}
	return ""
}
