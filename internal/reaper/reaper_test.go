package reaper

import (
	"encoding/binary"
	"os/exec"
	"testing"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTableInsertRemove(t *testing.T) {
	var tbl table
	require.NoError(t, tbl.insert(42, 7))

	fd, ok := tbl.remove(42)
	require.True(t, ok)
	require.EqualValues(t, 7, fd)

	_, ok = tbl.remove(42)
	require.False(t, ok, "entry must be gone after removal")
}

func TestTableRemoveMissTolerated(t *testing.T) {
	var tbl table
	_, ok := tbl.remove(999)
	require.False(t, ok)
}

// TestReaperEndToEnd exercises P3: after a registered child exits, the
// notify pipe receives exactly its pid and the table entry is gone.
func TestReaperEndToEnd(t *testing.T) {
	r := New(log.NewNullLogger())
	defer r.Stop()

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	readFd, writeFd := p[0], p[1]
	defer unix.Close(readFd)

	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Start())
	require.NoError(t, r.Register(cmd.Process.Pid, writeFd))

	deadline := time.After(3 * time.Second)
	var buf [4]byte
	for {
		n, err := unix.Read(readFd, buf[:])
		if n == 4 {
			break
		}
		if err != nil && err != unix.EAGAIN {
			t.Fatalf("unexpected read error: %v", err)
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reap notification")
		case <-time.After(10 * time.Millisecond):
		}
	}
	unix.Close(writeFd)
	require.EqualValues(t, cmd.Process.Pid, binary.LittleEndian.Uint32(buf[:]))

	_, ok := r.tbl.remove(cmd.Process.Pid)
	require.False(t, ok, "table entry must be removed once reaped")
}
