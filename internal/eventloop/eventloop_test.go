package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLoopDispatchesOnReadability(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	fired := make(chan struct{}, 1)
	require.NoError(t, l.Add(p[0], func() {
		var buf [1]byte
		_, _ = unix.Read(p[0], buf[:])
		fired <- struct{}{}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go l.Run(ctx)

	_, err = unix.Write(p[1], []byte{1})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}
