package proto

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/teleroute/drouter/state"
)

func testEnv(ctx context.Context, cancel context.CancelCauseFunc) *state.Env {
	return &state.Env{
		Context:         ctx,
		Cancel:          cancel,
		DispatchChannel: make(chan func(s *state.State) error, 128),
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSession_WriteAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	server, client := net.Pipe()
	sess := newSession(server)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		got <- string(buf[:n])
	}()

	sess.WriteString("ok\r\n")
	select {
	case data := <-got:
		assert.Equal(t, "ok\r\n", data)
	case <-time.After(time.Second):
		t.Fatal("write never reached the peer")
	}

	sess.Close()
	sess.Close() // idempotent
	sess.WriteString("after close") // dropped, must not panic
	client.Close()
}

func TestSession_SlowConsumerDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	server, client := net.Pipe()
	defer client.Close()
	sess := newSession(server)

	// nobody reads the client side; the queue fills and the session drops
	for i := 0; i < sessionSendBuffer+2; i++ {
		sess.WriteString("RouteStat 1 1 1 False\r\n")
	}
	assert.Eventually(t, func() bool { return sess.closed.Load() },
		time.Second, 10*time.Millisecond)
}

func TestListen_ClosesWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancelCause(context.Background())
	e := testEnv(ctx, cancel)

	accepted := make(chan net.Conn, 1)
	ln, err := listen(e, "test", "127.0.0.1:0", func(conn net.Conn) {
		accepted <- conn
	})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(time.Second):
		t.Fatal("connection was never accepted")
	}
	conn.Close()

	cancel(context.Canceled)
	assert.Eventually(t, func() bool {
		_, err := net.Dial("tcp", ln.Addr().String())
		return err != nil
	}, time.Second, 10*time.Millisecond)
}
