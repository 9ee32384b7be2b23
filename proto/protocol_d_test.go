package proto

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleroute/drouter/core"
	"github.com/teleroute/drouter/state"
)

// newTestDSession wires a dSession to one end of a pipe and returns a reader
// for the client end. The registry is empty: no drivers, no maps.
func newTestDSession(t *testing.T) (*DServer, *dSession, *state.State, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	env := &state.Env{
		Context: ctx,
		Cancel:  cancel,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s := &state.State{
		Env: env,
		Modules: map[string]state.Module{
			reflect.TypeFor[*core.RouterRegistry]().String(): &core.RouterRegistry{},
			reflect.TypeFor[*core.Tether]().String():         &core.Tether{},
		},
	}

	server, client := net.Pipe()
	sess := &dSession{Session: newSession(server)}
	t.Cleanup(sess.Close)
	t.Cleanup(func() { client.Close() })
	return &DServer{e: env}, sess, s, bufio.NewReader(client)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestDServer_UnknownCommand(t *testing.T) {
	d, sess, s, r := newTestDSession(t)

	d.handleCommand(s, sess, "foobar")
	assert.Equal(t, "error\r\n", readLine(t, r))

	// the session stays open and keeps taking commands
	d.handleCommand(s, sess, "ping")
	assert.Equal(t, "pong\r\n", readLine(t, r))
}

func TestDServer_ListCommands(t *testing.T) {
	d, sess, s, r := newTestDSession(t)

	d.handleCommand(s, sess, "listnodes")
	assert.Equal(t, "ok\r\n", readLine(t, r))

	d.handleCommand(s, sess, "listsilences")
	assert.Equal(t, "ok\r\n", readLine(t, r))

	d.handleCommand(s, sess, "listclips")
	assert.Equal(t, "ok\r\n", readLine(t, r))
}

func TestDServer_BadArguments(t *testing.T) {
	d, sess, s, r := newTestDSession(t)

	d.handleCommand(s, sess, "setgpistate nothost 1 hhhhh")
	assert.Equal(t, "error\r\n", readLine(t, r))

	d.handleCommand(s, sess, "clearcrosspoint 192.168.0.1")
	assert.Equal(t, "error\r\n", readLine(t, r))
}

func TestDServer_TetherSubscription(t *testing.T) {
	d, sess, s, r := newTestDSession(t)

	d.handleCommand(s, sess, "subscribetethers")
	assert.Equal(t, "TETHER\t0\r\n", readLine(t, r))
	assert.Equal(t, "ok\r\n", readLine(t, r))

	d.notify(sess, state.Notification{Category: state.CatTether, Kind: state.KindChange, TetherActive: true})
	assert.Equal(t, "TETHER\t1\r\n", readLine(t, r))
}

func TestDServer_Exit(t *testing.T) {
	d, sess, s, r := newTestDSession(t)

	d.handleCommand(s, sess, "exit")

	// the close may race the queued reply; either way the peer sees EOF
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, []string{"", "ok\r\n"}, string(data))
	assert.True(t, sess.closed.Load())
}
