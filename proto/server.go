// Package proto implements the daemon's client-facing control protocols.
// Each server accepts TCP connections and runs one goroutine pair per
// session: a reader that frames incoming bytes and hands complete commands
// to the main loop, and a writer that drains the session's output queue.
// Command handlers and notification fanout run on the main loop only.
package proto

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/teleroute/drouter/state"
)

const sessionSendBuffer = 256

// Session is one client connection. Write may be called from the main loop;
// a session that cannot keep up with its output queue is dropped rather than
// allowed to stall the loop.
type Session struct {
	Id   uuid.UUID
	Peer string

	conn   net.Conn
	out    chan []byte
	done   chan struct{}
	closed atomic.Bool

	// Registry subscription handle, owned by the protocol handler.
	Sub uuid.UUID
}

func newSession(conn net.Conn) *Session {
	sess := &Session{
		Id:   uuid.New(),
		Peer: conn.RemoteAddr().String(),
		conn: conn,
		out:  make(chan []byte, sessionSendBuffer),
		done: make(chan struct{}),
	}
	go sess.writeLoop()
	return sess
}

func (sess *Session) writeLoop() {
	for {
		select {
		case data := <-sess.out:
			if _, err := sess.conn.Write(data); err != nil {
				sess.Close()
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (sess *Session) Write(data []byte) {
	if sess.closed.Load() {
		return
	}
	select {
	case sess.out <- data:
	default:
		// Slow consumer; drop the connection, not the loop.
		sess.Close()
	}
}

func (sess *Session) WriteString(str string) {
	sess.Write([]byte(str))
}

func (sess *Session) Close() {
	if sess.closed.Swap(true) {
		return
	}
	close(sess.done)
	sess.conn.Close()
}

// listen starts the accept loop for one protocol server. The accept callback
// runs on its own goroutine per connection.
func listen(e *state.Env, name, addr string, accept func(conn net.Conn)) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	e.Log.Info("protocol server listening", "protocol", name, "addr", addr)
	go func() {
		<-e.Context.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go accept(conn)
		}
	}()
	return ln, nil
}
