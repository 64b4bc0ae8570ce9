// Package inbound runs FamilyCom's TCP accept loop: one goroutine per
// connection, decoding wire frames and acknowledging Chats before handing
// them upward, mirroring the teacher's handleIncoming stream handler but
// over a raw net.Conn instead of a libp2p stream.
package inbound

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/familycom/familycom/internal/wire"
)

// acceptBackoff is the delay after a transient Accept error, per spec.
const acceptBackoff = 100 * time.Millisecond

// Event is something an inbound connection has handed upward: a Chat (with
// the remote address it arrived on) or an Ack.
type Event struct {
	Chat       *wire.ChatPayload
	Ack        *wire.AckPayload
	RemoteAddr string
}

// Server accepts TCP connections on a configured port and pushes decoded
// Chat/Ack events onto a channel for the daemon core to consume.
type Server struct {
	ln     net.Listener
	events chan Event
}

// Listen binds TCP on addr ("" host with a port, or port 0 for an
// OS-assigned port) and returns a Server ready to Serve.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("inbound: listen: %w", err)
	}
	return &Server{ln: ln, events: make(chan Event, 64)}, nil
}

// Addr returns the bound address, including the OS-assigned port if the
// listener was opened with port 0.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Events returns the channel of events forwarded from accepted connections.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Close stops accepting and closes the listener. In-flight connections are
// not forcibly closed; they finish or error out on their own.
func (s *Server) Close() error {
	return s.ln.Close()
}

// Serve runs the accept loop until the listener is closed. Transient
// accept errors are logged and retried after acceptBackoff; a permanent
// listener closure returns nil.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("inbound: transient accept error: %v", err)
			time.Sleep(acceptBackoff)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)
	for {
		msg, err := wire.Decode(r)
		if err != nil {
			if !errors.Is(err, wire.ErrConnClosed) {
				log.Printf("inbound: decode error from %s: %v", remote, err)
			}
			return
		}
		switch msg.Kind {
		case wire.KindChat:
			ack := wire.NewAck(msg.Chat.ID)
			if err := wire.Encode(conn, ack); err != nil {
				log.Printf("inbound: ack write error to %s: %v", remote, err)
				return
			}
			chat := msg.Chat
			s.events <- Event{Chat: &chat, RemoteAddr: remote}
		case wire.KindPing:
			if err := wire.Encode(conn, wire.NewPong()); err != nil {
				log.Printf("inbound: pong write error to %s: %v", remote, err)
				return
			}
		case wire.KindPong:
			// ignored
		case wire.KindAck:
			ack := msg.Ack
			s.events <- Event{Ack: &ack, RemoteAddr: remote}
		}
	}
}

// RemotePeerAddr strips the port from a net.Conn remote address string for
// callers that only want the host part (e.g. synthesizing a PeerRecord for
// an unknown sender).
func RemotePeerAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
