// Package control implements FamilyCom's local control protocol: one JSON
// object per line over a Unix domain socket, the way a terminal client
// talks to the daemon. The server multiplexes, per client, reading
// requests, writing replies, and (once Subscribe is issued) forwarding bus
// events — grounded on the teacher's per-listener channel map in
// internal/mq/manager.go for the subscribe/broadcast shape and
// internal/rendezvous/server.go's accept-loop-plus-goroutine-per-connection
// structure for the server skeleton.
package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/familycom/familycom/internal/bus"
	"github.com/familycom/familycom/internal/types"
)

// Error codes surfaced on the control protocol (§7).
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidContent = "invalid_content"
	CodeInvalidName    = "invalid_name"
	CodePeerNotFound   = "peer_not_found"
	CodeDBError        = "db_error"
	CodeConfigError    = "config_error"
	CodeInternalError  = "internal_error"
)

// Request is a client→daemon message. Type selects which of the optional
// fields is meaningful.
type Request struct {
	Type string `json:"type"`

	PeerID  string `json:"peer_id,omitempty"`
	Content string `json:"content,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Before  *int64 `json:"before,omitempty"`
	Name    string `json:"name,omitempty"`
}

const (
	ReqListPeers      = "ListPeers"
	ReqGetMessages    = "GetMessages"
	ReqSendMessage    = "SendMessage"
	ReqGetConfig      = "GetConfig"
	ReqSetDisplayName = "SetDisplayName"
	ReqSubscribe      = "Subscribe"
)

// Message is a daemon→client message, tagged by Type. Event is a pushed
// notification (PeerOnline/PeerOffline/NewMessage/MessageDelivered);
// anything else is a reply to an outstanding request.
type Message struct {
	Type string `json:"type"`

	Peers       []PeerView    `json:"peers,omitempty"`
	Messages    []MessageView `json:"messages,omitempty"`
	MessageID   string        `json:"message_id,omitempty"`
	Message     *MessageView  `json:"message,omitempty"`
	Peer        *PeerView     `json:"peer,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
	PeerIDStr   string        `json:"peer_id,omitempty"`
	Code        string        `json:"code,omitempty"`
	ErrMsg      string        `json:"error_message,omitempty"`
}

const (
	MsgOk               = "Ok"
	MsgPeerList         = "PeerList"
	MsgMessages         = "Messages"
	MsgMessageSent      = "MessageSent"
	MsgNewMessage       = "NewMessage"
	MsgPeerOnline       = "PeerOnline"
	MsgPeerOffline      = "PeerOffline"
	MsgMessageDelivered = "MessageDelivered"
	MsgConfig           = "Config"
	MsgError            = "Error"
)

// PeerView and MessageView are the JSON projections of the store's domain
// records onto the control protocol.
type PeerView struct {
	PeerID      string   `json:"peer_id"`
	DisplayName string   `json:"display_name"`
	Addresses   []string `json:"addresses"`
	LastSeenAt  int64    `json:"last_seen_at"`
	Online      bool     `json:"online"`
}

type MessageView struct {
	MessageID string `json:"message_id"`
	PeerID    string `json:"peer_id"`
	Direction string `json:"direction"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Delivered bool   `json:"delivered"`
}

func PeerRecordToView(p types.PeerRecord) PeerView {
	return PeerView{
		PeerID:      string(p.Identity),
		DisplayName: p.DisplayName,
		Addresses:   p.Addresses,
		LastSeenAt:  int64(p.LastSeenAt),
		Online:      p.Online,
	}
}

func MessageRecordToView(m types.MessageRecord) MessageView {
	return MessageView{
		MessageID: string(m.Identity),
		PeerID:    string(m.PeerIdentity),
		Direction: string(m.Direction),
		Content:   m.Content,
		Timestamp: int64(m.Timestamp),
		Delivered: m.Delivered,
	}
}

func ErrorMessage(code, message string) Message {
	return Message{Type: MsgError, Code: code, ErrMsg: message}
}

// Handler resolves non-Subscribe requests to a reply. It is implemented by
// the daemon core.
type Handler interface {
	Handle(req Request) Message
}

// Server accepts connections on a Unix domain socket and multiplexes each
// one per §4.6.
type Server struct {
	socketPath string
	ln         net.Listener
	handler    Handler
	events     *bus.Bus[Message]
}

// Listen binds the control socket at path, removing a stale socket file
// first if a probe connection to it fails (proof no live daemon holds it).
func Listen(path string, handler Handler, events *bus.Bus[Message]) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("control: create socket dir: %w", err)
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen: %w", err)
	}
	return &Server{socketPath: path, ln: ln, handler: handler, events: events}, nil
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("control: stat socket path: %w", err)
	}
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("control: socket %s is in active use by a live daemon", path)
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("control: remove stale socket: %w", rmErr)
	}
	return nil
}

// Close closes the listener and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
		if err == nil {
			err = rmErr
		}
	}
	return err
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("control: accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// clientConn multiplexes reading, writing, and (once subscribed)
// bus-forwarding for one client connection.
type clientConn struct {
	conn   net.Conn
	writes chan Message

	mu          sync.Mutex
	subscribed  bool
	unsubscribe func()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	cc := &clientConn{conn: conn, writes: make(chan Message, 64)}
	done := make(chan struct{})

	go cc.writeLoop(done)
	defer close(done)
	defer cc.stopSubscription()

	r := bufio.NewReaderSize(conn, 1<<20)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			s.handleLine(cc, line)
		}
		if err != nil {
			return
		}
	}
}

func (cc *clientConn) writeLoop(done <-chan struct{}) {
	enc := json.NewEncoder(cc.conn)
	for {
		select {
		case msg := <-cc.writes:
			if err := enc.Encode(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// maxLineBytes is the maximum accepted request-line length (§4.6).
const maxLineBytes = 1 << 20

func (s *Server) handleLine(cc *clientConn, line string) {
	if len(line) > maxLineBytes {
		cc.writes <- ErrorMessage(CodeInvalidRequest, "request line exceeds maximum length")
		return
	}
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		cc.writes <- ErrorMessage(CodeInvalidRequest, "malformed request line")
		return
	}

	if req.Type == ReqSubscribe {
		cc.subscribe(s.events, cc.writes)
		cc.writes <- Message{Type: MsgOk}
		return
	}

	reply := s.handler.Handle(req)
	cc.writes <- reply
}

// stopSubscription detaches the bus receiver, if one was attached, when the
// client connection ends.
func (cc *clientConn) stopSubscription() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.unsubscribe != nil {
		cc.unsubscribe()
	}
}

// subscribe attaches a fresh bus receiver exactly once; a repeat call is an
// idempotent no-op (§9 Open Question: duplicate Subscribe).
func (cc *clientConn) subscribe(events *bus.Bus[Message], writes chan<- Message) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.subscribed {
		return
	}
	cc.subscribed = true
	sub := events.Subscribe()
	cc.unsubscribe = sub.Unsubscribe
	go func() {
		for {
			msg, lagged, ok := sub.Receive()
			if !ok {
				return
			}
			if lagged > 0 {
				log.Printf("control: subscriber lagged by %d events", lagged)
			}
			select {
			case writes <- msg:
			default:
				log.Printf("control: client write buffer full, dropping a pushed event")
			}
		}
	}()
}
