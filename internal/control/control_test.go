package control

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/familycom/familycom/internal/bus"
)

type fakeHandler struct {
	fn func(Request) Message
}

func (f fakeHandler) Handle(req Request) Message {
	return f.fn(req)
}

func newTestServer(t *testing.T, handler Handler) (*Server, *bus.Bus[Message]) {
	t.Helper()
	events := bus.New[Message]()
	path := filepath.Join(t.TempDir(), "control.sock")
	s, err := Listen(path, handler, events)
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s, events
}

func dial(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("unix", s.socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readMessage(t *testing.T, r *bufio.Reader) Message {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var m Message
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return m
}

func TestListPeersRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, fakeHandler{fn: func(req Request) Message {
		if req.Type != ReqListPeers {
			t.Fatalf("unexpected request type %q", req.Type)
		}
		return Message{Type: MsgPeerList, Peers: []PeerView{{PeerID: "p1", DisplayName: "Alice", Online: true}}}
	}})
	conn, r := dial(t, s)
	enc := json.NewEncoder(conn)
	if err := enc.Encode(Request{Type: ReqListPeers}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, r)
	if msg.Type != MsgPeerList || len(msg.Peers) != 1 || msg.Peers[0].PeerID != "p1" {
		t.Fatalf("unexpected reply: %+v", msg)
	}
}

func TestMalformedLineDoesNotCloseConnection(t *testing.T) {
	s, _ := newTestServer(t, fakeHandler{fn: func(req Request) Message {
		return Message{Type: MsgOk}
	}})
	conn, r := dial(t, s)

	if _, err := conn.Write([]byte("{not json at all\n")); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, r)
	if msg.Type != MsgError || msg.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid_request error, got %+v", msg)
	}

	// The connection must still be usable for further requests.
	enc := json.NewEncoder(conn)
	if err := enc.Encode(Request{Type: ReqGetConfig}); err != nil {
		t.Fatal(err)
	}
	msg = readMessage(t, r)
	if msg.Type != MsgOk {
		t.Fatalf("expected subsequent request to succeed, got %+v", msg)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	s, events := newTestServer(t, fakeHandler{fn: func(req Request) Message {
		return Message{Type: MsgOk}
	}})
	conn, r := dial(t, s)
	enc := json.NewEncoder(conn)

	if err := enc.Encode(Request{Type: ReqSubscribe}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, r); msg.Type != MsgOk {
		t.Fatalf("expected Ok for first subscribe, got %+v", msg)
	}
	if err := enc.Encode(Request{Type: ReqSubscribe}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, r); msg.Type != MsgOk {
		t.Fatalf("expected Ok for repeat subscribe, got %+v", msg)
	}

	events.Publish(Message{Type: MsgPeerOnline, Peer: &PeerView{PeerID: "p1"}})
	msg := readMessage(t, r)
	if msg.Type != MsgPeerOnline {
		t.Fatalf("expected a single forwarded event, got %+v", msg)
	}
}

func TestSubscribedClientReceivesPushedEvents(t *testing.T) {
	s, events := newTestServer(t, fakeHandler{fn: func(req Request) Message {
		return Message{Type: MsgOk}
	}})
	conn, r := dial(t, s)
	enc := json.NewEncoder(conn)
	if err := enc.Encode(Request{Type: ReqSubscribe}); err != nil {
		t.Fatal(err)
	}
	readMessage(t, r) // Ok for Subscribe

	events.Publish(Message{Type: MsgNewMessage, Message: &MessageView{MessageID: "m1"}})
	done := make(chan Message, 1)
	go func() { done <- readMessage(t, r) }()
	select {
	case msg := <-done:
		if msg.Type != MsgNewMessage || msg.Message == nil || msg.Message.MessageID != "m1" {
			t.Fatalf("unexpected pushed event: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed event")
	}
}
