package outbound

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/familycom/familycom/internal/types"
	"github.com/familycom/familycom/internal/wire"
)

// fakeServer accepts one connection, reads one frame, and replies with
// whatever the test wants.
func fakeServer(t *testing.T, respond func(net.Conn, wire.Message)) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := wire.Decode(bufio.NewReader(conn))
		if err != nil {
			return
		}
		respond(conn, msg)
	}()
	return ln.Addr().String()
}

func TestSendSucceedsOnMatchingAck(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn, msg wire.Message) {
		_ = wire.Encode(conn, wire.NewAck(msg.Chat.ID))
	})
	chat := wire.NewChat("msg-1", "peer-1", "Alice", "hi", types.Now())
	if err := Send(addr, chat); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestSendUnexpectedResponseOnMismatchedAck(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn, msg wire.Message) {
		_ = wire.Encode(conn, wire.NewAck("different-id"))
	})
	chat := wire.NewChat("msg-1", "peer-1", "Alice", "hi", types.Now())
	err := Send(addr, chat)
	if err != ErrUnexpectedResponse {
		t.Fatalf("expected ErrUnexpectedResponse, got %v", err)
	}
}

func TestSendConnectTimeout(t *testing.T) {
	// 198.51.100.0/24 is TEST-NET-2, reserved and non-routable: dialing it
	// blocks until our own timeout fires rather than getting refused
	// immediately, unlike localhost:<unused port>.
	t.Parallel()
	msg := wire.NewPing()
	errCh := make(chan error, 1)
	go func() { errCh <- Send("198.51.100.1:9", msg) }()
	select {
	case err := <-errCh:
		if err != ErrConnectTimeout {
			t.Fatalf("expected ErrConnectTimeout, got %v", err)
		}
	case <-time.After(ConnectTimeout + 5*time.Second):
		t.Fatal("Send did not return within ConnectTimeout + slack")
	}
}

func TestSendAnyFallsThroughToWorkingAddress(t *testing.T) {
	good := fakeServer(t, func(conn net.Conn, msg wire.Message) {
		_ = wire.Encode(conn, wire.NewPong())
	})
	// A closed listener's address still refuses connections immediately.
	badLn, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	bad := badLn.Addr().String()
	badLn.Close()

	err = SendAny([]string{bad, good}, wire.NewPing())
	if err != nil {
		t.Fatalf("expected fallthrough success, got %v", err)
	}
}

func TestSendAnyNoAddress(t *testing.T) {
	if err := SendAny(nil, wire.NewPing()); err != ErrNoAddress {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
}
