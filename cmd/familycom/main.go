// Command familycom is FamilyCom's terminal client: a thin line-oriented
// front end over the daemon's control socket (§4.6). Full interactive
// rendering is out of scope (§1) — this is the control-socket collaborator
// interface: a REPL that sends one JSON request per command and prints
// replies and pushed events as they arrive. Grounded on
// internal/rendezvous/client.go's request/response client shape, adapted
// from HTTP to the local control socket, plus a bufio.Scanner command loop.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/familycom/familycom/internal/control"
)

var socketPath = flag.String("socket", defaultSocketPath(), "path to the daemon's control socket")

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "familycom", "control.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("familycom-%d", os.Getuid()), "control.sock")
}

func main() {
	flag.Parse()

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "familycom: connect to daemon at %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	client := newClient(conn)
	go client.readLoop()

	if err := client.request(control.Request{Type: control.ReqSubscribe}); err != nil {
		fmt.Fprintf(os.Stderr, "familycom: subscribe: %v\n", err)
		os.Exit(1)
	}

	printBanner()
	runRepl(client)
}

func printBanner() {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Println("FamilyCom terminal client — type 'help' for commands, 'quit' to exit.")
	}
}

// pushedTypes are message types the daemon sends unsolicited; everything
// else is treated as a reply to the most recently sent request.
var pushedTypes = map[string]bool{
	control.MsgPeerOnline:       true,
	control.MsgPeerOffline:      true,
	control.MsgNewMessage:       true,
	control.MsgMessageDelivered: true,
}

// Client owns the one connection to the daemon. A single goroutine
// (readLoop) does all reading, so outgoing requests are never raced against
// reads; replies are handed to request's caller over replies, and anything
// recognized as a pushed event is printed immediately instead.
type Client struct {
	conn    net.Conn
	enc     *json.Encoder
	replies chan control.Message
}

func newClient(conn net.Conn) *Client {
	return &Client{conn: conn, enc: json.NewEncoder(conn), replies: make(chan control.Message, 1)}
}

func (c *Client) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			close(c.replies)
			return
		}
		var msg control.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if pushedTypes[msg.Type] {
			printPushed(msg)
			continue
		}
		c.replies <- msg
	}
}

// request sends req and waits for the next non-pushed reply on the
// connection. This assumes a REPL usage pattern of one outstanding request
// at a time, which holds for this client's synchronous command loop.
func (c *Client) request(req control.Request) error {
	if err := c.enc.Encode(req); err != nil {
		return err
	}
	select {
	case msg, ok := <-c.replies:
		if !ok {
			return fmt.Errorf("connection to daemon closed")
		}
		printPushed(msg)
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for daemon reply")
	}
}

func runRepl(client *Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		var req control.Request
		switch fields[0] {
		case "quit", "exit":
			return
		case "help":
			printHelp()
			continue
		case "peers":
			req = control.Request{Type: control.ReqListPeers}
		case "history":
			if len(fields) < 2 {
				fmt.Println("usage: history <peer-id> [limit]")
				continue
			}
			req = control.Request{Type: control.ReqGetMessages, PeerID: fields[1], Limit: 50}
			if len(fields) >= 3 {
				if n, err := strconv.Atoi(fields[2]); err == nil {
					req.Limit = n
				}
			}
		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <peer-id> <message text>")
				continue
			}
			req = control.Request{Type: control.ReqSendMessage, PeerID: fields[1], Content: strings.Join(fields[2:], " ")}
		case "whoami":
			req = control.Request{Type: control.ReqGetConfig}
		case "name":
			if len(fields) < 2 {
				fmt.Println("usage: name <new display name>")
				continue
			}
			req = control.Request{Type: control.ReqSetDisplayName, Name: strings.Join(fields[1:], " ")}
		default:
			fmt.Printf("unknown command %q; type 'help'\n", fields[0])
			continue
		}

		if err := client.request(req); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return
		}
	}
}

func printHelp() {
	fmt.Println("commands:")
	fmt.Println("  peers                         list known peers")
	fmt.Println("  history <peer-id> [limit]     show recent messages with a peer")
	fmt.Println("  send <peer-id> <text>         send a message")
	fmt.Println("  whoami                        show this daemon's identity")
	fmt.Println("  name <new name>               change display name")
	fmt.Println("  quit                          exit")
}

func printPushed(msg control.Message) {
	switch msg.Type {
	case control.MsgPeerList:
		for _, p := range msg.Peers {
			status := "offline"
			if p.Online {
				status = "online"
			}
			fmt.Printf("%-36s %-20s %s\n", p.PeerID, p.DisplayName, status)
		}
	case control.MsgMessages:
		for _, m := range msg.Messages {
			fmt.Printf("[%s] %s: %s\n", time.UnixMilli(m.Timestamp).Local().Format(time.Kitchen), m.Direction, m.Content)
		}
	case control.MsgMessageSent:
		fmt.Printf("sent (id %s)\n", msg.MessageID)
	case control.MsgNewMessage:
		if msg.Message != nil {
			fmt.Printf("[new message] %s: %s\n", msg.Message.PeerID, msg.Message.Content)
		}
	case control.MsgPeerOnline:
		if msg.Peer != nil {
			fmt.Printf("[online] %s (%s)\n", msg.Peer.DisplayName, msg.Peer.PeerID)
		}
	case control.MsgPeerOffline:
		fmt.Printf("[offline] %s\n", msg.PeerIDStr)
	case control.MsgMessageDelivered:
		fmt.Printf("[delivered] %s\n", msg.MessageID)
	case control.MsgConfig:
		fmt.Printf("peer_id=%s display_name=%s\n", msg.PeerIDStr, msg.DisplayName)
	case control.MsgOk:
		fmt.Println("ok")
	case control.MsgError:
		fmt.Printf("error: %s: %s\n", msg.Code, msg.ErrMsg)
	default:
		fmt.Printf("%+v\n", msg)
	}
}
