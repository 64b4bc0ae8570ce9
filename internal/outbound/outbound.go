// Package outbound implements FamilyCom's one-shot send: connect, write
// one frame, wait for the ACK, close. No connection pooling, mirroring the
// teacher's Send (dial, encode, wait on a read deadline, compare ids) minus
// the pending-ACK channel map, which only matters for a long-lived stream.
package outbound

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/familycom/familycom/internal/wire"
)

// ConnectTimeout and AckTimeout bound, respectively, how long dialing and
// waiting for the ACK frame may take (§4.3).
const (
	ConnectTimeout = 5 * time.Second
	AckTimeout     = 10 * time.Second
)

var (
	// ErrConnectTimeout is returned when dialing address exceeds ConnectTimeout.
	ErrConnectTimeout = errors.New("outbound: connect timeout")
	// ErrAckTimeout is returned when no reply frame arrives within AckTimeout.
	ErrAckTimeout = errors.New("outbound: ack timeout")
	// ErrUnexpectedResponse is returned when a Chat's reply is not a
	// matching Ack.
	ErrUnexpectedResponse = errors.New("outbound: unexpected response")
	// ErrNoAddress is returned by SendAny when given an empty address list.
	ErrNoAddress = errors.New("outbound: no address available")
)

// Send opens a TCP connection to address, writes message, waits for the
// reply frame, and closes the connection.
func Send(address string, message wire.Message) error {
	d := net.Dialer{Timeout: ConnectTimeout}
	conn, err := d.Dial("tcp", address)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return ErrConnectTimeout
		}
		return fmt.Errorf("outbound: dial %s: %w", address, err)
	}
	defer conn.Close()

	if err := wire.Encode(conn, message); err != nil {
		return fmt.Errorf("outbound: write frame: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(AckTimeout)); err != nil {
		return fmt.Errorf("outbound: set read deadline: %w", err)
	}
	reply, err := wire.Decode(bufio.NewReader(conn))
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrAckTimeout
		}
		return fmt.Errorf("outbound: read reply: %w", err)
	}

	if message.Kind == wire.KindChat {
		if reply.Kind != wire.KindAck || reply.Ack.MessageID != message.Chat.ID {
			return ErrUnexpectedResponse
		}
	}

	return nil
}

// SendAny tries each address in order, returning success on the first that
// works. If all fail, it returns the last error encountered. An empty
// address list returns ErrNoAddress.
func SendAny(addresses []string, message wire.Message) error {
	if len(addresses) == 0 {
		return ErrNoAddress
	}
	var lastErr error
	for _, addr := range addresses {
		if err := Send(addr, message); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
