// Package wire implements FamilyCom's peer-to-peer wire protocol: a
// length-prefixed framing layer plus a compact binary encoding for the four
// message kinds peers exchange (Chat, Ack, Ping, Pong).
//
// Framing: a frame is a 4-byte big-endian unsigned length followed by that
// many bytes of payload. The length excludes itself. A frame whose declared
// length exceeds MaxFrameSize is rejected before the payload is read and the
// connection is terminated.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/familycom/familycom/internal/types"
)

// MaxFrameSize is the largest payload length this codec will accept.
const MaxFrameSize = 1 << 20 // 1,048,576 bytes

// ErrConnClosed is reported when a reader encounters EOF exactly at the
// start of a length prefix — i.e. an orderly close, not a mid-frame error.
var ErrConnClosed = errors.New("wire: connection closed")

// ErrFrameTooLarge is reported when a declared frame length exceeds
// MaxFrameSize. The payload is never read in this case.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Kind tags the payload type of a Message.
type Kind byte

const (
	KindChat Kind = iota + 1
	KindAck
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindAck:
		return "ack"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Message is the decoded form of any one wire frame. Exactly one of the
// typed fields is meaningful, selected by Kind.
type Message struct {
	Kind Kind
	Chat ChatPayload
	Ack  AckPayload
}

// ChatPayload carries a single chat message between peers.
type ChatPayload struct {
	ID         types.MessageIdentity
	SenderID   types.PeerIdentity
	SenderName string
	Content    string
	Timestamp  types.Timestamp
}

// AckPayload acknowledges receipt of a Chat by message identity.
type AckPayload struct {
	MessageID types.MessageIdentity
}

// NewChat builds a Chat message.
func NewChat(id types.MessageIdentity, senderID types.PeerIdentity, senderName, content string, ts types.Timestamp) Message {
	return Message{Kind: KindChat, Chat: ChatPayload{
		ID: id, SenderID: senderID, SenderName: senderName, Content: content, Timestamp: ts,
	}}
}

// NewAck builds an Ack message.
func NewAck(id types.MessageIdentity) Message {
	return Message{Kind: KindAck, Ack: AckPayload{MessageID: id}}
}

// NewPing builds a Ping message.
func NewPing() Message { return Message{Kind: KindPing} }

// NewPong builds a Pong message.
func NewPong() Message { return Message{Kind: KindPong} }

// Encode serializes a frame (length prefix + payload) for m to w.
func Encode(w io.Writer, m Message) error {
	payload := encodePayload(m)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Decode reads one frame from r and decodes its payload. It distinguishes
// an orderly close (EOF exactly at the length prefix) from every other I/O
// failure, and rejects oversize frames without reading the payload.
func Decode(r *bufio.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, ErrConnClosed
		}
		return Message{}, fmt.Errorf("wire: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("wire: read payload: %w", err)
	}
	return decodePayload(payload)
}

// ── self-describing object encoding ──────────────────────────────────────
//
// The payload format is a compact, tagged field encoding: one byte for the
// message Kind, followed by a sequence of (field-tag byte, length-prefixed
// value) pairs. Unknown trailing fields are never produced, and decode
// requires all fields a kind declares; this keeps the format
// self-describing (every field is named by its tag) while staying a small,
// dependency-free binary format, matching spec.md §4.1's "compact binary
// self-describing object format with named fields".

type fieldTag byte

const (
	fieldID fieldTag = iota + 1
	fieldSenderID
	fieldSenderName
	fieldContent
	fieldTimestamp
	fieldMessageID
)

func encodePayload(m Message) []byte {
	buf := []byte{byte(m.Kind)}
	switch m.Kind {
	case KindChat:
		buf = appendStringField(buf, fieldID, string(m.Chat.ID))
		buf = appendStringField(buf, fieldSenderID, string(m.Chat.SenderID))
		buf = appendStringField(buf, fieldSenderName, m.Chat.SenderName)
		buf = appendStringField(buf, fieldContent, m.Chat.Content)
		buf = appendInt64Field(buf, fieldTimestamp, int64(m.Chat.Timestamp))
	case KindAck:
		buf = appendStringField(buf, fieldMessageID, string(m.Ack.MessageID))
	case KindPing, KindPong:
		// no fields
	}
	return buf
}

func decodePayload(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return Message{}, errors.New("wire: empty payload")
	}
	kind := Kind(payload[0])
	rest := payload[1:]

	switch kind {
	case KindChat:
		fields, err := readFields(rest)
		if err != nil {
			return Message{}, err
		}
		ts, err := fields.int64(fieldTimestamp)
		if err != nil {
			return Message{}, err
		}
		id, err := fields.str(fieldID)
		if err != nil {
			return Message{}, err
		}
		senderID, err := fields.str(fieldSenderID)
		if err != nil {
			return Message{}, err
		}
		senderName, err := fields.str(fieldSenderName)
		if err != nil {
			return Message{}, err
		}
		content, err := fields.str(fieldContent)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindChat, Chat: ChatPayload{
			ID:         types.MessageIdentity(id),
			SenderID:   types.PeerIdentity(senderID),
			SenderName: senderName,
			Content:    content,
			Timestamp:  types.Timestamp(ts),
		}}, nil
	case KindAck:
		fields, err := readFields(rest)
		if err != nil {
			return Message{}, err
		}
		id, err := fields.str(fieldMessageID)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindAck, Ack: AckPayload{MessageID: types.MessageIdentity(id)}}, nil
	case KindPing:
		return Message{Kind: KindPing}, nil
	case KindPong:
		return Message{Kind: KindPong}, nil
	default:
		return Message{}, fmt.Errorf("wire: unknown message kind %d", kind)
	}
}

type fieldSet map[fieldTag][]byte

func (f fieldSet) str(tag fieldTag) (string, error) {
	v, ok := f[tag]
	if !ok {
		return "", fmt.Errorf("wire: missing field %d", tag)
	}
	return string(v), nil
}

func (f fieldSet) int64(tag fieldTag) (int64, error) {
	v, ok := f[tag]
	if !ok {
		return 0, fmt.Errorf("wire: missing field %d", tag)
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("wire: field %d has bad length %d", tag, len(v))
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func readFields(b []byte) (fieldSet, error) {
	out := make(fieldSet)
	for len(b) > 0 {
		if len(b) < 1+4 {
			return nil, errors.New("wire: truncated field header")
		}
		tag := fieldTag(b[0])
		n := binary.BigEndian.Uint32(b[1:5])
		b = b[5:]
		if uint32(len(b)) < n {
			return nil, errors.New("wire: truncated field value")
		}
		out[tag] = b[:n]
		b = b[n:]
	}
	return out, nil
}

func appendStringField(buf []byte, tag fieldTag, s string) []byte {
	buf = append(buf, byte(tag))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func appendInt64Field(buf []byte, tag fieldTag, v int64) []byte {
	buf = append(buf, byte(tag))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 8)
	buf = append(buf, lenBuf[:]...)
	var valBuf [8]byte
	binary.BigEndian.PutUint64(valBuf[:], uint64(v))
	return append(buf, valBuf[:]...)
}
