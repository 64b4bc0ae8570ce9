// Package types defines FamilyCom's core data model: peer and message
// identities, timestamps, and the record shapes persisted by the store and
// exchanged between the daemon core and its protocols.
package types

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxDisplayNameBytes bounds DisplayName after trimming, and
// MaxMessageContentBytes bounds MessageContent as given (it is not
// trimmed), per spec.
const (
	MaxDisplayNameBytes    = 50
	MaxMessageContentBytes = 10000
)

var (
	ErrDisplayNameEmpty   = errors.New("display name is empty after trimming")
	ErrDisplayNameTooLong = errors.New("display name exceeds 50 bytes")
	ErrContentEmpty       = errors.New("message content is entirely whitespace")
	ErrContentTooLong     = errors.New("message content exceeds 10000 bytes")
	ErrContentInvalidUTF8 = errors.New("message content is not valid UTF-8")
)

// PeerIdentity is a stable string identifier for a machine, generated once
// at first run. Equality and hashing are over the underlying string.
type PeerIdentity string

// NewPeerIdentity generates a fresh random 128-bit identity rendered in
// canonical textual form.
func NewPeerIdentity() PeerIdentity {
	return PeerIdentity(uuid.NewString())
}

func (p PeerIdentity) String() string { return string(p) }

// MessageIdentity is a string identifier unique per message, generated by
// the sender at send time using the same scheme as PeerIdentity.
type MessageIdentity string

// NewMessageIdentity generates a fresh message identity.
func NewMessageIdentity() MessageIdentity {
	return MessageIdentity(uuid.NewString())
}

func (m MessageIdentity) String() string { return string(m) }

// Timestamp is milliseconds since the Unix epoch. Ordering is numeric.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// Local renders the timestamp using local wall-clock time for display.
func (t Timestamp) Local() time.Time {
	return time.UnixMilli(int64(t))
}

// DisplayName is a trimmed Unicode string, 1-50 bytes after trimming.
type DisplayName string

// NewDisplayName trims the input and validates it against the DisplayName
// invariants.
func NewDisplayName(raw string) (DisplayName, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrDisplayNameEmpty
	}
	if len(trimmed) > MaxDisplayNameBytes {
		return "", ErrDisplayNameTooLong
	}
	return DisplayName(trimmed), nil
}

func (d DisplayName) String() string { return string(d) }

// MessageContent is a Unicode string, not entirely whitespace, <=10000
// bytes. Leading/trailing whitespace is preserved (unlike DisplayName).
type MessageContent string

// NewMessageContent validates raw against the MessageContent invariants.
// Whitespace is preserved; only validated, not trimmed.
func NewMessageContent(raw string) (MessageContent, error) {
	if len(raw) > MaxMessageContentBytes {
		return "", ErrContentTooLong
	}
	if strings.TrimSpace(raw) == "" {
		return "", ErrContentEmpty
	}
	if !utf8.ValidString(raw) {
		return "", ErrContentInvalidUTF8
	}
	return MessageContent(raw), nil
}

func (c MessageContent) String() string { return string(c) }

// Direction is the direction of a message relative to the local peer.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Valid reports whether d is one of the two defined directions.
func (d Direction) Valid() bool {
	return d == DirectionSent || d == DirectionReceived
}

// PeerRecord is a persisted (and runtime-merged) view of a peer.
type PeerRecord struct {
	Identity    PeerIdentity
	DisplayName string
	Addresses   []string // ordered host:port endpoints, as reported by discovery
	LastSeenAt  Timestamp
	Online      bool // merged in by the caller from OnlineSet; never set by the store
}

// MessageRecord is a persisted chat message.
type MessageRecord struct {
	Identity     MessageIdentity
	PeerIdentity PeerIdentity // the *other* party
	Direction    Direction
	Content      string
	Timestamp    Timestamp
	Delivered    bool
}
