// Package rooms implements the P2P signaling rendezvous: short-lived rooms
// that relay WebRTC offers, answers and ICE candidates between a bounded
// group of peers.
package rooms

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrInvalidPassword   = errors.New("invalid room password")
	ErrRoomFull          = errors.New("room is full")
	ErrPeerNotInRoom     = errors.New("peer not in room")
	ErrTargetNotFound    = errors.New("target peer not found")
	ErrInvalidSignalType = errors.New("invalid signal type")
	ErrEmptySignal       = errors.New("signal data is empty")
	ErrInvalidMaxPeers   = errors.New("maxPeers must be between 2 and 10")
	ErrWeakPassword      = errors.New("password must be at least 4 characters")
	ErrRoomCodeExhausted = errors.New("could not allocate a unique room code")
	ErrSignalDecrypt     = errors.New("signal could not be decrypted")
)

const (
	MinPeers          = 2
	MaxPeers          = 10
	MinPasswordLength = 4
	CodeLength        = 8
	PeerIDLength      = 16
)

type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
)

func ParseSignalType(s string) (SignalType, error) {
	switch t := SignalType(s); t {
	case SignalOffer, SignalAnswer, SignalICE:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSignalType, s)
}

// Signal is a delivered negotiation message.
type Signal struct {
	From      string          `json:"from"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Signals groups a peer's pending messages by type. Each slice keeps
// insertion order.
type Signals struct {
	Offers  []Signal `json:"offers"`
	Answers []Signal `json:"answers"`
	ICE     []Signal `json:"ice"`
}

// queued is the at-rest form of a signal. Payload is AES-GCM sealed when
// the room has a password.
type queued struct {
	From      string `json:"from"`
	Payload   []byte `json:"payload"`
	Sealed    bool   `json:"sealed"`
	Timestamp int64  `json:"timestamp"`
}

type queues struct {
	Offers  []queued `json:"offers"`
	Answers []queued `json:"answers"`
	ICE     []queued `json:"ice"`
}

func (q *queues) push(t SignalType, s queued) {
	switch t {
	case SignalOffer:
		q.Offers = append(q.Offers, s)
	case SignalAnswer:
		q.Answers = append(q.Answers, s)
	case SignalICE:
		q.ICE = append(q.ICE, s)
	}
}

// Room is the stored state of one rendezvous.
type Room struct {
	Code         string             `json:"code"`
	PasswordHash string             `json:"passwordHash,omitempty"`
	MaxPeers     int                `json:"maxPeers"`
	Peers        []string           `json:"peers"`
	Queues       map[string]*queues `json:"queues"`
	CreatedAt    time.Time          `json:"createdAt"`
	ExpiresAt    time.Time          `json:"expiresAt"`
}

func (r *Room) hasPassword() bool {
	return r.PasswordHash != ""
}

func (r *Room) isFull() bool {
	return len(r.Peers) >= r.MaxPeers
}

func (r *Room) hasPeer(id string) bool {
	for _, p := range r.Peers {
		if p == id {
			return true
		}
	}
	return false
}

// peersExcept returns a copy of the roster without id.
func (r *Room) peersExcept(id string) []string {
	out := make([]string, 0, len(r.Peers))
	for _, p := range r.Peers {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) removePeer(id string) bool {
	for i, p := range r.Peers {
		if p == id {
			r.Peers = append(r.Peers[:i], r.Peers[i+1:]...)
			delete(r.Queues, id)
			return true
		}
	}
	return false
}
