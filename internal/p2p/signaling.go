// Package p2p moves encrypted files directly between peers over WebRTC
// data channels. Handshakes are relayed through a synkros room by polling.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"synkros/internal/client"
)

type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
)

// Signal is one relayed negotiation message.
type Signal struct {
	From      string          `json:"from"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type Signals struct {
	Offers  []Signal `json:"offers"`
	Answers []Signal `json:"answers"`
	ICE     []Signal `json:"ice"`
}

// Inbox is the result of one poll.
type Inbox struct {
	Signals Signals  `json:"signals"`
	Peers   []string `json:"peers"`
}

// Joined is returned when entering a room.
type Joined struct {
	PeerID string   `json:"peerId"`
	Peers  []string `json:"peers"`
}

// RoomStatus is the result of validating a room.
type RoomStatus struct {
	IsFull       bool `json:"isFull"`
	CurrentPeers int  `json:"currentPeers"`
	MaxPeers     int  `json:"maxPeers"`
}

// Signaler is the part of the signaling API a Session drives.
type Signaler interface {
	Signal(ctx context.Context, code, from, to string, typ SignalType, data any) error
	Poll(ctx context.Context, code, peerID string) (*Inbox, error)
	Leave(ctx context.Context, code, peerID string) error
}

// SignalingClient calls the /direct endpoints of a synkros server.
type SignalingClient struct {
	api *client.Client
}

func NewSignalingClient(api *client.Client) *SignalingClient {
	return &SignalingClient{api: api}
}

// STUNServers returns the ICE servers the server recommends.
func (s *SignalingClient) STUNServers(ctx context.Context) ([]string, error) {
	var out struct {
		STUNServers []string `json:"stunServers"`
	}
	if err := s.api.DoJSON(ctx, http.MethodGet, "/direct/config", nil, &out); err != nil {
		return nil, err
	}
	return out.STUNServers, nil
}

// CreateRoom returns the new room's code.
func (s *SignalingClient) CreateRoom(ctx context.Context, password string, maxPeers int) (string, error) {
	in := map[string]any{"password": password, "maxPeers": maxPeers}
	var out struct {
		RoomCode string `json:"roomCode"`
	}
	if err := s.api.DoJSON(ctx, http.MethodPost, "/direct/rooms", in, &out); err != nil {
		return "", err
	}
	return out.RoomCode, nil
}

func (s *SignalingClient) Validate(ctx context.Context, code, password string) (*RoomStatus, error) {
	var out RoomStatus
	path := roomPath(code) + "?password=" + url.QueryEscape(password)
	if err := s.api.DoJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SignalingClient) Join(ctx context.Context, code, password string) (*Joined, error) {
	var out Joined
	if err := s.api.DoJSON(ctx, http.MethodPost, roomPath(code)+"/join", map[string]string{"password": password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SignalingClient) Signal(ctx context.Context, code, from, to string, typ SignalType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s signal: %w", typ, err)
	}
	in := map[string]any{
		"peerId":       from,
		"targetPeerId": to,
		"type":         typ,
		"data":         json.RawMessage(raw),
	}
	return s.api.DoJSON(ctx, http.MethodPost, roomPath(code)+"/signal", in, nil)
}

func (s *SignalingClient) Poll(ctx context.Context, code, peerID string) (*Inbox, error) {
	var out Inbox
	if err := s.api.DoJSON(ctx, http.MethodGet, roomPath(code)+"/poll?peerId="+url.QueryEscape(peerID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SignalingClient) Leave(ctx context.Context, code, peerID string) error {
	return s.api.DoJSON(ctx, http.MethodPost, roomPath(code)+"/leave", map[string]string{"peerId": peerID}, nil)
}

func roomPath(code string) string {
	return "/direct/rooms/" + url.PathEscape(code)
}
