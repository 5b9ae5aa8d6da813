package p2p

import "github.com/pion/webrtc/v4"

// Message is one data channel frame.
type Message struct {
	IsString bool
	Data     []byte
}

// DataChannel is the ordered, reliable channel files travel over.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	OnOpen(func())
	OnClose(func())
	OnMessage(func(Message))
	Close() error
}

// PeerConn is one WebRTC connection. CreateOffer and CreateAnswer also
// apply the description locally. OnICECandidate receives nil once
// gathering completes.
type PeerConn interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnDataChannel(func(DataChannel))
	Close() error
}

// PeerFactory creates connections configured for one session.
type PeerFactory interface {
	NewPeer() (PeerConn, error)
}
