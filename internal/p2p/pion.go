package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Flow control for pion data channels: Send blocks while more than
// bufferHigh bytes are queued and resumes once the queue drains below
// bufferLow.
const (
	bufferHigh = 4 << 20
	bufferLow  = 1 << 20
)

// PionFactory builds pion/webrtc peer connections.
type PionFactory struct {
	config webrtc.Configuration
}

func NewPionFactory(stunServers []string) *PionFactory {
	config := webrtc.Configuration{ICEServers: []webrtc.ICEServer{}}
	if len(stunServers) > 0 {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{URLs: stunServers})
	}
	return &PionFactory{config: config}
}

func (f *PionFactory) NewPeer() (PeerConn, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return newPionChannel(dc), nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		cand := c.ToJSON()
		f(&cand)
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(newPionChannel(dc))
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionChannel struct {
	dc  *webrtc.DataChannel
	low chan struct{}
}

func newPionChannel(dc *webrtc.DataChannel) *pionChannel {
	c := &pionChannel{dc: dc, low: make(chan struct{}, 1)}
	dc.SetBufferedAmountLowThreshold(bufferLow)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.low <- struct{}{}:
		default:
		}
	})
	return c
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Send(data []byte) error {
	c.waitDrained()
	return c.dc.Send(data)
}

func (c *pionChannel) SendText(text string) error {
	c.waitDrained()
	return c.dc.SendText(text)
}

func (c *pionChannel) waitDrained() {
	for c.dc.BufferedAmount() > bufferHigh {
		if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
			return
		}
		select {
		case <-c.low:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Flush blocks until every queued byte has been handed to the transport.
func (c *pionChannel) Flush(ctx context.Context) error {
	for c.dc.BufferedAmount() > 0 {
		if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
			return fmt.Errorf("channel %s closed with %d bytes queued", c.dc.Label(), c.dc.BufferedAmount())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.low:
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (c *pionChannel) OnOpen(f func())  { c.dc.OnOpen(f) }
func (c *pionChannel) OnClose(f func()) { c.dc.OnClose(f) }

func (c *pionChannel) OnMessage(f func(Message)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(Message{IsString: msg.IsString, Data: msg.Data})
	})
}

func (c *pionChannel) Close() error { return c.dc.Close() }
