package p2p

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// fakeNet pairs fakePeers by the token carried in their descriptions and
// connects them once the offerer applies the answer.
type fakeNet struct {
	mu    sync.Mutex
	seq   int
	peers map[string]*fakePeer
}

func newFakeNet() *fakeNet {
	return &fakeNet{peers: make(map[string]*fakePeer)}
}

func (n *fakeNet) NewPeer() (PeerConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	p := &fakePeer{net: n, token: fmt.Sprintf("peer-%d", n.seq)}
	n.peers[p.token] = p
	return p, nil
}

func (n *fakeNet) lookup(token string) *fakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[token]
}

// connect links the offerer's channels to new channels on the answerer
// and reports both sides connected.
func (n *fakeNet) connect(offerer, answerer *fakePeer) {
	offerer.mu.Lock()
	channels := append([]*fakeChannel(nil), offerer.channels...)
	offerer.mu.Unlock()

	for _, local := range channels {
		remote := &fakeChannel{label: local.label}
		local.link(remote)
		remote.link(local)
		answerer.mu.Lock()
		onDC := answerer.onDataChannel
		answerer.mu.Unlock()
		if onDC != nil {
			onDC(remote)
		}
		local.fireOpen()
		remote.fireOpen()
	}
	offerer.setState(webrtc.PeerConnectionStateConnected)
	answerer.setState(webrtc.PeerConnectionStateConnected)
}

type fakePeer struct {
	net   *fakeNet
	token string

	mu            sync.Mutex
	remote        *fakePeer
	remoteSet     bool
	candidates    []webrtc.ICECandidateInit
	channels      []*fakeChannel
	closed        bool
	onICE         func(*webrtc.ICECandidateInit)
	onState       func(webrtc.PeerConnectionState)
	onDataChannel func(DataChannel)
}

func (p *fakePeer) CreateDataChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &fakeChannel{label: label}
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + p.token}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	ok := p.remoteSet
	p.mu.Unlock()
	if !ok {
		return webrtc.SessionDescription{}, errors.New("answer before offer")
	}
	p.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + p.token}, nil
}

// gather emits one host candidate and the end-of-candidates marker.
func (p *fakePeer) gather() {
	p.mu.Lock()
	onICE := p.onICE
	p.mu.Unlock()
	if onICE == nil {
		return
	}
	go func() {
		onICE(&webrtc.ICECandidateInit{Candidate: "candidate:" + p.token})
		onICE(nil)
	}()
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	_, token, ok := strings.Cut(desc.SDP, ":")
	if !ok {
		return errors.New("malformed sdp")
	}
	remote := p.net.lookup(token)
	if remote == nil {
		return errors.New("unknown remote")
	}

	p.mu.Lock()
	p.remote, p.remoteSet = remote, true
	p.mu.Unlock()

	if desc.Type == webrtc.SDPTypeAnswer {
		go p.net.connect(p, remote)
	}
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) OnDataChannel(f func(DataChannel)) {
	p.mu.Lock()
	p.onDataChannel = f
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) setState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(st)
	}
}

func (p *fakePeer) addedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeChannel delivers synchronously and in order to its linked remote.
type fakeChannel struct {
	label string

	mu        sync.Mutex
	remote    *fakeChannel
	onOpen    func()
	onClose   func()
	onMessage func(Message)
	sent      []Message
	failAfter int
}

func (c *fakeChannel) link(remote *fakeChannel) {
	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Send(data []byte) error {
	return c.deliver(Message{Data: bytes.Clone(data)})
}

func (c *fakeChannel) SendText(text string) error {
	return c.deliver(Message{IsString: true, Data: []byte(text)})
}

func (c *fakeChannel) deliver(msg Message) error {
	c.mu.Lock()
	if c.failAfter > 0 && len(c.sent) >= c.failAfter {
		c.mu.Unlock()
		return errors.New("channel closed")
	}
	c.sent = append(c.sent, msg)
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		remote.mu.Lock()
		f := remote.onMessage
		remote.mu.Unlock()
		if f != nil {
			f(msg)
		}
	}
	return nil
}

func (c *fakeChannel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(f func(Message)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	f := c.onClose
	c.mu.Unlock()
	if f != nil {
		f()
	}
	return nil
}

func (c *fakeChannel) fireOpen() {
	c.mu.Lock()
	f := c.onOpen
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *fakeChannel) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}
