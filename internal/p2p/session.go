package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"synkros/internal/client"
	"synkros/internal/core"
)

// ChannelLabel names the data channel an initiator opens.
const ChannelLabel = "fileTransfer"

const defaultPollInterval = time.Second

var (
	ErrNoOpenChannels = errors.New("no peer has an open channel")
	ErrSessionClosed  = errors.New("session closed")
)

type PeerState int

const (
	PeerNew PeerState = iota
	PeerOffering
	PeerAwaitingOffer
	PeerConnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerOffering:
		return "offering"
	case PeerAwaitingOffer:
		return "awaiting-offer"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

type EventKind int

const (
	EventPeerConnected EventKind = iota + 1
	EventPeerDisconnected
	EventChannelOpen
	EventProgress
	EventFileReceived
	EventError
)

// Event reports something that happened to a peer. File is set for
// EventFileReceived, Received and Total for EventProgress, Err for
// EventError.
type Event struct {
	Kind     EventKind
	Peer     string
	File     *ReceivedFile
	Received int64
	Total    int64
	Err      error
}

type Config struct {
	Signaler     Signaler
	Factory      PeerFactory
	Code         string
	PeerID       string
	PollInterval time.Duration
}

type peer struct {
	id         string
	conn       PeerConn
	state      PeerState
	channel    DataChannel
	open       bool
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	receiver   *Receiver
}

// Session is one participant's view of a room. It polls for signals,
// negotiates a connection with every other peer and moves files over the
// resulting data channels.
type Session struct {
	sig      Signaler
	factory  PeerFactory
	code     string
	self     string
	interval time.Duration

	mu     sync.Mutex
	peers  map[string]*peer
	early  map[string][]webrtc.ICECandidateInit
	roster []string

	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	polling   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Session{
		sig:      cfg.Signaler,
		factory:  cfg.Factory,
		code:     cfg.Code,
		self:     cfg.PeerID,
		interval: cfg.PollInterval,
		peers:    make(map[string]*peer),
		early:    make(map[string][]webrtc.ICECandidateInit),
		events:   make(chan Event, 64),
		polling:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.self }

func (s *Session) Events() <-chan Event { return s.events }

// Done is closed by Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start sends an offer to every peer already in the room and begins
// polling. Peers that join later offer to us.
func (s *Session) Start(ctx context.Context, existing []string) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.roster = slices.Clone(existing)

	for _, id := range existing {
		if err := s.offer(s.ctx, id); err != nil {
			s.cancel()
			close(s.polling)
			return fmt.Errorf("offer to %s: %w", id, err)
		}
	}

	go s.pollLoop()
	return nil
}

func (s *Session) pollLoop() {
	defer close(s.polling)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		inbox, err := s.sig.Poll(s.ctx, s.code, s.self)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var apiErr *client.APIError
			if errors.As(err, &apiErr) {
				switch apiErr.Status {
				case http.StatusBadGateway, http.StatusServiceUnavailable:
					slog.Debug("poll skipped", "room", s.code, "status", apiErr.Status)
					continue
				case http.StatusNotFound, http.StatusForbidden:
					// The room expired or we were removed; nothing more
					// will arrive.
					s.emit(Event{Kind: EventError, Err: fmt.Errorf("room %s: %w", s.code, err)})
					return
				}
			}
			slog.Warn("poll failed", "room", s.code, "error", err)
			continue
		}
		s.handleInbox(s.ctx, inbox)
	}
}

func (s *Session) handleInbox(ctx context.Context, inbox *Inbox) {
	for _, sig := range inbox.Signals.Offers {
		if err := s.handleOffer(ctx, sig); err != nil {
			slog.Warn("offer rejected", "room", s.code, "from", sig.From, "error", err)
		}
	}
	for _, sig := range inbox.Signals.Answers {
		if err := s.handleAnswer(sig); err != nil {
			slog.Warn("answer rejected", "room", s.code, "from", sig.From, "error", err)
		}
	}
	for _, sig := range inbox.Signals.ICE {
		if err := s.handleICE(sig); err != nil {
			slog.Debug("ice candidate rejected", "room", s.code, "from", sig.From, "error", err)
		}
	}
	s.updateRoster(inbox.Peers)
}

// offer makes us the initiator towards id: we own the data channel.
func (s *Session) offer(ctx context.Context, id string) error {
	p, err := s.newPeer(id, PeerOffering)
	if err != nil {
		return err
	}
	dc, err := p.conn.CreateDataChannel(ChannelLabel)
	if err != nil {
		s.removePeer(id)
		return err
	}
	s.attachChannel(p, dc)

	desc, err := p.conn.CreateOffer()
	if err != nil {
		s.removePeer(id)
		return err
	}
	if err := s.sig.Signal(ctx, s.code, s.self, id, SignalOffer, desc); err != nil {
		s.removePeer(id)
		return err
	}
	slog.Debug("offer sent", "room", s.code, "to", id)
	return nil
}

func (s *Session) handleOffer(ctx context.Context, sig Signal) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sig.Data, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	// A second offer from a known peer means it restarted negotiation.
	s.removePeer(sig.From)

	p, err := s.newPeer(sig.From, PeerAwaitingOffer)
	if err != nil {
		return err
	}
	if err := p.conn.SetRemoteDescription(desc); err != nil {
		s.removePeer(sig.From)
		return err
	}
	s.flushICE(p)

	answer, err := p.conn.CreateAnswer()
	if err != nil {
		s.removePeer(sig.From)
		return err
	}
	if err := s.sig.Signal(ctx, s.code, s.self, sig.From, SignalAnswer, answer); err != nil {
		s.removePeer(sig.From)
		return err
	}
	slog.Debug("answer sent", "room", s.code, "to", sig.From)
	return nil
}

func (s *Session) handleAnswer(sig Signal) error {
	s.mu.Lock()
	p := s.peers[sig.From]
	pending := p != nil && p.state == PeerOffering && !p.remoteSet
	s.mu.Unlock()
	if !pending {
		return fmt.Errorf("no pending offer to %s", sig.From)
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sig.Data, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := p.conn.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.flushICE(p)
	return nil
}

// handleICE adds a candidate, holding it back until the peer's remote
// description is known. Candidates may arrive before the offer they
// belong to.
func (s *Session) handleICE(sig Signal) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Data, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	s.mu.Lock()
	p := s.peers[sig.From]
	switch {
	case p == nil:
		s.early[sig.From] = append(s.early[sig.From], cand)
		s.mu.Unlock()
		return nil
	case !p.remoteSet:
		p.pendingICE = append(p.pendingICE, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return p.conn.AddICECandidate(cand)
}

func (s *Session) flushICE(p *peer) {
	s.mu.Lock()
	p.remoteSet = true
	pending := p.pendingICE
	p.pendingICE = nil
	s.mu.Unlock()

	for _, cand := range pending {
		if err := p.conn.AddICECandidate(cand); err != nil {
			slog.Debug("buffered ice candidate rejected", "room", s.code, "peer", p.id, "error", err)
		}
	}
}

func (s *Session) newPeer(id string, state PeerState) (*peer, error) {
	conn, err := s.factory.NewPeer()
	if err != nil {
		return nil, err
	}
	p := &peer{id: id, conn: conn, state: state}
	p.receiver = NewReceiver(func(received, total int64) {
		s.emitProgress(Event{Kind: EventProgress, Peer: id, Received: received, Total: total})
	})

	s.mu.Lock()
	p.pendingICE = s.early[id]
	delete(s.early, id)
	s.peers[id] = p
	s.mu.Unlock()

	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		if err := s.sig.Signal(s.ctx, s.code, s.self, id, SignalICE, c); err != nil && s.ctx.Err() == nil {
			slog.Warn("sending ice candidate failed", "room", s.code, "to", id, "error", err)
		}
	})
	conn.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		slog.Debug("peer connection state", "room", s.code, "peer", id, "state", st.String())
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.mu.Lock()
			if s.peers[id] == p {
				p.state = PeerConnected
			}
			s.mu.Unlock()
			s.emit(Event{Kind: EventPeerConnected, Peer: id})
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			if s.dropPeer(p) {
				s.emit(Event{Kind: EventPeerDisconnected, Peer: id})
			}
		}
	})
	conn.OnDataChannel(func(dc DataChannel) {
		s.attachChannel(p, dc)
	})
	return p, nil
}

func (s *Session) attachChannel(p *peer, dc DataChannel) {
	s.mu.Lock()
	p.channel = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.mu.Lock()
		p.open = true
		s.mu.Unlock()
		s.emit(Event{Kind: EventChannelOpen, Peer: p.id})
	})
	dc.OnClose(func() {
		s.mu.Lock()
		p.open = false
		s.mu.Unlock()
	})
	dc.OnMessage(func(msg Message) {
		f, err := p.receiver.Handle(msg)
		if err != nil {
			s.emit(Event{Kind: EventError, Peer: p.id, Err: err})
			return
		}
		if f != nil {
			slog.Debug("file received", "room", s.code, "from", p.id, "size", f.Size)
			s.emit(Event{Kind: EventFileReceived, Peer: p.id, File: f})
		}
	})
}

// updateRoster drops local peers the server no longer lists.
func (s *Session) updateRoster(roster []string) {
	s.mu.Lock()
	s.roster = slices.Clone(roster)
	var gone []*peer
	for id, p := range s.peers {
		if !slices.Contains(roster, id) {
			gone = append(gone, p)
		}
	}
	for id := range s.early {
		if !slices.Contains(roster, id) {
			delete(s.early, id)
		}
	}
	s.mu.Unlock()

	for _, p := range gone {
		if s.dropPeer(p) {
			s.emit(Event{Kind: EventPeerDisconnected, Peer: p.id})
		}
	}
}

// removePeer closes and forgets id without reporting it.
func (s *Session) removePeer(id string) {
	s.mu.Lock()
	p := s.peers[id]
	s.mu.Unlock()
	if p != nil {
		s.dropPeer(p)
	}
}

// dropPeer closes p if it is still the current connection for its id.
func (s *Session) dropPeer(p *peer) bool {
	s.mu.Lock()
	if s.peers[p.id] != p {
		s.mu.Unlock()
		return false
	}
	delete(s.peers, p.id)
	p.state = PeerClosed
	p.open = false
	s.mu.Unlock()

	if err := p.conn.Close(); err != nil {
		slog.Debug("closing peer connection", "peer", p.id, "error", err)
	}
	return true
}

// State returns the state of the connection to id.
func (s *Session) State(id string) PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		return p.state
	}
	return PeerClosed
}

// Peers lists the ids with an open data channel.
func (s *Session) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, p := range s.peers {
		if p.open {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Roster is the room membership from the last poll, excluding us.
func (s *Session) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.roster)
}

// Broadcast sends f to every peer with an open channel and returns how
// many received it. progress tracks the slowest peer.
func (s *Session) Broadcast(ctx context.Context, f *Sealed, progress core.ProgressFunc) (int, error) {
	select {
	case <-s.done:
		return 0, ErrSessionClosed
	default:
	}

	type target struct {
		id string
		ch DataChannel
	}
	s.mu.Lock()
	var targets []target
	for _, p := range s.peers {
		if p.open && p.channel != nil {
			targets = append(targets, target{id: p.id, ch: p.channel})
		}
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return 0, ErrNoOpenChannels
	}

	progress = core.Monotonic(progress)
	var pmu sync.Mutex
	done := make([]int, len(targets))
	report := func(i, pct int) {
		pmu.Lock()
		defer pmu.Unlock()
		done[i] = pct
		if progress != nil {
			progress(slices.Min(done))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			if err := SendFile(gctx, t.ch, f.Meta, f.Data, func(pct int) { report(i, pct) }); err != nil {
				return fmt.Errorf("send to %s: %w", t.id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(targets), nil
}

// Close stops polling, closes every connection and leaves the room.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
			<-s.polling
		}

		s.mu.Lock()
		peers := make([]*peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()
		for _, p := range peers {
			s.dropPeer(p)
		}

		err = s.sig.Leave(ctx, s.code, s.self)
		slog.Debug("left room", "room", s.code, "peer", s.self)
	})
	return err
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// emitProgress drops the event rather than stall the channel reader.
func (s *Session) emitProgress(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
