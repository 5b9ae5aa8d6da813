package rooms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// maxCodeAttempts bounds room code regeneration on collision.
const maxCodeAttempts = 8

type Options struct {
	// TTL is the room lifetime. With RenewOnActivity every mutation,
	// polls included, pushes expiry TTL into the future; otherwise the
	// lifetime is fixed at creation.
	TTL             time.Duration
	RenewOnActivity bool
	BcryptCost      int
	Now             func() time.Time
	Rand            io.Reader
}

// Status is the result of validating a room.
type Status struct {
	IsFull       bool `json:"isFull"`
	CurrentPeers int  `json:"currentPeers"`
	MaxPeers     int  `json:"maxPeers"`
}

// Joined is returned to a peer entering a room.
type Joined struct {
	PeerID string   `json:"peerId"`
	Peers  []string `json:"peers"`
}

// Registry owns every room. All read-modify-write cycles run under one
// mutex, so concurrent joins cannot overshoot MaxPeers within a process.
type Registry struct {
	mu    sync.Mutex
	store Store
	opts  Options
	keys  *keyCache
}

func NewRegistry(store Store, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Registry{store: store, opts: opts, keys: newKeyCache()}
}

// Create makes a room and returns its code. An empty password creates an
// open room whose signals are stored in plaintext.
func (r *Registry) Create(ctx context.Context, password string, maxPeers int) (*Room, error) {
	if maxPeers < MinPeers || maxPeers > MaxPeers {
		return nil, ErrInvalidMaxPeers
	}

	var hash string
	if password != "" {
		if len(password) < MinPasswordLength {
			return nil, ErrWeakPassword
		}
		h, err := bcrypt.GenerateFromPassword([]byte(password), r.opts.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		hash = string(h)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := r.allocateCode(ctx)
	if err != nil {
		return nil, err
	}

	now := r.opts.Now()
	room := &Room{
		Code:         code,
		PasswordHash: hash,
		MaxPeers:     maxPeers,
		Peers:        []string{},
		Queues:       map[string]*queues{},
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.opts.TTL),
	}
	if err := r.write(ctx, room); err != nil {
		return nil, err
	}

	slog.Info("room created", "room", code, "max_peers", maxPeers, "protected", hash != "")
	return room, nil
}

func (r *Registry) allocateCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := r.randomHex(CodeLength / 2)
		if err != nil {
			return "", err
		}
		code = strings.ToUpper(code)

		_, err = r.load(ctx, code)
		if errors.Is(err, ErrRoomNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
		slog.Warn("room code collision", "attempt", i+1)
	}
	return "", ErrRoomCodeExhausted
}

// Validate checks that a room exists and the password matches.
func (r *Registry) Validate(ctx context.Context, code, password string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.authorize(ctx, code, password)
	if err != nil {
		return Status{}, err
	}
	return Status{IsFull: room.isFull(), CurrentPeers: len(room.Peers), MaxPeers: room.MaxPeers}, nil
}

// Join admits a new peer and returns the roster it should connect to.
func (r *Registry) Join(ctx context.Context, code, password string) (*Joined, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.authorize(ctx, code, password)
	if err != nil {
		return nil, err
	}
	if room.isFull() {
		return nil, ErrRoomFull
	}

	var peerID string
	for {
		if peerID, err = r.randomHex(PeerIDLength / 2); err != nil {
			return nil, err
		}
		if !room.hasPeer(peerID) {
			break
		}
	}

	others := room.peersExcept(peerID)
	room.Peers = append(room.Peers, peerID)
	room.Queues[peerID] = &queues{}

	if err := r.save(ctx, room); err != nil {
		return nil, err
	}

	slog.Info("peer joined room", "room", code, "peer", peerID, "peers", len(room.Peers))
	return &Joined{PeerID: peerID, Peers: others}, nil
}

// Leave removes a peer and its queue. Unknown rooms and peers are not an
// error. The room is deleted once its last peer leaves.
func (r *Registry) Leave(ctx context.Context, code, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.load(ctx, code)
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !room.removePeer(peerID) {
		return nil
	}

	if len(room.Peers) == 0 {
		r.keys.forget(room.Code)
		if err := r.store.Delete(ctx, roomKey(room.Code)); err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}
		slog.Info("room closed", "room", room.Code)
		return nil
	}

	if err := r.save(ctx, room); err != nil {
		return err
	}
	slog.Info("peer left room", "room", code, "peer", peerID, "peers", len(room.Peers))
	return nil
}

// Sweep evicts expired rooms and their cached signal keys.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	n, err := r.store.Sweep(ctx)
	if err != nil {
		return n, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, code := range r.keys.codes() {
		if _, err := r.load(ctx, code); errors.Is(err, ErrRoomNotFound) {
			r.keys.forget(code)
		}
	}
	return n, nil
}

// authorize loads a room and checks the password. Rooms without a
// password only accept an empty one.
func (r *Registry) authorize(ctx context.Context, code, password string) (*Room, error) {
	room, err := r.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if !room.hasPassword() {
		if password != "" {
			return nil, ErrInvalidPassword
		}
		return room, nil
	}
	if password == "" {
		return nil, ErrInvalidPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}
	return room, nil
}

func roomKey(code string) string {
	return "room:" + code
}

// load fetches a room, treating anything past its expiry as gone even if
// the store has not evicted it yet.
func (r *Registry) load(ctx context.Context, code string) (*Room, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return nil, ErrRoomNotFound
	}

	raw, err := r.store.Get(ctx, roomKey(code))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	var room Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	if !r.opts.Now().Before(room.ExpiresAt) {
		r.store.Delete(ctx, roomKey(code))
		return nil, ErrRoomNotFound
	}
	if room.Queues == nil {
		room.Queues = map[string]*queues{}
	}
	return &room, nil
}

// save persists a mutation, renewing expiry when that policy is on.
func (r *Registry) save(ctx context.Context, room *Room) error {
	if r.opts.RenewOnActivity {
		room.ExpiresAt = r.opts.Now().Add(r.opts.TTL)
	}
	return r.write(ctx, room)
}

func (r *Registry) write(ctx context.Context, room *Room) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to encode room: %w", err)
	}
	if err := r.store.Set(ctx, roomKey(room.Code), raw, room.ExpiresAt); err != nil {
		return fmt.Errorf("failed to store room: %w", err)
	}
	return nil
}

func (r *Registry) randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r.opts.Rand, b); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return hex.EncodeToString(b), nil
}
