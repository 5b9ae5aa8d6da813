package rooms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Signal key derivation parameters. The password hash, not the password,
// is the PBKDF2 input; the server only ever holds the hash.
const (
	signalKeySalt       = "synkros-p2p-signal"
	signalKeyIterations = 100000
	signalKeySize       = 32
)

// Outgoing is a signal as posted by a peer.
type Outgoing struct {
	From string
	To   string
	Type string
	Data json.RawMessage
}

// Inbox is the drained state returned by Poll.
type Inbox struct {
	Signals Signals  `json:"signals"`
	Peers   []string `json:"peers"`
}

// PostSignal queues a signal for its target. Signals in password rooms are
// sealed with the room's derived key before they are stored.
func (r *Registry) PostSignal(ctx context.Context, code string, msg Outgoing) error {
	typ, err := ParseSignalType(msg.Type)
	if err != nil {
		return err
	}
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return ErrEmptySignal
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.load(ctx, code)
	if err != nil {
		return err
	}
	if !room.hasPeer(msg.From) {
		return ErrPeerNotInRoom
	}
	if !room.hasPeer(msg.To) {
		return ErrTargetNotFound
	}

	q := queued{From: msg.From, Payload: []byte(msg.Data), Timestamp: r.opts.Now().UnixMilli()}
	if room.hasPassword() {
		sealed, err := r.seal(room, q.Payload)
		if err != nil {
			return fmt.Errorf("failed to encrypt signal: %w", err)
		}
		q.Payload, q.Sealed = sealed, true
	}

	target := room.Queues[msg.To]
	if target == nil {
		target = &queues{}
		room.Queues[msg.To] = target
	}
	target.push(typ, q)

	if err := r.save(ctx, room); err != nil {
		return err
	}
	slog.Debug("signal queued", "room", room.Code, "from", msg.From, "to", msg.To, "type", string(typ))
	return nil
}

// Poll drains the peer's queue and returns the decrypted signals with the
// current roster. Delivery is at most once: the queue is cleared before
// the response is written. Signals that fail to decrypt are logged and
// dropped.
func (r *Registry) Poll(ctx context.Context, code, peerID string) (*Inbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if !room.hasPeer(peerID) {
		return nil, ErrPeerNotInRoom
	}

	pending := room.Queues[peerID]
	room.Queues[peerID] = &queues{}
	if err := r.save(ctx, room); err != nil {
		return nil, err
	}

	inbox := &Inbox{
		Signals: Signals{Offers: []Signal{}, Answers: []Signal{}, ICE: []Signal{}},
		Peers:   room.peersExcept(peerID),
	}
	if pending == nil {
		return inbox, nil
	}

	inbox.Signals.Offers = r.open(room, pending.Offers)
	inbox.Signals.Answers = r.open(room, pending.Answers)
	inbox.Signals.ICE = r.open(room, pending.ICE)
	return inbox, nil
}

func (r *Registry) open(room *Room, in []queued) []Signal {
	out := make([]Signal, 0, len(in))
	for _, q := range in {
		data := q.Payload
		if q.Sealed {
			plain, err := r.unseal(room, q.Payload)
			if err != nil {
				slog.Error("dropping signal",
					"room", room.Code,
					"from", q.From,
					"error", fmt.Errorf("%w: %v", ErrSignalDecrypt, err),
				)
				continue
			}
			data = plain
		}
		if !json.Valid(data) {
			slog.Error("dropping signal", "room", room.Code, "from", q.From, "error", ErrSignalDecrypt)
			continue
		}
		out = append(out, Signal{From: q.From, Data: json.RawMessage(data), Timestamp: q.Timestamp})
	}
	return out
}

func (r *Registry) seal(room *Room, plain []byte) ([]byte, error) {
	gcm, err := newSignalGCM(r.keys.get(room))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(r.opts.Rand, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, []byte(room.Code)), nil
}

func (r *Registry) unseal(room *Room, sealed []byte) ([]byte, error) {
	gcm, err := newSignalGCM(r.keys.get(room))
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed signal too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, []byte(room.Code))
}

func newSignalGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func deriveSignalKey(passwordHash string) []byte {
	return pbkdf2.Key([]byte(passwordHash), []byte(signalKeySalt), signalKeyIterations, signalKeySize, sha256.New)
}

type cachedKey struct {
	hash string
	key  []byte
}

// keyCache memoises PBKDF2 output per room; 100k iterations per signal
// would dominate request latency.
type keyCache struct {
	mu   sync.Mutex
	keys map[string]cachedKey
}

func newKeyCache() *keyCache {
	return &keyCache{keys: make(map[string]cachedKey)}
}

func (c *keyCache) get(room *Room) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[room.Code]; ok && k.hash == room.PasswordHash {
		return k.key
	}
	key := deriveSignalKey(room.PasswordHash)
	c.keys[room.Code] = cachedKey{hash: room.PasswordHash, key: key}
	return key
}

func (c *keyCache) forget(code string) {
	c.mu.Lock()
	delete(c.keys, code)
	c.mu.Unlock()
}

func (c *keyCache) codes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.keys))
	for code := range c.keys {
		out = append(out, code)
	}
	return out
}
