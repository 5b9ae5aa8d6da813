package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps rooms in badger with native per-entry TTLs.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadgerStore opens an on-disk store at path, or an in-memory one when
// path is empty.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open room store: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func (b *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return val, nil
}

func (b *BadgerStore) Set(ctx context.Context, key string, val []byte, expiresAt time.Time) error {
	ttl := expiresAt.Sub(b.now())
	if ttl <= 0 {
		return b.Delete(ctx, key)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), val).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (b *BadgerStore) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Sweep reclaims value log space. Badger hides expired keys on its own and
// does not report how many it dropped.
func (b *BadgerStore) Sweep(ctx context.Context) (int, error) {
	if b.db.Opts().InMemory {
		return 0, nil
	}
	err := b.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		return 0, fmt.Errorf("value log gc: %w", err)
	}
	return 0, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	slog.Error(badgerMsg(format, args), "component", "badger")
}

func (badgerLogger) Warningf(format string, args ...any) {
	slog.Warn(badgerMsg(format, args), "component", "badger")
}

func (badgerLogger) Infof(format string, args ...any) {
	slog.Debug(badgerMsg(format, args), "component", "badger")
}

func (badgerLogger) Debugf(format string, args ...any) {
	slog.Debug(badgerMsg(format, args), "component", "badger")
}

func badgerMsg(format string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
