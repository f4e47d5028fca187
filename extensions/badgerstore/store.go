// Package badgerstore provides a BadgerDB backed mqttbridge.SessionStore,
// so unacknowledged QoS 1 and 2 publishes survive a process restart.
package badgerstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vitalvas/mqttbridge"
)

var _ mqttbridge.SessionStore = (*Store)(nil)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("badgerstore: store closed")

const gcInterval = 5 * time.Minute

// Config holds BadgerDB configuration.
type Config struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// Namespace separates the entries of several clients sharing one
	// database, usually the client id.
	Namespace string
	// InMemory keeps the data in memory only, for tests.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
}

// Store keeps pending publishes in BadgerDB, one key per packet id.
type Store struct {
	db     *badger.DB
	prefix []byte

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens the database and starts value log garbage collection.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	s := &Store{
		db:       db,
		prefix:   []byte("pending:" + cfg.Namespace + ":"),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC()
	}

	return s, nil
}

func (s *Store) key(packetID uint16) []byte {
	k := make([]byte, len(s.prefix)+2)
	copy(k, s.prefix)
	binary.BigEndian.PutUint16(k[len(s.prefix):], packetID)
	return k
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SavePending stores or replaces the entry for p.PacketID.
func (s *Store) SavePending(p *mqttbridge.PendingPublish) error {
	if s.isClosed() {
		return ErrClosed
	}

	data, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("badgerstore: encode: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(p.PacketID), data)
	})
}

// DeletePending removes the entry for packetID. Missing entries are ignored.
func (s *Store) DeletePending(packetID uint16) error {
	if s.isClosed() {
		return ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(packetID))
	})
}

// LoadPending returns every stored entry ordered by packet id.
func (s *Store) LoadPending() ([]*mqttbridge.PendingPublish, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var out []*mqttbridge.PendingPublish
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var p mqttbridge.PendingPublish
				if err := msgpack.Unmarshal(val, &p); err != nil {
					return err
				}
				out = append(out, &p)
				return nil
			})
			if err != nil {
				return fmt.Errorf("badgerstore: decode %x: %w", item.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PacketID < out[j].PacketID })
	return out, nil
}

// ClearPending removes every entry of the namespace.
func (s *Store) ClearPending() error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.DropPrefix(s.prefix)
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was collected.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
