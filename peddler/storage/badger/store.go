// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/meshq/peddler/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

const (
	streamMetaPrefix     = "stream:meta:"
	streamMessagePrefix  = "stream:msg:"
	streamConsumerPrefix = "stream:consumer:"
	streamProducerPrefix = "stream:producer:"
	keeperPrefix         = "keeper:"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

var _ storage.Store = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string
	SyncWrites bool

	// Payloads at least this large are zstd-compressed. 0 disables compression.
	CompressThreshold int
}

// Store implements storage.Store using BadgerDB.
type Store struct {
	db                *badger.DB
	compressThreshold int

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// storedMessage is the on-disk form of a message.
type storedMessage struct {
	storage.Message
	Compressed bool `json:"compressed,omitempty"`
}

// Open opens (or creates) a BadgerDB store at cfg.Dir.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return New(db, cfg.CompressThreshold), nil
}

// New wraps an open database and takes ownership of it.
func New(db *badger.DB, compressThreshold int) *Store {
	s := &Store{
		db:                db,
		compressThreshold: compressThreshold,
		gcStopCh:          make(chan struct{}),
		gcDone:            make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC()

	return s
}

// Stream headers

func (s *Store) SaveStream(ctx context.Context, st storage.Stream) error {
	return s.put(streamMetaPrefix+st.QueueID, st)
}

func (s *Store) GetStream(ctx context.Context, queueID string) (storage.Stream, error) {
	var st storage.Stream
	if err := s.get(streamMetaPrefix+queueID, &st); err != nil {
		return storage.Stream{}, err
	}
	return st, nil
}

func (s *Store) ListStreams(ctx context.Context) ([]storage.Stream, error) {
	streams := make([]storage.Stream, 0)
	err := s.iterate(streamMetaPrefix, func(_ string, val []byte) error {
		var st storage.Stream
		if err := json.Unmarshal(val, &st); err != nil {
			return err
		}
		streams = append(streams, st)
		return nil
	})
	return streams, err
}

func (s *Store) DeleteStream(ctx context.Context, queueID string) error {
	prefixes := []string{
		streamMessagePrefix + queueID + ":",
		streamConsumerPrefix + queueID + ":",
		streamProducerPrefix + queueID + ":",
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return err
	}
	keys = append(keys, []byte(streamMetaPrefix+queueID))

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Participants

func (s *Store) SaveConsumer(ctx context.Context, queueID string, p storage.Participant) error {
	return s.put(participantKey(streamConsumerPrefix, queueID, p.ID), p)
}

func (s *Store) DeleteConsumer(ctx context.Context, queueID, id string) error {
	return s.delete(participantKey(streamConsumerPrefix, queueID, id))
}

func (s *Store) ListConsumers(ctx context.Context, queueID string) ([]storage.Participant, error) {
	return s.listParticipants(streamConsumerPrefix + queueID + ":")
}

func (s *Store) SaveProducer(ctx context.Context, queueID string, p storage.Participant) error {
	return s.put(participantKey(streamProducerPrefix, queueID, p.ID), p)
}

func (s *Store) DeleteProducer(ctx context.Context, queueID, id string) error {
	return s.delete(participantKey(streamProducerPrefix, queueID, id))
}

func (s *Store) ListProducers(ctx context.Context, queueID string) ([]storage.Participant, error) {
	return s.listParticipants(streamProducerPrefix + queueID + ":")
}

func (s *Store) listParticipants(prefix string) ([]storage.Participant, error) {
	out := make([]storage.Participant, 0)
	err := s.iterate(prefix, func(_ string, val []byte) error {
		var p storage.Participant
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// Messages

func (s *Store) PutMessage(ctx context.Context, queueID string, m storage.Message) error {
	sm := storedMessage{Message: m}
	if s.compressThreshold > 0 && len(m.Payload) >= s.compressThreshold {
		sm.Payload = zstdEncoder.EncodeAll(m.Payload, nil)
		sm.Compressed = true
	}
	return s.put(messageKey(queueID, m.SequenceID), sm)
}

func (s *Store) GetMessage(ctx context.Context, queueID string, seq int64) (storage.Message, error) {
	var sm storedMessage
	if err := s.get(messageKey(queueID, seq), &sm); err != nil {
		return storage.Message{}, err
	}
	return decodeMessage(sm)
}

func (s *Store) ListMessages(ctx context.Context, queueID string, after int64, limit int) ([]storage.Message, error) {
	prefix := []byte(streamMessagePrefix + queueID + ":")
	start := []byte(messageKey(queueID, after+1))
	if after < 0 {
		start = prefix
	}

	msgs := make([]storage.Message, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			if limit > 0 && len(msgs) >= limit {
				return nil
			}
			var sm storedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sm)
			}); err != nil {
				return err
			}
			m, err := decodeMessage(sm)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) DeleteMessage(ctx context.Context, queueID string, seq int64) error {
	return s.delete(messageKey(queueID, seq))
}

// Keeper state

func (s *Store) SaveKeeper(ctx context.Context, st storage.KeeperState) error {
	return s.put(keeperPrefix+st.CustomerID, st)
}

func (s *Store) LoadKeeper(ctx context.Context, customerID string) (storage.KeeperState, error) {
	var st storage.KeeperState
	if err := s.get(keeperPrefix+customerID, &st); err != nil {
		return storage.KeeperState{}, err
	}
	return st, nil
}

func (s *Store) ListKeepers(ctx context.Context) ([]storage.KeeperState, error) {
	out := make([]storage.KeeperState, 0)
	err := s.iterate(keeperPrefix, func(_ string, val []byte) error {
		var st storage.KeeperState
		if err := json.Unmarshal(val, &st); err != nil {
			return err
		}
		out = append(out, st)
		return nil
	})
	return out, err
}

func (s *Store) DeleteKeeper(ctx context.Context, customerID string) error {
	return s.delete(keeperPrefix + customerID)
}

// Close stops the GC loop and closes the database.
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

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) get(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *Store) iterate(prefix string, fn func(key string, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeMessage(sm storedMessage) (storage.Message, error) {
	m := sm.Message
	if sm.Compressed {
		payload, err := zstdDecoder.DecodeAll(sm.Payload, nil)
		if err != nil {
			return storage.Message{}, fmt.Errorf("failed to decompress message %d: %w", m.SequenceID, err)
		}
		m.Payload = payload
	}
	return m, nil
}

func messageKey(queueID string, seq int64) string {
	return fmt.Sprintf("%s%s:%020d", streamMessagePrefix, queueID, seq)
}

func participantKey(prefix, queueID, id string) string {
	return prefix + queueID + ":" + id
}
