// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/meshq/peddler/storage"
)

var _ storage.Store = (*Store)(nil)

type stream struct {
	meta      storage.Stream
	consumers map[string]storage.Participant
	producers map[string]storage.Participant
	messages  map[int64]storage.Message
}

func newStream(queueID string) *stream {
	return &stream{
		meta:      storage.Stream{QueueID: queueID, LastSequenceID: -1},
		consumers: make(map[string]storage.Participant),
		producers: make(map[string]storage.Participant),
		messages:  make(map[int64]storage.Message),
	}
}

// Store is an in-memory storage.Store.
type Store struct {
	mu      sync.RWMutex
	streams map[string]*stream
	hasMeta map[string]bool
	keepers map[string]storage.KeeperState
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		streams: make(map[string]*stream),
		hasMeta: make(map[string]bool),
		keepers: make(map[string]storage.KeeperState),
	}
}

// stream returns the entry for queueID, creating it. Caller holds mu.
func (s *Store) stream(queueID string) *stream {
	st, ok := s.streams[queueID]
	if !ok {
		st = newStream(queueID)
		s.streams[queueID] = st
	}
	return st
}

func (s *Store) SaveStream(ctx context.Context, meta storage.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream(meta.QueueID).meta = meta
	s.hasMeta[meta.QueueID] = true
	return nil
}

func (s *Store) GetStream(ctx context.Context, queueID string) (storage.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasMeta[queueID] {
		return storage.Stream{}, storage.ErrNotFound
	}
	return s.streams[queueID].meta, nil
}

func (s *Store) ListStreams(ctx context.Context) ([]storage.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Stream, 0, len(s.hasMeta))
	for id := range s.hasMeta {
		out = append(out, s.streams[id].meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueID < out[j].QueueID })
	return out, nil
}

func (s *Store) DeleteStream(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, queueID)
	delete(s.hasMeta, queueID)
	return nil
}

func (s *Store) SaveConsumer(ctx context.Context, queueID string, p storage.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream(queueID).consumers[p.ID] = p
	return nil
}

func (s *Store) DeleteConsumer(ctx context.Context, queueID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[queueID]; ok {
		delete(st.consumers, id)
	}
	return nil
}

func (s *Store) ListConsumers(ctx context.Context, queueID string) ([]storage.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[queueID]
	if !ok {
		return []storage.Participant{}, nil
	}
	return participants(st.consumers), nil
}

func (s *Store) SaveProducer(ctx context.Context, queueID string, p storage.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream(queueID).producers[p.ID] = p
	return nil
}

func (s *Store) DeleteProducer(ctx context.Context, queueID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[queueID]; ok {
		delete(st.producers, id)
	}
	return nil
}

func (s *Store) ListProducers(ctx context.Context, queueID string) ([]storage.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[queueID]
	if !ok {
		return []storage.Participant{}, nil
	}
	return participants(st.producers), nil
}

func (s *Store) PutMessage(ctx context.Context, queueID string, m storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Payload = append([]byte(nil), m.Payload...)
	m.Attempts = append([]storage.Attempt(nil), m.Attempts...)
	s.stream(queueID).messages[m.SequenceID] = m
	return nil
}

func (s *Store) GetMessage(ctx context.Context, queueID string, seq int64) (storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[queueID]
	if !ok {
		return storage.Message{}, storage.ErrNotFound
	}
	m, ok := st.messages[seq]
	if !ok {
		return storage.Message{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, queueID string, after int64, limit int) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Message, 0)
	st, ok := s.streams[queueID]
	if !ok {
		return out, nil
	}

	seqs := make([]int64, 0, len(st.messages))
	for seq := range st.messages {
		if seq > after {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}
	for _, seq := range seqs {
		out = append(out, st.messages[seq])
	}
	return out, nil
}

func (s *Store) DeleteMessage(ctx context.Context, queueID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[queueID]; ok {
		delete(st.messages, seq)
	}
	return nil
}

func (s *Store) SaveKeeper(ctx context.Context, st storage.KeeperState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Brokers = st.Brokers.Clone()
	s.keepers[st.CustomerID] = st
	return nil
}

func (s *Store) LoadKeeper(ctx context.Context, customerID string) (storage.KeeperState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.keepers[customerID]
	if !ok {
		return storage.KeeperState{}, storage.ErrNotFound
	}
	st.Brokers = st.Brokers.Clone()
	return st, nil
}

func (s *Store) ListKeepers(ctx context.Context) ([]storage.KeeperState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.KeeperState, 0, len(s.keepers))
	for _, st := range s.keepers {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}

func (s *Store) DeleteKeeper(ctx context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keepers, customerID)
	return nil
}

func (s *Store) Close() error {
	return nil
}

func participants(in map[string]storage.Participant) []storage.Participant {
	out := make([]storage.Participant, 0, len(in))
	for _, p := range in {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
