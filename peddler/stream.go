// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package peddler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/absmach/meshq/peddler/storage"
	"github.com/absmach/meshq/protocol"
)

// stream is an open queue. mu serializes every operation on the queue.
type stream struct {
	id    string
	queue protocol.QueueID

	mu        sync.Mutex
	created   time.Time
	lastSeq   int64
	delivered int64 // last sequence id that went through a delivery round
	consumers map[string]*storage.Participant
	producers map[string]*storage.Participant
	closed    bool

	worker *worker
}

func newStream(id string, queue protocol.QueueID) *stream {
	return &stream{
		id:        id,
		queue:     queue,
		created:   time.Now().UTC(),
		lastSeq:   protocol.NoSequence,
		delivered: protocol.NoSequence,
		consumers: make(map[string]*storage.Participant),
		producers: make(map[string]*storage.Participant),
	}
}

// loadStream restores a stream and its participants.
func loadStream(ctx context.Context, store storage.StreamStore, meta storage.Stream) (*stream, error) {
	queue, err := protocol.ParseQueueID(meta.QueueID)
	if err != nil {
		return nil, err
	}

	s := newStream(meta.QueueID, queue)
	s.lastSeq = meta.LastSequenceID
	// Leftovers are served by catch-up reads, not pushed again.
	s.delivered = meta.LastSequenceID
	if !meta.Created.IsZero() {
		s.created = meta.Created
	}

	consumers, err := store.ListConsumers(ctx, meta.QueueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load consumers: %w", err)
	}
	for i := range consumers {
		s.consumers[consumers[i].ID] = &consumers[i]
	}

	producers, err := store.ListProducers(ctx, meta.QueueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load producers: %w", err)
	}
	for i := range producers {
		s.producers[producers[i].ID] = &producers[i]
	}

	return s, nil
}

func (s *stream) meta() storage.Stream {
	return storage.Stream{QueueID: s.id, LastSequenceID: s.lastSeq, Created: s.created}
}

func (s *stream) empty() bool {
	return len(s.consumers) == 0 && len(s.producers) == 0
}

// activeConsumers returns copies of the active consumers. Caller holds mu.
func (s *stream) activeConsumers() []storage.Participant {
	out := make([]storage.Participant, 0, len(s.consumers))
	for _, c := range s.consumers {
		if c.Active {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// acked returns the highest sequence id every active consumer acknowledged,
// or the last sequence id when no consumer is active. Caller holds mu.
func (s *stream) acked() int64 {
	low := s.lastSeq
	for _, c := range s.consumers {
		if c.Active && c.LastSequenceID < low {
			low = c.LastSequenceID
		}
	}
	return low
}

// StreamStatus is a point-in-time view of a stream.
type StreamStatus struct {
	QueueID        string   `json:"queue_id"`
	LastSequenceID int64    `json:"last_sequence_id"`
	Consumers      []string `json:"consumers"`
	Producers      []string `json:"producers"`
	Inactive       []string `json:"inactive_consumers,omitempty"`
}

func (s *stream) status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := StreamStatus{
		QueueID:        s.id,
		LastSequenceID: s.lastSeq,
		Consumers:      []string{},
		Producers:      []string{},
	}
	for id, c := range s.consumers {
		if c.Active {
			st.Consumers = append(st.Consumers, id)
		} else {
			st.Inactive = append(st.Inactive, id)
		}
	}
	for id := range s.producers {
		st.Producers = append(st.Producers, id)
	}
	sort.Strings(st.Consumers)
	sort.Strings(st.Producers)
	sort.Strings(st.Inactive)
	return st
}
