// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package peddler is the broker-side queue engine: it owns every open stream,
// assigns sequence ids, persists messages and pushes them to consumers.
package peddler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/meshq/groupkey"
	"github.com/absmach/meshq/keeper"
	"github.com/absmach/meshq/peddler/storage"
	"github.com/absmach/meshq/protocol"
)

var (
	ErrStreamNotFound         = errors.New("queue ID not registered")
	ErrConsumerNotRegistered  = errors.New("consumer not registered")
	ErrProducerNotRegistered  = errors.New("producer not registered")
	ErrSequenceAhead          = errors.New("last sequence id is ahead of the queue")
	ErrWrongBroker            = errors.New("queue is served by another broker")
	ErrGroupKeyMismatch       = errors.New("group key does not match queue")
	ErrParticipantUnspecified = errors.New("consumer or producer required")
)

// Notifier pushes deliveries to consumers.
type Notifier interface {
	Deliver(ctx context.Context, consumerID string, d protocol.Delivery) error
}

// Keepers holds broker slots per customer.
type Keepers interface {
	Connect(ctx context.Context, customer string, req keeper.ConnectRequest) (keeper.Result, error)
	Remove(ctx context.Context, customer string) error
}

// Keys registers group keys.
type Keys interface {
	Register(info groupkey.Info) error
	EraseOwner(owner string) int
}

// Metrics receives queue activity.
type Metrics interface {
	RecordPush(ctx context.Context, size int)
	RecordDelivery(ctx context.Context, delivered, failed int, d time.Duration)
	RecordRetired(ctx context.Context, n int)
	RecordEviction(ctx context.Context)
	RecordStreams(ctx context.Context, delta int64)
}

type noopMetrics struct{}

func (noopMetrics) RecordPush(context.Context, int) {}
func (noopMetrics) RecordDelivery(context.Context, int, int, time.Duration) {}
func (noopMetrics) RecordRetired(context.Context, int) {}
func (noopMetrics) RecordEviction(context.Context) {}
func (noopMetrics) RecordStreams(context.Context, int64) {}

// Config configures the peddler.
type Config struct {
	Self               string
	MaxCatchupMessages int
	MaxMissedRounds    int
	DeliveryTimeout    time.Duration
}

// Peddler owns the streams of this broker.
type Peddler struct {
	cfg      Config
	store    storage.StreamStore
	keepers  Keepers
	keys     Keys
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	streams map[string]*stream
}

// New creates a peddler. metrics may be nil.
func New(cfg Config, store storage.StreamStore, keepers Keepers, keys Keys, notifier Notifier, metrics Metrics, logger *slog.Logger) *Peddler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.MaxCatchupMessages <= 0 {
		cfg.MaxCatchupMessages = 100
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Peddler{
		cfg:      cfg,
		store:    store,
		keepers:  keepers,
		keys:     keys,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "peddler")),
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]*stream),
	}
}

// Start reopens every persisted stream with its registered participants.
func (p *Peddler) Start(ctx context.Context) error {
	metas, err := p.store.ListStreams(ctx)
	if err != nil {
		return fmt.Errorf("failed to load streams: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, meta := range metas {
		if _, ok := p.streams[meta.QueueID]; ok {
			continue
		}
		s, err := loadStream(ctx, p.store, meta)
		if err != nil {
			return fmt.Errorf("failed to load stream %s: %w", meta.QueueID, err)
		}
		p.startStream(s)
	}

	p.logger.Info("streams restored", slog.Int("count", len(metas)))
	return nil
}

// Stop stops delivery and persists the final state of every stream.
func (p *Peddler) Stop(ctx context.Context) error {
	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[string]*stream)
	p.mu.Unlock()

	p.cancel()

	var errs []error
	for _, s := range streams {
		s.worker.stop()

		s.mu.Lock()
		meta := s.meta()
		s.closed = true
		s.mu.Unlock()

		if err := p.store.SaveStream(ctx, meta); err != nil {
			errs = append(errs, fmt.Errorf("failed to save stream %s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

// Connect registers a consumer and/or producer after the keeper confirmed
// this broker's slot for the queue owner.
func (p *Peddler) Connect(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	q, err := protocol.ParseQueueID(req.QueueID)
	if err != nil {
		return protocol.Response{}, err
	}
	if q.Broker != p.cfg.Self {
		return protocol.Response{}, ErrWrongBroker
	}
	if req.ConsumerID == "" && req.ProducerID == "" {
		return protocol.Response{}, ErrParticipantUnspecified
	}
	if req.GroupKey == nil || req.GroupKey.Alias() != q.Alias || req.GroupKey.Owner() != q.Owner {
		return protocol.Response{}, ErrGroupKeyMismatch
	}
	if err := p.keys.Register(*req.GroupKey); err != nil {
		return protocol.Response{}, err
	}

	res, err := p.keepers.Connect(ctx, q.Owner, keeper.ConnectRequest{
		Desired:           req.Position,
		ArchiveFolderPath: req.ArchiveFolderPath,
		RequesterKnown:    req.KnownBrokers,
		Request:           req,
		Depth:             req.Depth,
	})
	if err != nil {
		return protocol.Response{}, err
	}

	for {
		s, err := p.open(ctx, req.QueueID, q)
		if err != nil {
			return protocol.Response{}, err
		}

		s.mu.Lock()
		if s.closed {
			// Lost a race with the last participant leaving.
			s.mu.Unlock()
			continue
		}
		resp, err := p.register(ctx, s, req)
		s.mu.Unlock()
		if err != nil {
			return protocol.Response{}, err
		}

		resp.CooperatedBrokers = res.Brokers
		resp.ArchiveFolderPath = res.ArchiveFolderPath
		return resp, nil
	}
}

// register adds the request's participants to s. Caller holds s.mu.
func (p *Peddler) register(ctx context.Context, s *stream, req protocol.Request) (protocol.Response, error) {
	if req.LastSequenceID > s.lastSeq {
		return protocol.Response{}, fmt.Errorf("%w: %d > %d", ErrSequenceAhead, req.LastSequenceID, s.lastSeq)
	}

	if req.ConsumerID != "" {
		c, ok := s.consumers[req.ConsumerID]
		switch {
		case !ok:
			c = &storage.Participant{ID: req.ConsumerID, Active: true, LastSequenceID: req.LastSequenceID}
		case c.Active:
			c = nil
		default:
			c.Active = true
			c.MissedRounds = 0
		}
		if c != nil {
			if err := p.store.SaveConsumer(ctx, s.id, *c); err != nil {
				return protocol.Response{}, fmt.Errorf("failed to save consumer: %w", err)
			}
			s.consumers[c.ID] = c
			p.logger.Info("consumer connected", slog.String("queue_id", s.id), slog.String("consumer_id", c.ID))
		}
	}

	if req.ProducerID != "" {
		pr, ok := s.producers[req.ProducerID]
		switch {
		case !ok:
			pr = &storage.Participant{ID: req.ProducerID, Active: true, LastSequenceID: protocol.NoSequence}
		case pr.Active:
			pr = nil
		default:
			pr.Active = true
		}
		if pr != nil {
			if err := p.store.SaveProducer(ctx, s.id, *pr); err != nil {
				return protocol.Response{}, fmt.Errorf("failed to save producer: %w", err)
			}
			s.producers[pr.ID] = pr
			p.logger.Info("producer connected", slog.String("queue_id", s.id), slog.String("producer_id", pr.ID))
		}
	}

	resp := protocol.Accept(nil)
	resp.QueueID = s.id
	resp.LastSequenceID = s.lastSeq
	return resp, nil
}

// Disconnect removes participants. A stream left without any is erased.
func (p *Peddler) Disconnect(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s, ok := p.get(req.QueueID)
	if !ok {
		return protocol.Response{}, ErrStreamNotFound
	}

	s.mu.Lock()
	removed := false
	if _, ok := s.consumers[req.ConsumerID]; ok {
		if err := p.store.DeleteConsumer(ctx, s.id, req.ConsumerID); err != nil {
			s.mu.Unlock()
			return protocol.Response{}, fmt.Errorf("failed to remove consumer: %w", err)
		}
		delete(s.consumers, req.ConsumerID)
		removed = true
	}
	if _, ok := s.producers[req.ProducerID]; ok {
		if err := p.store.DeleteProducer(ctx, s.id, req.ProducerID); err != nil {
			s.mu.Unlock()
			return protocol.Response{}, fmt.Errorf("failed to remove producer: %w", err)
		}
		delete(s.producers, req.ProducerID)
		removed = true
	}
	if !removed {
		s.mu.Unlock()
		if req.ConsumerID != "" {
			return protocol.Response{}, ErrConsumerNotRegistered
		}
		return protocol.Response{}, ErrProducerNotRegistered
	}

	empty := s.empty()
	if empty {
		s.closed = true
	} else {
		p.retireAcked(ctx, s)
	}
	s.mu.Unlock()

	if empty {
		p.closeStream(ctx, s)
	}

	resp := protocol.Accept(nil)
	resp.QueueID = s.id
	return resp, nil
}

// Read returns stored messages after req.LastSequenceID and acknowledges
// everything up to it on behalf of the consumer.
func (p *Peddler) Read(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s, ok := p.get(req.QueueID)
	if !ok {
		return protocol.Response{}, ErrStreamNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consumers[req.ConsumerID]
	if !ok {
		return protocol.Response{}, ErrConsumerNotRegistered
	}
	if req.LastSequenceID > s.lastSeq {
		return protocol.Response{}, fmt.Errorf("%w: %d > %d", ErrSequenceAhead, req.LastSequenceID, s.lastSeq)
	}

	if req.LastSequenceID > c.LastSequenceID || !c.Active || c.MissedRounds > 0 {
		if req.LastSequenceID > c.LastSequenceID {
			c.LastSequenceID = req.LastSequenceID
		}
		c.Active = true
		c.MissedRounds = 0
		if err := p.store.SaveConsumer(ctx, s.id, *c); err != nil {
			return protocol.Response{}, fmt.Errorf("failed to save consumer: %w", err)
		}
	}

	msgs, err := p.store.ListMessages(ctx, s.id, req.LastSequenceID, p.cfg.MaxCatchupMessages)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to read messages: %w", err)
	}
	items := make([]protocol.Item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, m.Item())
	}

	p.retireAcked(ctx, s)

	resp := protocol.Accept(nil)
	resp.QueueID = s.id
	resp.LastSequenceID = s.lastSeq
	resp.Items = items
	return resp, nil
}

// Push appends a producer message and wakes the delivery worker.
func (p *Peddler) Push(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s, ok := p.get(req.QueueID)
	if !ok {
		return protocol.Response{}, ErrStreamNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.producers[req.ProducerID]
	if !ok || !pr.Active {
		return protocol.Response{}, ErrProducerNotRegistered
	}

	m := storage.Message{
		SequenceID: s.lastSeq + 1,
		Created:    time.Now().UTC(),
		ProducerID: req.ProducerID,
		Payload:    req.Payload,
	}
	if err := p.store.PutMessage(ctx, s.id, m); err != nil {
		return protocol.Response{}, fmt.Errorf("failed to store message: %w", err)
	}

	meta := s.meta()
	meta.LastSequenceID = m.SequenceID
	if err := p.store.SaveStream(ctx, meta); err != nil {
		if derr := p.store.DeleteMessage(ctx, s.id, m.SequenceID); derr != nil {
			p.logger.Error("failed to roll back message", slog.String("queue_id", s.id), slog.String("error", derr.Error()))
		}
		return protocol.Response{}, fmt.Errorf("failed to save stream: %w", err)
	}
	s.lastSeq = m.SequenceID

	pr.LastSequenceID = m.SequenceID
	if err := p.store.SaveProducer(ctx, s.id, *pr); err != nil {
		p.logger.Warn("failed to save producer", slog.String("queue_id", s.id), slog.String("error", err.Error()))
	}

	p.metrics.RecordPush(ctx, len(m.Payload))
	s.worker.Notify()

	resp := protocol.Accept(nil)
	resp.QueueID = s.id
	resp.LastSequenceID = m.SequenceID
	return resp, nil
}

// Status returns every open stream ordered by queue id.
func (p *Peddler) Status() []StreamStatus {
	p.mu.RLock()
	streams := make([]*stream, 0, len(p.streams))
	for _, s := range p.streams {
		streams = append(streams, s)
	}
	p.mu.RUnlock()

	out := make([]StreamStatus, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueID < out[j].QueueID })
	return out
}

func (p *Peddler) get(queueID string) (*stream, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.streams[queueID]
	return s, ok
}

func (p *Peddler) open(ctx context.Context, id string, q protocol.QueueID) (*stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.streams[id]; ok {
		return s, nil
	}

	s := newStream(id, q)
	if err := p.store.SaveStream(ctx, s.meta()); err != nil {
		return nil, fmt.Errorf("failed to save stream: %w", err)
	}
	p.startStream(s)
	p.logger.Info("stream opened", slog.String("queue_id", id))
	return s, nil
}

// startStream registers s and starts its worker. Caller holds p.mu.
func (p *Peddler) startStream(s *stream) {
	s.worker = newWorker(p, s)
	s.worker.start(p.ctx)
	p.streams[s.id] = s
	p.metrics.RecordStreams(p.ctx, 1)
}

// closeStream erases a stream marked closed, and the customer with it when
// this was its last stream.
func (p *Peddler) closeStream(ctx context.Context, s *stream) {
	p.mu.Lock()
	if cur, ok := p.streams[s.id]; ok && cur == s {
		delete(p.streams, s.id)
		p.metrics.RecordStreams(ctx, -1)
	}
	last := true
	for _, other := range p.streams {
		if other.queue.Owner == s.queue.Owner {
			last = false
			break
		}
	}
	p.mu.Unlock()

	s.worker.stop()
	if err := p.store.DeleteStream(ctx, s.id); err != nil {
		p.logger.Error("failed to erase stream", slog.String("queue_id", s.id), slog.String("error", err.Error()))
	}
	p.logger.Info("stream closed", slog.String("queue_id", s.id))

	if !last {
		return
	}
	if err := p.keepers.Remove(ctx, s.queue.Owner); err != nil {
		p.logger.Warn("failed to remove keeper", slog.String("customer", s.queue.Owner), slog.String("error", err.Error()))
	}
	erased := p.keys.EraseOwner(s.queue.Owner)
	p.logger.Info("customer released",
		slog.String("customer", s.queue.Owner),
		slog.Int("group_keys", erased))
}

// retireAcked deletes delivered messages every active consumer acknowledged.
// Caller holds s.mu.
func (p *Peddler) retireAcked(ctx context.Context, s *stream) {
	limit := s.acked()
	if s.delivered < limit {
		limit = s.delivered
	}
	if limit < 0 {
		return
	}

	retired := 0
	for {
		msgs, err := p.store.ListMessages(ctx, s.id, protocol.NoSequence, deliveryBatchSize)
		if err != nil {
			p.logger.Error("failed to list messages for retirement", slog.String("queue_id", s.id), slog.String("error", err.Error()))
			break
		}
		n := 0
		for _, m := range msgs {
			if m.SequenceID > limit {
				break
			}
			if err := p.store.DeleteMessage(ctx, s.id, m.SequenceID); err != nil {
				p.logger.Error("failed to retire message", slog.String("queue_id", s.id), slog.String("error", err.Error()))
				break
			}
			n++
		}
		retired += n
		if n == 0 || n < len(msgs) || len(msgs) < deliveryBatchSize {
			break
		}
	}

	if retired > 0 {
		p.metrics.RecordRetired(ctx, retired)
	}
}
