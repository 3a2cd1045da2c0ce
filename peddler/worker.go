// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package peddler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/meshq/peddler/storage"
	"github.com/absmach/meshq/protocol"
	"github.com/google/uuid"
)

const deliveryBatchSize = 100

// worker pushes new messages of one stream to its consumers.
type worker struct {
	p        *Peddler
	s        *stream
	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newWorker(p *Peddler, s *stream) *worker {
	return &worker{
		p:        p,
		s:        s,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Notify wakes the worker. It never blocks.
func (w *worker) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *worker) start(ctx context.Context) {
	go w.run(ctx)
}

func (w *worker) stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.done
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-w.notifyCh:
			w.process(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// process runs a delivery round for every message not yet pushed.
func (w *worker) process(ctx context.Context) {
	for ctx.Err() == nil {
		w.s.mu.Lock()
		after := w.s.delivered
		closed := w.s.closed
		w.s.mu.Unlock()
		if closed {
			return
		}

		msgs, err := w.p.store.ListMessages(ctx, w.s.id, after, deliveryBatchSize)
		if err != nil {
			w.p.logger.Error("failed to list messages for delivery",
				slog.String("queue_id", w.s.id),
				slog.String("error", err.Error()))
			return
		}
		if len(msgs) == 0 {
			return
		}

		for _, m := range msgs {
			if ctx.Err() != nil {
				return
			}
			w.round(ctx, m)
		}

		w.s.mu.Lock()
		stuck := w.s.delivered == after
		w.s.mu.Unlock()
		if stuck {
			// Retried on the next push.
			return
		}
	}
}

// round delivers m to every active consumer that has not acknowledged it.
func (w *worker) round(ctx context.Context, m storage.Message) {
	s := w.s
	started := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var targets []string
	for _, c := range s.activeConsumers() {
		if c.LastSequenceID < m.SequenceID {
			targets = append(targets, c.ID)
		}
	}

	m.Attempts = append(m.Attempts, storage.Attempt{
		MessageID: uuid.New().String(),
		Started:   started.UTC(),
	})
	attempt := &m.Attempts[len(m.Attempts)-1]
	if len(targets) > 0 {
		if err := w.p.store.PutMessage(ctx, s.id, m); err != nil {
			s.mu.Unlock()
			w.p.logger.Error("failed to record delivery attempt",
				slog.String("queue_id", s.id),
				slog.Int64("sequence_id", m.SequenceID),
				slog.String("error", err.Error()))
			return
		}
	}
	s.mu.Unlock()

	failed := w.deliver(ctx, m, attempt.MessageID, targets)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if m.SequenceID > s.delivered {
		s.delivered = m.SequenceID
	}

	attempt.Finished = time.Now().UTC()
	attempt.FailedConsumers = failed

	failedSet := make(map[string]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}

	evicted := false
	for _, id := range targets {
		c, ok := s.consumers[id]
		if !ok {
			continue
		}
		if failedSet[id] {
			c.MissedRounds++
			if w.p.cfg.MaxMissedRounds > 0 && c.MissedRounds >= w.p.cfg.MaxMissedRounds && c.Active {
				c.Active = false
				evicted = true
				w.p.logger.Warn("consumer evicted after missed delivery rounds",
					slog.String("queue_id", s.id),
					slog.String("consumer_id", id),
					slog.Int("missed_rounds", c.MissedRounds))
				w.p.metrics.RecordEviction(ctx)
			}
		} else {
			c.MissedRounds = 0
			if m.SequenceID > c.LastSequenceID {
				c.LastSequenceID = m.SequenceID
			}
		}
		if err := w.p.store.SaveConsumer(ctx, s.id, *c); err != nil {
			w.p.logger.Error("failed to save consumer",
				slog.String("queue_id", s.id),
				slog.String("consumer_id", id),
				slog.String("error", err.Error()))
		}
	}

	w.p.metrics.RecordDelivery(ctx, len(targets)-len(failed), len(failed), time.Since(started))

	if len(failed) == 0 {
		if err := w.p.store.DeleteMessage(ctx, s.id, m.SequenceID); err != nil {
			w.p.logger.Error("failed to retire message",
				slog.String("queue_id", s.id),
				slog.Int64("sequence_id", m.SequenceID),
				slog.String("error", err.Error()))
			return
		}
		w.p.metrics.RecordRetired(ctx, 1)
		if evicted {
			w.p.retireAcked(ctx, s)
		}
		return
	}

	w.p.logger.Warn("message not delivered to every consumer",
		slog.String("queue_id", s.id),
		slog.Int64("sequence_id", m.SequenceID),
		slog.Any("failed_consumers", failed))
	if err := w.p.store.PutMessage(ctx, s.id, m); err != nil {
		w.p.logger.Error("failed to finalize delivery attempt",
			slog.String("queue_id", s.id),
			slog.Int64("sequence_id", m.SequenceID),
			slog.String("error", err.Error()))
	}
	if evicted {
		w.p.retireAcked(ctx, s)
	}
}

// deliver sends m to targets concurrently and returns the ones that failed.
func (w *worker) deliver(ctx context.Context, m storage.Message, messageID string, targets []string) []string {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed []string
	)

	for _, id := range targets {
		wg.Add(1)
		go func(consumerID string) {
			defer wg.Done()

			dctx, cancel := context.WithTimeout(ctx, w.p.cfg.DeliveryTimeout)
			defer cancel()

			err := w.p.notifier.Deliver(dctx, consumerID, protocol.Delivery{
				MessageID:  messageID,
				QueueID:    w.s.id,
				ConsumerID: consumerID,
				Items:      []protocol.Item{m.Item()},
			})
			if err != nil {
				w.p.logger.Debug("delivery failed",
					slog.String("queue_id", w.s.id),
					slog.String("consumer_id", consumerID),
					slog.String("error", err.Error()))
				mu.Lock()
				failed = append(failed, consumerID)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	sort.Strings(failed)
	return failed
}
