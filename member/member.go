// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package member implements the client side of a group: it finds the brokers
// of the group owner, joins the queue on the best live broker, keeps its copy
// of the message sequence complete and fails over when a broker goes away.
package member

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/meshq/dht"
	"github.com/absmach/meshq/groupkey"
	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/transport"
)

// State is a member state.
type State string

const (
	StateAtStartup    State = "AT_STARTUP"
	StateDisconnected State = "DISCONNECTED"
	StateDHTRead      State = "DHT_READ?"
	StateHireBrokers  State = "HIRE_BROKERS"
	StateQueue        State = "QUEUE?"
	StateInSync       State = "IN_SYNC!"
	StateClosed       State = "CLOSED"
)

var (
	ErrNoBrokers    = errors.New("no brokers found")
	ErrClosed       = errors.New("member closed")
	ErrNotInSync    = errors.New("member is not in sync")
	ErrUnknownQueue = errors.New("delivery for unknown queue")
	// ErrGap refuses a delivery that skips sequence ids not applied yet, so
	// the broker keeps the messages for catch-up.
	ErrGap = errors.New("delivery skips missing messages")
)

// Records reads broker records of a customer.
type Records interface {
	ReadBrokers(ctx context.Context, customer string, useCache bool) (map[int]dht.BrokerRecord, error)
}

// Peers sends requests to brokers.
type Peers interface {
	Request(ctx context.Context, brokerID string, req protocol.Request) (protocol.Response, error)
	RandomBrokers(ctx context.Context, exclude []string, limit int) ([]string, error)
}

// Handler receives group messages in sequence order.
type Handler interface {
	HandleMessage(ctx context.Context, groupKeyID string, item protocol.Item)
}

// Config configures members.
type Config struct {
	Self                 string
	RequiredBrokers      int
	RequestTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	PreferredBrokers     []string
}

// Status is a point-in-time view of a member.
type Status struct {
	GroupKeyID     string           `json:"group_key_id"`
	State          State            `json:"state"`
	ActiveBroker   string           `json:"active_broker,omitempty"`
	ActiveQueue    string           `json:"active_queue,omitempty"`
	LastSequenceID int64            `json:"last_sequence_id"`
	DeadBroker     string           `json:"dead_broker,omitempty"`
	Brokers        protocol.Brokers `json:"brokers,omitempty"`
}

type eventKind int

const (
	evRead eventKind = iota
	evConnected
	evQueueRead
	evPushFailed
	evRetry
)

type event struct {
	kind    eventKind
	records map[int]dht.BrokerRecord
	broker  string
	queueID string
	known   protocol.Brokers
	resp    protocol.Response
	err     error
}

type delivery struct {
	d    protocol.Delivery
	resp chan error
}

// Member is the state machine of one group membership.
type Member struct {
	key     groupkey.Info
	cfg     Config
	records Records
	peers   Peers
	handler Handler
	logger  *slog.Logger

	joinCh     chan chan error
	deliveries chan delivery
	events     chan event
	closeCh    chan struct{}
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once

	// Loop-owned.
	waiters  []chan error
	cursors  map[string]int64
	attempts int
	useCache bool
	busy     bool

	mu           sync.RWMutex
	state        State
	activeBroker string
	activeQueue  string
	deadBroker   string
	brokers      protocol.Brokers
	consumed     int64
}

// New creates a member for the group of key and starts its event loop.
// Call Join to connect.
func New(key groupkey.Info, cfg Config, records Records, peers Peers, handler Handler, logger *slog.Logger) *Member {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequiredBrokers <= 0 {
		cfg.RequiredBrokers = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Member{
		key:        key,
		cfg:        cfg,
		records:    records,
		peers:      peers,
		handler:    handler,
		logger:     logger.With(slog.String("component", "member"), slog.String("group_key_id", key.KeyID)),
		joinCh:     make(chan chan error),
		deliveries: make(chan delivery),
		events:     make(chan event),
		closeCh:    make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		cursors:    make(map[string]int64),
		useCache:   true,
		state:      StateAtStartup,
		brokers:    protocol.Brokers{},
		consumed:   protocol.NoSequence,
	}

	go m.run()
	return m
}

// GroupKeyID returns the id of the group.
func (m *Member) GroupKeyID() string {
	return m.key.KeyID
}

// Join connects to the group and waits until the member is in sync.
func (m *Member) Join(ctx context.Context) error {
	resp := make(chan error, 1)

	select {
	case m.joinCh <- resp:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish pushes payload to the group through the active broker and returns
// the sequence id it was given.
func (m *Member) Publish(ctx context.Context, payload []byte) (int64, error) {
	m.mu.RLock()
	state, broker, queue := m.state, m.activeBroker, m.activeQueue
	m.mu.RUnlock()
	if state != StateInSync {
		return protocol.NoSequence, ErrNotInSync
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	resp, err := m.peers.Request(ctx, broker, protocol.Request{
		Kind:       protocol.KindQueuePush,
		QueueID:    queue,
		ProducerID: m.cfg.Self,
		Payload:    payload,
	})
	if err != nil {
		if !errors.Is(err, transport.ErrRateLimited) {
			m.post(event{kind: evPushFailed, broker: broker, err: err})
		}
		return protocol.NoSequence, fmt.Errorf("failed to push message: %w", err)
	}
	if !resp.IsAccepted() {
		return protocol.NoSequence, resp.Err()
	}
	return resp.LastSequenceID, nil
}

// HandleDelivery applies messages pushed by the active broker.
func (m *Member) HandleDelivery(ctx context.Context, d protocol.Delivery) error {
	dl := delivery{d: d, resp: make(chan error, 1)}

	select {
	case m.deliveries <- dl:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-dl.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave unregisters from the active broker and closes the member.
func (m *Member) Leave(ctx context.Context) error {
	m.mu.RLock()
	broker, queue := m.activeBroker, m.activeQueue
	m.mu.RUnlock()

	m.Close()
	if broker == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	resp, err := m.peers.Request(ctx, broker, protocol.Request{
		Kind:       protocol.KindQueueDisconnect,
		QueueID:    queue,
		ConsumerID: m.cfg.Self,
		ProducerID: m.cfg.Self,
	})
	if err != nil {
		return fmt.Errorf("failed to leave queue: %w", err)
	}
	return resp.Err()
}

// Status returns a snapshot of the member.
func (m *Member) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		GroupKeyID:     m.key.KeyID,
		State:          m.state,
		ActiveBroker:   m.activeBroker,
		ActiveQueue:    m.activeQueue,
		LastSequenceID: m.consumed,
		DeadBroker:     m.deadBroker,
		Brokers:        m.brokers.Clone(),
	}
}

// Close stops the member. Waiting joins fail with ErrClosed.
func (m *Member) Close() {
	m.closeOnce.Do(func() {
		close(m.closeCh)
	})
	<-m.done
}

func (m *Member) run() {
	defer close(m.done)

	m.transition(StateDisconnected)

	for {
		select {
		case w := <-m.joinCh:
			if m.currentState() == StateInSync {
				w <- nil
				continue
			}
			m.waiters = append(m.waiters, w)
			if !m.busy {
				m.attempts = 0
				m.discover()
			}

		case dl := <-m.deliveries:
			dl.resp <- m.onDelivery(dl.d)

		case ev := <-m.events:
			m.handle(ev)

		case <-m.closeCh:
			m.cancel()
			m.resolve(ErrClosed)
			m.transition(StateClosed)
			return
		}
	}
}

func (m *Member) handle(ev event) {
	switch ev.kind {
	case evRead:
		m.onRead(ev)
	case evConnected:
		m.onConnected(ev)
	case evQueueRead:
		m.onQueueRead(ev)
	case evPushFailed:
		if m.currentState() != StateInSync || ev.broker != m.active() {
			return
		}
		m.logger.Warn("push failed, looking for another broker",
			slog.String("broker", ev.broker),
			slog.String("error", ev.err.Error()))
		m.markDead(ev.broker)
		m.attempts = 0
		m.discover()
	case evRetry:
		m.discover()
	}
}

// discover reads the broker records of the group owner.
func (m *Member) discover() {
	m.busy = true
	m.transition(StateDHTRead)

	useCache := m.useCache
	owner := m.key.Owner()
	m.async(func(ctx context.Context) event {
		records, err := m.records.ReadBrokers(ctx, owner, useCache)
		return event{kind: evRead, records: records, err: err}
	})
}

func (m *Member) onRead(ev event) {
	if ev.err != nil {
		m.logger.Warn("failed to read group brokers", slog.String("error", ev.err.Error()))
		m.retry(ev.err)
		return
	}

	known := dht.Brokers(ev.records)
	dead := m.dead()

	top := -1
	for _, pos := range known.Positions() {
		if known[pos] != dead {
			top = pos
			break
		}
	}
	if top < 0 {
		m.hire(known)
		return
	}

	// Live brokers shift up so the best one takes the primary position.
	rotated := protocol.Brokers{}
	for pos, id := range known {
		if id == dead || pos < top {
			continue
		}
		rotated[pos-top] = id
	}
	if top > 0 {
		m.logger.Info("primary broker unavailable, rotating brokers",
			slog.Int("from", top),
			slog.String("broker", known[top]))
	}
	m.connect(known[top], rotated)
}

// connect joins the queue on broker as its primary.
func (m *Member) connect(broker string, known protocol.Brokers) {
	m.transition(StateQueue)

	req := m.connectRequest(broker, known)
	m.async(func(ctx context.Context) event {
		resp, err := m.peers.Request(ctx, broker, req)
		return event{kind: evConnected, broker: broker, queueID: req.QueueID, known: known, resp: resp, err: err}
	})
}

// hire asks brokers that do not serve the owner yet to become its primary.
func (m *Member) hire(known protocol.Brokers) {
	m.transition(StateHireBrokers)

	exclude := append(known.IDs(), m.cfg.Self)
	if dead := m.dead(); dead != "" {
		exclude = append(exclude, dead)
	}
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	go func() {
		ev := m.hireOne(excluded, exclude)
		select {
		case m.events <- ev:
		case <-m.ctx.Done():
		}
	}()
}

func (m *Member) hireOne(excluded map[string]bool, exclude []string) event {
	var candidates []string
	for _, id := range m.cfg.PreferredBrokers {
		if !excluded[id] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RequestTimeout)
		random, err := m.peers.RandomBrokers(ctx, exclude, m.cfg.RequiredBrokers)
		cancel()
		if err != nil {
			return event{kind: evConnected, err: fmt.Errorf("failed to look up brokers: %w", err)}
		}
		candidates = random
	}
	if len(candidates) == 0 {
		return event{kind: evConnected, err: ErrNoBrokers}
	}

	var lastErr error
	for _, broker := range candidates {
		req := m.connectRequest(broker, nil)

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RequestTimeout)
		resp, err := m.peers.Request(ctx, broker, req)
		cancel()

		switch {
		case err != nil:
			lastErr = err
		case !resp.IsAccepted():
			lastErr = resp.Err()
		default:
			return event{kind: evConnected, broker: broker, queueID: req.QueueID, resp: resp}
		}
		m.logger.Debug("broker refused to be hired",
			slog.String("broker", broker),
			slog.String("error", lastErr.Error()))
	}
	return event{kind: evConnected, err: fmt.Errorf("%w: %v", ErrNoBrokers, lastErr)}
}

func (m *Member) connectRequest(broker string, known protocol.Brokers) protocol.Request {
	key := m.key
	return protocol.Request{
		Kind:           protocol.KindQueueConnect,
		QueueID:        protocol.QueueID{Alias: key.Alias(), Owner: key.Owner(), Broker: broker}.String(),
		ConsumerID:     m.cfg.Self,
		ProducerID:     m.cfg.Self,
		GroupKey:       &key,
		Position:       0,
		LastSequenceID: protocol.NoSequence,
		KnownBrokers:   known,
	}
}

func (m *Member) onConnected(ev event) {
	if ev.err == nil {
		ev.err = ev.resp.Err()
	}
	if ev.err != nil {
		if ev.broker != "" {
			m.logger.Warn("failed to connect to broker",
				slog.String("broker", ev.broker),
				slog.String("error", ev.err.Error()))
			m.suspect(ev.broker, ev.err)
		} else {
			m.logger.Warn("failed to hire brokers", slog.String("error", ev.err.Error()))
		}
		m.retry(ev.err)
		return
	}

	brokers := ev.resp.CooperatedBrokers
	if len(brokers) == 0 {
		brokers = ev.known.Clone()
		if brokers == nil {
			brokers = protocol.Brokers{}
		}
		brokers[0] = ev.broker
	}

	if cur, ok := m.cursors[ev.queueID]; ok && cur > ev.resp.LastSequenceID {
		m.logger.Warn("queue restarted behind consumed position",
			slog.String("queue_id", ev.queueID),
			slog.Int64("consumed", cur),
			slog.Int64("queue_last", ev.resp.LastSequenceID))
		delete(m.cursors, ev.queueID)
	}

	m.mu.Lock()
	m.activeBroker = ev.broker
	m.activeQueue = ev.queueID
	m.brokers = brokers.Clone()
	m.consumed = m.cursor(ev.queueID)
	if m.deadBroker == ev.broker {
		m.deadBroker = ""
	}
	m.mu.Unlock()

	m.logger.Info("connected to broker",
		slog.String("broker", ev.broker),
		slog.String("queue_id", ev.queueID))
	m.readQueue()
}

// readQueue catches up with the active queue.
func (m *Member) readQueue() {
	m.transition(StateQueue)

	broker, queue := m.active(), m.queue()
	req := protocol.Request{
		Kind:           protocol.KindQueueRead,
		QueueID:        queue,
		ConsumerID:     m.cfg.Self,
		LastSequenceID: m.cursor(queue),
	}
	m.async(func(ctx context.Context) event {
		resp, err := m.peers.Request(ctx, broker, req)
		return event{kind: evQueueRead, broker: broker, queueID: queue, resp: resp, err: err}
	})
}

func (m *Member) onQueueRead(ev event) {
	if ev.queueID != m.queue() || m.currentState() != StateQueue {
		return
	}
	if ev.err == nil {
		ev.err = ev.resp.Err()
	}
	if ev.err != nil {
		m.logger.Warn("failed to read queue",
			slog.String("broker", ev.broker),
			slog.String("error", ev.err.Error()))
		m.suspect(ev.broker, ev.err)
		m.retry(ev.err)
		return
	}

	m.apply(ev.queueID, ev.resp.Items)

	cur := m.cursor(ev.queueID)
	if cur < ev.resp.LastSequenceID {
		if len(ev.resp.Items) > 0 {
			m.readQueue()
			return
		}
		m.logger.Warn("messages missing from queue, skipping ahead",
			slog.String("queue_id", ev.queueID),
			slog.Int64("from", cur),
			slog.Int64("to", ev.resp.LastSequenceID))
		m.cursors[ev.queueID] = ev.resp.LastSequenceID
		m.setConsumed(ev.resp.LastSequenceID)
	}

	m.inSync()
}

func (m *Member) inSync() {
	m.busy = false
	m.attempts = 0
	m.useCache = true
	m.transition(StateInSync)
	m.resolve(nil)
}

func (m *Member) onDelivery(d protocol.Delivery) error {
	if d.QueueID != m.queue() {
		return ErrUnknownQueue
	}

	if m.apply(d.QueueID, d.Items) {
		return nil
	}
	if m.currentState() == StateInSync {
		m.logger.Info("gap in delivered messages, reading queue",
			slog.String("queue_id", d.QueueID),
			slog.Int64("last_sequence_id", m.cursor(d.QueueID)))
		m.busy = true
		m.readQueue()
	}
	return ErrGap
}

// apply hands items to the handler in order. It returns false when items
// skip over a sequence id not seen yet.
func (m *Member) apply(queueID string, items []protocol.Item) bool {
	sorted := append([]protocol.Item(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceID < sorted[j].SequenceID })

	cur := m.cursor(queueID)
	for _, it := range sorted {
		if it.SequenceID <= cur {
			continue
		}
		if it.SequenceID != cur+1 {
			return false
		}
		if m.handler != nil {
			m.handler.HandleMessage(m.ctx, m.key.KeyID, it)
		}
		cur = it.SequenceID
		m.cursors[queueID] = cur
		m.setConsumed(cur)
	}
	return true
}

func (m *Member) retry(err error) {
	m.transition(StateDisconnected)
	m.attempts++

	if m.cfg.MaxReconnectAttempts > 0 && m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Warn("giving up on group brokers",
			slog.Int("attempts", m.attempts),
			slog.String("error", err.Error()))
		m.busy = false
		m.resolve(err)
		return
	}

	time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.post(event{kind: evRetry})
	})
}

// suspect marks broker dead unless it only throttled the request.
func (m *Member) suspect(broker string, err error) {
	if errors.Is(err, transport.ErrRateLimited) {
		return
	}
	m.markDead(broker)
}

func (m *Member) markDead(broker string) {
	m.mu.Lock()
	m.deadBroker = broker
	if m.activeBroker == broker {
		m.activeBroker = ""
		m.activeQueue = ""
	}
	m.mu.Unlock()

	m.useCache = false
	m.logger.Warn("broker marked dead", slog.String("broker", broker))
}

func (m *Member) resolve(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

func (m *Member) setConsumed(seq int64) {
	m.mu.Lock()
	m.consumed = seq
	m.mu.Unlock()
}

func (m *Member) cursor(queueID string) int64 {
	if cur, ok := m.cursors[queueID]; ok {
		return cur
	}
	return protocol.NoSequence
}

func (m *Member) active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeBroker
}

func (m *Member) queue() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeQueue
}

func (m *Member) dead() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deadBroker
}

func (m *Member) currentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Member) transition(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from != to {
		m.logger.Debug("member state changed", slog.String("from", string(from)), slog.String("to", string(to)))
	}
}

func (m *Member) post(ev event) {
	go func() {
		select {
		case m.events <- ev:
		case <-m.ctx.Done():
		}
	}()
}

// async runs fn aside from the loop and posts its event back.
func (m *Member) async(fn func(ctx context.Context) event) {
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RequestTimeout)
		defer cancel()

		ev := fn(ctx)
		select {
		case m.events <- ev:
		case <-m.ctx.Done():
		}
	}()
}
