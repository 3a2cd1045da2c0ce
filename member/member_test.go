// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package member

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/meshq/dht"
	"github.com/absmach/meshq/groupkey"
	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("peer unreachable")

// fakeBroker serves one queue from memory.
type fakeBroker struct {
	mu        sync.Mutex
	id        string
	items     []protocol.Item
	down      bool
	failReads bool
	failPush  bool
	throttled bool
	requests  []protocol.Request
}

func (b *fakeBroker) handle(req protocol.Request) (protocol.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, req)
	if b.down {
		return protocol.Response{}, errDown
	}
	if b.throttled && req.Kind != protocol.KindQueueConnect {
		return protocol.Response{}, transport.ErrRateLimited
	}

	last := int64(len(b.items)) - 1
	resp := protocol.Accept(nil)
	resp.QueueID = req.QueueID
	resp.LastSequenceID = last

	switch req.Kind {
	case protocol.KindQueueConnect:
		resp.CooperatedBrokers = protocol.Brokers{0: b.id}
	case protocol.KindQueueRead:
		if b.failReads {
			return protocol.Response{}, errDown
		}
		if req.LastSequenceID > last {
			return protocol.Fail("last sequence id is ahead of the queue"), nil
		}
		for _, it := range b.items {
			if it.SequenceID > req.LastSequenceID {
				resp.Items = append(resp.Items, it)
			}
		}
	case protocol.KindQueuePush:
		if b.failPush {
			return protocol.Response{}, errDown
		}
		b.items = append(b.items, protocol.Item{SequenceID: last + 1, ProducerID: req.ProducerID, Payload: req.Payload})
		resp.LastSequenceID = last + 1
	}
	return resp, nil
}

func (b *fakeBroker) add(payloads ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range payloads {
		b.items = append(b.items, protocol.Item{SequenceID: int64(len(b.items)), ProducerID: "carol", Payload: []byte(p)})
	}
}

func (b *fakeBroker) set(fn func(b *fakeBroker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBroker) received(kind protocol.Kind) []protocol.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Request
	for _, r := range b.requests {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

type fakePeers struct {
	mu      sync.Mutex
	brokers map[string]*fakeBroker
	random  []string
}

func (p *fakePeers) Request(_ context.Context, broker string, req protocol.Request) (protocol.Response, error) {
	p.mu.Lock()
	b, ok := p.brokers[broker]
	p.mu.Unlock()
	if !ok {
		return protocol.Response{}, errDown
	}
	return b.handle(req)
}

func (p *fakePeers) RandomBrokers(_ context.Context, exclude []string, limit int) ([]string, error) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []string
	for _, id := range p.random {
		if !skip[id] && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (p *fakePeers) broker(id string) *fakeBroker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := &fakeBroker{id: id}
	p.brokers[id] = b
	return b
}

type recorder struct {
	mu    sync.Mutex
	items []protocol.Item
}

func (r *recorder) HandleMessage(_ context.Context, _ string, it protocol.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, it)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, string(it.Payload))
	}
	return out
}

type env struct {
	records *dht.Records
	peers   *fakePeers
	handler *recorder
	key     groupkey.Info
	cfg     Config
}

func newEnv(t *testing.T) *env {
	t.Helper()

	records, err := dht.NewRecords(dht.NewMemoryStore(), dht.RecordsConfig{Positions: 3})
	require.NoError(t, err)
	t.Cleanup(records.Close)

	key, err := groupkey.Generate("friends", "carol", "Friends")
	require.NoError(t, err)

	return &env{
		records: records,
		peers:   &fakePeers{brokers: make(map[string]*fakeBroker)},
		handler: &recorder{},
		key:     key.Info(),
		cfg: Config{
			Self:           "alice",
			RequestTimeout: time.Second,
			ReconnectDelay: 10 * time.Millisecond,
		},
	}
}

func (e *env) member(t *testing.T) *Member {
	t.Helper()
	m := New(e.key, e.cfg, e.records, e.peers, e.handler, nil)
	t.Cleanup(m.Close)
	return m
}

func (e *env) place(t *testing.T, position int, broker string) {
	t.Helper()
	err := e.records.WriteBroker(context.Background(), dht.BrokerRecord{
		CustomerID: "carol",
		BrokerID:   broker,
		Position:   position,
		Revision:   1,
	})
	require.NoError(t, err)
}

func join(t *testing.T, m *Member) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Join(ctx))
}

func TestJoinConnectsToPrimary(t *testing.T) {
	e := newEnv(t)
	x := e.peers.broker("x")
	x.add("one", "two")
	e.peers.broker("y")
	e.place(t, 0, "x")
	e.place(t, 1, "y")

	m := e.member(t)
	join(t, m)

	st := m.Status()
	assert.Equal(t, StateInSync, st.State)
	assert.Equal(t, "x", st.ActiveBroker)
	assert.Equal(t, "friends&carol&x", st.ActiveQueue)
	assert.Equal(t, int64(1), st.LastSequenceID)
	assert.Equal(t, []string{"one", "two"}, e.handler.payloads())

	connects := x.received(protocol.KindQueueConnect)
	require.Len(t, connects, 1)
	assert.Equal(t, "alice", connects[0].ConsumerID)
	assert.Equal(t, "alice", connects[0].ProducerID)
	assert.Equal(t, 0, connects[0].Position)
	assert.Equal(t, protocol.Brokers{0: "x", 1: "y"}, connects[0].KnownBrokers)
	require.NotNil(t, connects[0].GroupKey)
	assert.Equal(t, e.key.KeyID, connects[0].GroupKey.KeyID)

	// Already in sync.
	join(t, m)
	assert.Len(t, x.received(protocol.KindQueueConnect), 1)
}

func TestJoinHiresWhenNoBrokers(t *testing.T) {
	e := newEnv(t)
	e.peers.broker("z")
	e.peers.random = []string{"alice", "z"}

	m := e.member(t)
	join(t, m)

	st := m.Status()
	assert.Equal(t, "z", st.ActiveBroker)
	assert.Equal(t, protocol.Brokers{0: "z"}, st.Brokers)
	assert.Equal(t, protocol.NoSequence, st.LastSequenceID)
}

func TestJoinPrefersConfiguredBrokers(t *testing.T) {
	e := newEnv(t)
	e.peers.broker("z")
	w := e.peers.broker("w")
	e.peers.random = []string{"z"}
	e.cfg.PreferredBrokers = []string{"w"}

	m := e.member(t)
	join(t, m)

	assert.Equal(t, "w", m.Status().ActiveBroker)
	assert.Len(t, w.received(protocol.KindQueueConnect), 1)
}

func TestJoinGivesUp(t *testing.T) {
	e := newEnv(t)
	e.cfg.MaxReconnectAttempts = 2

	m := e.member(t)
	err := m.Join(context.Background())
	assert.ErrorIs(t, err, ErrNoBrokers)
	assert.Equal(t, StateDisconnected, m.Status().State)
}

func TestFailoverToPrimary(t *testing.T) {
	e := newEnv(t)
	x := e.peers.broker("x")
	y := e.peers.broker("y")
	x.set(func(b *fakeBroker) { b.down = true })
	y.add("from-y")
	e.place(t, 0, "x")
	e.place(t, 1, "y")

	m := e.member(t)
	join(t, m)

	// The primary was down, the secondary was asked to take its place.
	st := m.Status()
	assert.Equal(t, "y", st.ActiveBroker)
	assert.Equal(t, "x", st.DeadBroker)
	connects := y.received(protocol.KindQueueConnect)
	require.NotEmpty(t, connects)
	assert.Equal(t, protocol.Brokers{0: "y"}, connects[len(connects)-1].KnownBrokers)

	// The secondary stops answering reads and the primary is back.
	x.set(func(b *fakeBroker) { b.down = false })
	y.set(func(b *fakeBroker) { b.failReads = true })

	// A gap forces a catch-up read, which times out on y.
	err := m.HandleDelivery(context.Background(), protocol.Delivery{
		QueueID: "friends&carol&y",
		Items:   []protocol.Item{{SequenceID: 5, Payload: []byte("late")}},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st := m.Status()
		return st.State == StateInSync && st.ActiveBroker == "x"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "y", m.Status().DeadBroker)
	assert.Equal(t, "friends&carol&x", m.Status().ActiveQueue)
}

func TestGapTriggersCatchup(t *testing.T) {
	e := newEnv(t)
	x := e.peers.broker("x")
	x.add("one", "two")
	e.place(t, 0, "x")

	m := e.member(t)
	join(t, m)

	x.add("three", "four")
	err := m.HandleDelivery(context.Background(), protocol.Delivery{
		QueueID: "friends&carol&x",
		Items:   []protocol.Item{{SequenceID: 3, Payload: []byte("four")}},
	})
	require.ErrorIs(t, err, ErrGap)

	assert.Eventually(t, func() bool {
		return len(e.handler.payloads()) == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three", "four"}, e.handler.payloads())

	reads := x.received(protocol.KindQueueRead)
	require.Len(t, reads, 2)
	assert.Equal(t, protocol.NoSequence, reads[0].LastSequenceID)
	assert.Equal(t, int64(1), reads[1].LastSequenceID)
}

func TestDeliveryInOrder(t *testing.T) {
	e := newEnv(t)
	x := e.peers.broker("x")
	x.add("one")
	e.place(t, 0, "x")

	m := e.member(t)
	join(t, m)

	ctx := context.Background()
	require.NoError(t, m.HandleDelivery(ctx, protocol.Delivery{
		QueueID: "friends&carol&x",
		Items:   []protocol.Item{{SequenceID: 0, Payload: []byte("one")}},
	}))
	require.NoError(t, m.HandleDelivery(ctx, protocol.Delivery{
		QueueID: "friends&carol&x",
		Items:   []protocol.Item{{SequenceID: 1, Payload: []byte("two")}},
	}))

	assert.Equal(t, []string{"one", "two"}, e.handler.payloads())
	assert.Equal(t, int64(1), m.Status().LastSequenceID)
	assert.Len(t, x.received(protocol.KindQueueRead), 1)

	err := m.HandleDelivery(ctx, protocol.Delivery{QueueID: "friends&carol&y"})
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestPublish(t *testing.T) {
	e := newEnv(t)
	x := e.peers.broker("x")
	e.place(t, 0, "x")

	m := e.member(t)
	_, err := m.Publish(context.Background(), []byte("early"))
	assert.ErrorIs(t, err, ErrNotInSync)

	join(t, m)

	seq, err := m.Publish(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	pushes := x.received(protocol.KindQueuePush)
	require.Len(t, pushes, 1)
	assert.Equal(t, "friends&carol&x", pushes[0].QueueID)
	assert.Equal(t, "alice", pushes[0].ProducerID)
	assert.Equal(t, []byte("hello"), pushes[0].Payload)
}

func TestPublishFailureFailsOver(t *testing.T) {
	e := newEnv(t)
	x := e.peers.broker("x")
	e.peers.broker("y")
	e.place(t, 0, "x")
	e.place(t, 1, "y")

	m := e.member(t)
	join(t, m)

	x.set(func(b *fakeBroker) { b.failPush = true })
	_, err := m.Publish(context.Background(), []byte("lost"))
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		st := m.Status()
		return st.State == StateInSync && st.ActiveBroker == "y"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "x", m.Status().DeadBroker)
}

func TestThrottledBrokerStaysActive(t *testing.T) {
	e := newEnv(t)
	x := e.peers.broker("x")
	e.peers.broker("y")
	e.place(t, 0, "x")
	e.place(t, 1, "y")
	x.add("one")
	x.set(func(b *fakeBroker) { b.throttled = true })

	m := e.member(t)
	joined := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		joined <- m.Join(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(x.received(protocol.KindQueueRead)) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	x.set(func(b *fakeBroker) { b.throttled = false })
	require.NoError(t, <-joined)

	st := m.Status()
	assert.Equal(t, "x", st.ActiveBroker)
	assert.Empty(t, st.DeadBroker)
	assert.Equal(t, []string{"one"}, e.handler.payloads())

	x.set(func(b *fakeBroker) { b.throttled = true })
	_, err := m.Publish(context.Background(), []byte("later"))
	require.ErrorIs(t, err, transport.ErrRateLimited)

	assert.Never(t, func() bool {
		return m.Status().ActiveBroker != "x"
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, m.Status().DeadBroker)
}

func TestLeave(t *testing.T) {
	e := newEnv(t)
	x := e.peers.broker("x")
	e.place(t, 0, "x")

	m := e.member(t)
	join(t, m)

	require.NoError(t, m.Leave(context.Background()))

	leaves := x.received(protocol.KindQueueDisconnect)
	require.Len(t, leaves, 1)
	assert.Equal(t, "friends&carol&x", leaves[0].QueueID)
	assert.Equal(t, "alice", leaves[0].ConsumerID)
	assert.Equal(t, "alice", leaves[0].ProducerID)

	assert.Equal(t, StateClosed, m.Status().State)
	assert.ErrorIs(t, m.Join(context.Background()), ErrClosed)
}
