// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package negotiator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("peer unreachable")

type call struct {
	broker string
	req    protocol.Request
}

type fakePeers struct {
	mu       sync.Mutex
	handlers map[string]func(protocol.Request) (protocol.Response, error)
	random   []string
	calls    []call
	excluded []string
}

func newFakePeers() *fakePeers {
	return &fakePeers{handlers: make(map[string]func(protocol.Request) (protocol.Response, error))}
}

func (p *fakePeers) Request(_ context.Context, broker string, req protocol.Request) (protocol.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, call{broker: broker, req: req})
	h, ok := p.handlers[broker]
	p.mu.Unlock()
	if !ok {
		return protocol.Response{}, errDown
	}
	return h(req)
}

func (p *fakePeers) RandomBrokers(_ context.Context, exclude []string, limit int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.excluded = exclude
	return p.random, nil
}

// followAccepting answers follow requests the way a broker keeper does:
// it takes the requested position and echoes the requester's known brokers.
func followAccepting(id string) func(protocol.Request) (protocol.Response, error) {
	return func(req protocol.Request) (protocol.Response, error) {
		if req.Kind != protocol.KindQueueConnectFollow {
			return protocol.Fail("unexpected"), nil
		}
		brokers := req.KnownBrokers.Clone()
		brokers[req.Position] = id
		return protocol.Accept(brokers), nil
	}
}

func alive(req protocol.Request) (protocol.Response, error) {
	return protocol.Accept(nil), nil
}

func rejecting(req protocol.Request) (protocol.Response, error) {
	return protocol.Fail("no"), nil
}

type recordedMetrics struct {
	accepted []bool
	reasons  []string
}

func (m *recordedMetrics) RecordNegotiation(_ context.Context, accepted bool, reason string) {
	m.accepted = append(m.accepted, accepted)
	m.reasons = append(m.reasons, reason)
}

func newNegotiator(peers Peers, preferred ...string) *Negotiator {
	return New(Config{
		Self:             "bob",
		RequiredBrokers:  3,
		Timeout:          time.Second,
		PreferredBrokers: preferred,
	}, peers, nil, nil)
}

func input(desired int, dht protocol.Brokers) Input {
	return Input{
		Customer:   "carol",
		MyPosition: -1,
		Cooperated: protocol.Brokers{},
		DHT:        dht,
		Desired:    desired,
		Request: protocol.Request{
			Kind:       protocol.KindQueueConnect,
			QueueID:    "friends&carol&bob",
			ConsumerID: "alice",
		},
	}
}

func TestEmptyPrimary(t *testing.T) {
	n := newNegotiator(newFakePeers())

	out := n.Run(context.Background(), input(0, protocol.Brokers{}))
	require.True(t, out.Accepted)
	assert.Equal(t, 0, out.Position)
	assert.Equal(t, protocol.Brokers{0: "bob"}, out.Brokers)
	assert.Equal(t, []State{StateAtStartup, StateVerify, StatePlaceEmpty, StateAccept}, out.Trail)
}

func TestHolderAlive(t *testing.T) {
	cases := []struct {
		desc    string
		handler func(protocol.Request) (protocol.Response, error)
	}{
		{desc: "confirming", handler: alive},
		{desc: "refusing", handler: rejecting},
		{desc: "throttling", handler: func(protocol.Request) (protocol.Response, error) {
			return protocol.Response{}, transport.ErrRateLimited
		}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			peers := newFakePeers()
			peers.handlers["xavier"] = tc.handler
			n := newNegotiator(peers)

			out := n.Run(context.Background(), input(0, protocol.Brokers{0: "xavier"}))
			assert.False(t, out.Accepted)
			assert.Equal(t, ReasonRecordBusy, out.Reason)
			assert.Contains(t, out.Trail, StateThisBroker)

			require.Len(t, peers.calls, 1)
			assert.Equal(t, protocol.KindBrokerVerify, peers.calls[0].req.Kind)
			assert.Equal(t, "carol", peers.calls[0].req.CustomerID)
			assert.Equal(t, 0, peers.calls[0].req.Position)
		})
	}
}

func TestHolderGone(t *testing.T) {
	n := newNegotiator(newFakePeers())

	out := n.Run(context.Background(), input(0, protocol.Brokers{0: "xavier"}))
	require.True(t, out.Accepted)
	assert.Equal(t, protocol.Brokers{0: "bob"}, out.Brokers)
	assert.Equal(t, []State{StateAtStartup, StateVerify, StateThisBroker, StatePlaceEmpty, StateAccept}, out.Trail)
}

func TestPlaceOwn(t *testing.T) {
	peers := newFakePeers()
	peers.handlers["xavier"] = followAccepting("xavier")
	n := newNegotiator(peers)

	in := input(1, protocol.Brokers{0: "xavier", 1: "bob"})
	in.MyPosition = 1
	in.Cooperated = protocol.Brokers{0: "xavier", 1: "bob"}
	in.RequesterKnown = protocol.Brokers{2: "dave"}

	out := n.Run(context.Background(), in)
	require.True(t, out.Accepted)
	assert.Equal(t, 1, out.Position)
	assert.Equal(t, protocol.Brokers{0: "xavier", 1: "bob", 2: "dave"}, out.Brokers)
	assert.Equal(t, []State{StateAtStartup, StateVerify, StatePlaceOwn, StatePrevBroker, StateAccept}, out.Trail)

	require.Len(t, peers.calls, 1)
	assert.Equal(t, protocol.KindQueueConnectFollow, peers.calls[0].req.Kind)
	assert.Equal(t, 0, peers.calls[0].req.Position)
}

func TestPlaceOwnPrimary(t *testing.T) {
	peers := newFakePeers()
	n := newNegotiator(peers)

	in := input(0, protocol.Brokers{0: "bob"})
	in.MyPosition = 0
	in.Cooperated = protocol.Brokers{0: "bob", 1: "dave"}

	out := n.Run(context.Background(), in)
	require.True(t, out.Accepted)
	assert.Equal(t, protocol.Brokers{0: "bob", 1: "dave"}, out.Brokers)
	assert.Empty(t, peers.calls)
}

func TestPlaceOwnBrokenChain(t *testing.T) {
	cases := []struct {
		desc       string
		cooperated protocol.Brokers
		handler    func(protocol.Request) (protocol.Response, error)
		reason     string
	}{
		{
			desc:       "previous unknown",
			cooperated: protocol.Brokers{1: "bob"},
			reason:     ReasonPrevUnknown,
		},
		{
			desc:       "previous rejects",
			cooperated: protocol.Brokers{0: "xavier", 1: "bob"},
			handler:    rejecting,
			reason:     ReasonBrokerRejected,
		},
		{
			desc:       "previous throttled",
			cooperated: protocol.Brokers{0: "xavier", 1: "bob"},
			handler: func(protocol.Request) (protocol.Response, error) {
				return protocol.Response{}, transport.ErrRateLimited
			},
			reason: ReasonBrokerRejected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			peers := newFakePeers()
			if tc.handler != nil {
				peers.handlers["xavier"] = tc.handler
			}
			n := newNegotiator(peers)

			in := input(1, protocol.Brokers{0: "xavier", 1: "bob"})
			in.MyPosition = 1
			in.Cooperated = tc.cooperated

			out := n.Run(context.Background(), in)
			assert.False(t, out.Accepted)
			assert.Equal(t, tc.reason, out.Reason)
			assert.Contains(t, out.Trail, StatePlaceOwn)
		})
	}
}

func TestOwnRecordInvalid(t *testing.T) {
	cases := []struct {
		desc       string
		cooperated protocol.Brokers
		dht        protocol.Brokers
	}{
		{desc: "taken in dht", cooperated: protocol.Brokers{1: "bob"}, dht: protocol.Brokers{1: "xavier"}},
		{desc: "not cooperated", cooperated: protocol.Brokers{1: "xavier"}, dht: protocol.Brokers{}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			peers := newFakePeers()
			n := newNegotiator(peers)

			in := input(1, tc.dht)
			in.MyPosition = 1
			in.Cooperated = tc.cooperated

			out := n.Run(context.Background(), in)
			assert.False(t, out.Accepted)
			assert.Equal(t, ReasonOwnRecordInvalid, out.Reason)
			assert.Empty(t, peers.calls)
		})
	}
}

func TestRotateWhenAlreadyBetter(t *testing.T) {
	peers := newFakePeers()
	n := newNegotiator(peers)

	in := input(2, protocol.Brokers{0: "bob"})
	in.MyPosition = 0
	in.Cooperated = protocol.Brokers{0: "bob"}
	in.RequesterKnown = protocol.Brokers{2: "bob"}

	out := n.Run(context.Background(), in)
	require.True(t, out.Accepted)
	assert.Equal(t, 0, out.Position)
	assert.Equal(t, protocol.Brokers{0: "bob"}, out.Brokers)
	assert.Contains(t, out.Trail, StatePlaceRotate)
	assert.Empty(t, peers.calls)
}

func TestRotateToBetterPosition(t *testing.T) {
	n := newNegotiator(newFakePeers())

	in := input(0, protocol.Brokers{1: "bob"})
	in.MyPosition = 1
	in.Cooperated = protocol.Brokers{1: "bob"}

	out := n.Run(context.Background(), in)
	require.True(t, out.Accepted)
	assert.Equal(t, 0, out.Position)
	assert.Equal(t, protocol.Brokers{0: "bob"}, out.Brokers)
}

func TestPreviousBrokerFollows(t *testing.T) {
	peers := newFakePeers()
	peers.handlers["xavier"] = followAccepting("xavier")
	n := newNegotiator(peers)

	out := n.Run(context.Background(), input(1, protocol.Brokers{0: "xavier"}))
	require.True(t, out.Accepted)
	assert.Equal(t, 1, out.Position)
	assert.Equal(t, protocol.Brokers{0: "xavier", 1: "bob"}, out.Brokers)
	assert.Contains(t, out.Trail, StatePrevBroker)

	require.Len(t, peers.calls, 1)
	req := peers.calls[0].req
	assert.Equal(t, protocol.KindQueueConnectFollow, req.Kind)
	assert.Equal(t, 0, req.Position)
	assert.Equal(t, "bob", req.KnownBrokers[1])
	assert.Equal(t, 1, req.Depth)
	assert.Equal(t, "carol", req.CustomerID)
	assert.Equal(t, "alice", req.ConsumerID)
}

func TestPreviousBrokerRejects(t *testing.T) {
	peers := newFakePeers()
	peers.handlers["xavier"] = rejecting
	n := newNegotiator(peers)

	out := n.Run(context.Background(), input(1, protocol.Brokers{0: "xavier"}))
	assert.False(t, out.Accepted)
	assert.Equal(t, ReasonBrokerRejected, out.Reason)
}

func TestPreviousBrokerUnreachableHires(t *testing.T) {
	peers := newFakePeers()
	peers.handlers["yolanda"] = followAccepting("yolanda")
	peers.random = []string{"yolanda"}
	n := newNegotiator(peers)

	in := input(1, protocol.Brokers{0: "xavier"})
	in.RequesterKnown = protocol.Brokers{2: "dave"}

	out := n.Run(context.Background(), in)
	require.True(t, out.Accepted)
	assert.Equal(t, protocol.Brokers{0: "yolanda", 1: "bob", 2: "dave"}, out.Brokers)
	assert.Contains(t, out.Trail, StateNewBroker)
	assert.ElementsMatch(t, []string{"bob", "xavier", "dave"}, peers.excluded)
}

func TestPreviousBrokerOwn(t *testing.T) {
	n := newNegotiator(newFakePeers())

	out := n.Run(context.Background(), input(1, protocol.Brokers{0: "bob"}))
	assert.False(t, out.Accepted)
	assert.Equal(t, ReasonPrevRecordOwn, out.Reason)
}

func TestHirePreferred(t *testing.T) {
	peers := newFakePeers()
	peers.handlers["zed"] = followAccepting("zed")
	peers.random = []string{"yolanda"}
	n := newNegotiator(peers, "bob", "zed")

	out := n.Run(context.Background(), input(1, protocol.Brokers{}))
	require.True(t, out.Accepted)
	assert.Equal(t, protocol.Brokers{0: "zed", 1: "bob"}, out.Brokers)
	require.Len(t, peers.calls, 1)
	assert.Equal(t, "zed", peers.calls[0].broker)
}

func TestHireFailures(t *testing.T) {
	t.Run("nobody answers", func(t *testing.T) {
		peers := newFakePeers()
		peers.random = []string{"yolanda"}
		n := newNegotiator(peers)

		out := n.Run(context.Background(), input(1, protocol.Brokers{}))
		assert.False(t, out.Accepted)
		assert.Equal(t, ReasonHireBrokerFailed, out.Reason)
	})

	t.Run("no candidates", func(t *testing.T) {
		n := newNegotiator(newFakePeers())

		out := n.Run(context.Background(), input(2, protocol.Brokers{}))
		assert.False(t, out.Accepted)
		assert.Equal(t, ReasonHireBrokerFailed, out.Reason)
	})

	t.Run("candidate refuses", func(t *testing.T) {
		peers := newFakePeers()
		peers.handlers["yolanda"] = rejecting
		peers.random = []string{"yolanda"}
		n := newNegotiator(peers)

		out := n.Run(context.Background(), input(1, protocol.Brokers{}))
		assert.False(t, out.Accepted)
		assert.Equal(t, ReasonNewBrokerRejected, out.Reason)
	})
}

func TestBounds(t *testing.T) {
	n := newNegotiator(newFakePeers())

	in := input(0, protocol.Brokers{})
	in.Depth = 3
	out := n.Run(context.Background(), in)
	assert.Equal(t, ReasonDepthExceeded, out.Reason)

	out = n.Run(context.Background(), input(3, protocol.Brokers{}))
	assert.Equal(t, ReasonInvalidPosition, out.Reason)
}

func TestMetricsRecorded(t *testing.T) {
	m := &recordedMetrics{}
	n := New(Config{Self: "bob", RequiredBrokers: 3}, newFakePeers(), m, nil)

	n.Run(context.Background(), input(0, protocol.Brokers{}))
	n.Run(context.Background(), input(1, protocol.Brokers{0: "bob"}))

	assert.Equal(t, []bool{true, false}, m.accepted)
	assert.Equal(t, []string{"", ReasonPrevRecordOwn}, m.reasons)
}
