// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/meshq/groupkey"
	"github.com/absmach/meshq/keeper"
	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/ratelimit"
	"github.com/absmach/meshq/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueues struct {
	mu    sync.Mutex
	kinds []string
	err   error
}

func (q *fakeQueues) handle(kind string) (protocol.Response, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kinds = append(q.kinds, kind)
	if q.err != nil {
		return protocol.Response{}, q.err
	}
	return protocol.Accept(nil), nil
}

func (q *fakeQueues) Connect(context.Context, protocol.Request) (protocol.Response, error) {
	return q.handle("connect")
}

func (q *fakeQueues) Disconnect(context.Context, protocol.Request) (protocol.Response, error) {
	return q.handle("disconnect")
}

func (q *fakeQueues) Read(context.Context, protocol.Request) (protocol.Response, error) {
	return q.handle("read")
}

func (q *fakeQueues) Push(context.Context, protocol.Request) (protocol.Response, error) {
	return q.handle("push")
}

type fakeKeepers struct {
	customer string
	req      keeper.ConnectRequest
	err      error
	held     map[int]protocol.Brokers
}

func (k *fakeKeepers) Connect(_ context.Context, customer string, req keeper.ConnectRequest) (keeper.Result, error) {
	k.customer = customer
	k.req = req
	if k.err != nil {
		return keeper.Result{}, k.err
	}
	return keeper.Result{
		Position:          req.Desired,
		Brokers:           protocol.Brokers{req.Desired: "bob", req.Desired + 1: "dave"},
		ArchiveFolderPath: "/archive",
	}, nil
}

func (k *fakeKeepers) Verify(_ string, position int) (protocol.Brokers, bool) {
	b, ok := k.held[position]
	return b, ok
}

func newService(t *testing.T, limiter Limiter) (*Service, *fakeQueues, *fakeKeepers, *groupkey.Registry, *groupkey.Key) {
	t.Helper()
	key, err := groupkey.Generate("friends", "carol", "Friends")
	require.NoError(t, err)

	queues := &fakeQueues{}
	keepers := &fakeKeepers{held: map[int]protocol.Brokers{0: {0: "bob"}}}
	keys := groupkey.NewRegistry()
	return New(queues, keepers, keys, limiter, nil), queues, keepers, keys, key
}

func TestDispatch(t *testing.T) {
	svc, queues, _, _, _ := newService(t, nil)
	ctx := context.Background()

	for _, kind := range []protocol.Kind{
		protocol.KindQueueConnect,
		protocol.KindQueueRead,
		protocol.KindQueuePush,
		protocol.KindQueueDisconnect,
	} {
		resp, err := svc.HandleRequest(ctx, "alice", protocol.Request{Kind: kind})
		require.NoError(t, err)
		assert.True(t, resp.IsAccepted(), kind)
	}
	assert.Equal(t, []string{"connect", "read", "push", "disconnect"}, queues.kinds)

	resp, err := svc.HandleRequest(ctx, "alice", protocol.Request{Kind: "queue-purge"})
	require.NoError(t, err)
	assert.False(t, resp.IsAccepted())
}

func TestQueueErrorsBecomeFailures(t *testing.T) {
	svc, queues, _, _, _ := newService(t, nil)
	queues.err = errors.New("queue ID not registered")

	resp, err := svc.HandleRequest(context.Background(), "alice", protocol.Request{Kind: protocol.KindQueueRead})
	require.NoError(t, err)
	assert.False(t, resp.IsAccepted())
	assert.Equal(t, "queue ID not registered", resp.Reason)
}

func TestFollow(t *testing.T) {
	svc, _, keepers, keys, key := newService(t, nil)
	info := key.Info()

	resp, err := svc.HandleRequest(context.Background(), "dave", protocol.Request{
		Kind:         protocol.KindQueueConnectFollow,
		GroupKey:     &info,
		Position:     1,
		KnownBrokers: protocol.Brokers{2: "dave"},
		Depth:        1,
	})
	require.NoError(t, err)
	require.True(t, resp.IsAccepted())
	assert.Equal(t, protocol.Brokers{1: "bob", 2: "dave"}, resp.CooperatedBrokers)
	assert.Equal(t, "/archive", resp.ArchiveFolderPath)

	assert.Equal(t, "carol", keepers.customer)
	assert.Equal(t, 1, keepers.req.Desired)
	assert.Equal(t, 1, keepers.req.Depth)
	assert.Equal(t, protocol.Brokers{2: "dave"}, keepers.req.RequesterKnown)

	_, err = keys.Get(info.KeyID)
	assert.NoError(t, err)
}

func TestFollowRejected(t *testing.T) {
	svc, _, keepers, _, key := newService(t, nil)
	ctx := context.Background()

	tampered := key.Info()
	tampered.Label = "Enemies"
	resp, err := svc.HandleRequest(ctx, "dave", protocol.Request{
		Kind:     protocol.KindQueueConnectFollow,
		GroupKey: &tampered,
	})
	require.NoError(t, err)
	assert.False(t, resp.IsAccepted())

	info := key.Info()
	keepers.err = errors.New("hire-broker-failed")
	resp, err = svc.HandleRequest(ctx, "dave", protocol.Request{
		Kind:     protocol.KindQueueConnectFollow,
		GroupKey: &info,
	})
	require.NoError(t, err)
	assert.False(t, resp.IsAccepted())
	assert.Equal(t, "hire-broker-failed", resp.Reason)

	resp, err = svc.HandleRequest(ctx, "dave", protocol.Request{Kind: protocol.KindQueueConnectFollow})
	require.NoError(t, err)
	assert.Equal(t, ErrNoCustomer.Error(), resp.Reason)
}

func TestVerify(t *testing.T) {
	svc, _, _, _, _ := newService(t, nil)
	ctx := context.Background()

	resp, err := svc.HandleRequest(ctx, "dave", protocol.Request{Kind: protocol.KindBrokerVerify, CustomerID: "carol", Position: 0})
	require.NoError(t, err)
	assert.True(t, resp.IsAccepted())
	assert.Equal(t, protocol.Brokers{0: "bob"}, resp.CooperatedBrokers)

	resp, err = svc.HandleRequest(ctx, "dave", protocol.Request{Kind: protocol.KindBrokerVerify, CustomerID: "carol", Position: 1})
	require.NoError(t, err)
	assert.False(t, resp.IsAccepted())
}

func TestRateLimiting(t *testing.T) {
	limiter := ratelimit.NewManager(ratelimit.Config{
		Enabled:         true,
		Rate:            1,
		Burst:           2,
		PushRate:        1,
		PushBurst:       1,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(limiter.Stop)

	svc, queues, _, _, _ := newService(t, limiter)
	ctx := context.Background()
	push := protocol.Request{Kind: protocol.KindQueuePush, ProducerID: "alice"}

	_, err := svc.HandleRequest(ctx, "alice", push)
	require.NoError(t, err)

	_, err = svc.HandleRequest(ctx, "alice", push)
	assert.ErrorIs(t, err, transport.ErrRateLimited)

	_, err = svc.HandleRequest(ctx, "alice", protocol.Request{Kind: protocol.KindQueueRead})
	assert.ErrorIs(t, err, transport.ErrRateLimited)

	_, err = svc.HandleRequest(ctx, "dave", protocol.Request{Kind: protocol.KindQueueDisconnect, ProducerID: "alice"})
	require.NoError(t, err)

	_, err = svc.HandleRequest(ctx, "dave", push)
	require.NoError(t, err)

	assert.Equal(t, []string{"push", "disconnect", "push"}, queues.kinds)
}
