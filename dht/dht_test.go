// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dht

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/meshq/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", []byte("1"), 0))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, s.Put(ctx, "ab", []byte("2"), 0))
	require.NoError(t, s.Put(ctx, "b", []byte("3"), 0))
	all, err := s.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, "k", []byte("v"), time.Minute))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Update(ctx, "k", 0, func(cur []byte) ([]byte, error) {
		assert.Nil(t, cur)
		return []byte("1"), nil
	}))

	boom := errors.New("boom")
	err := s.Update(ctx, "k", 0, func(cur []byte) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	v, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, s.Update(ctx, "k", 0, func(cur []byte) ([]byte, error) {
		return nil, nil
	}))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Close())
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func newTestRecords(t *testing.T, cacheTTL time.Duration) (*Records, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	r, err := NewRecords(store, RecordsConfig{Positions: 3, TTL: time.Hour, CacheTTL: cacheTTL})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, store
}

func TestRecordsEmpty(t *testing.T) {
	r, _ := newTestRecords(t, 0)

	recs, err := r.ReadBrokers(context.Background(), "alice@node-1", false)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRecordsWriteRead(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRecords(t, 0)

	require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "bob", Position: 0, Revision: 1}))
	require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "carol", Position: 2, Revision: 1, ArchiveFolderPath: "/arch"}))

	recs, err := r.ReadBrokers(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, protocol.Brokers{0: "bob", 2: "carol"}, Brokers(recs))
	assert.Equal(t, "/arch", recs[2].ArchiveFolderPath)
	assert.Equal(t, messageBrokerType, recs[0].Type)

	err = r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "bob", Position: 3, Revision: 1})
	assert.Error(t, err)
}

func TestRecordsRevisionConflict(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRecords(t, 0)

	require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "bob", Position: 0, Revision: 4}))

	err := r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "dave", Position: 0, Revision: 4})
	re, ok := IsRevisionError(err)
	require.True(t, ok)
	assert.Equal(t, int64(4), re.Current)

	require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "dave", Position: 0, Revision: re.Current + 1}))
	recs, err := r.ReadBrokers(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, "dave", recs[0].BrokerID)
}

func TestRecordsDeleteOnlyOwn(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRecords(t, 0)

	require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "bob", Position: 1, Revision: 1}))

	require.NoError(t, r.DeleteBroker(ctx, "alice", 1, "carol"))
	recs, err := r.ReadBrokers(ctx, "alice", false)
	require.NoError(t, err)
	assert.Contains(t, recs, 1)

	require.NoError(t, r.DeleteBroker(ctx, "alice", 1, "bob"))
	recs, err = r.ReadBrokers(ctx, "alice", false)
	require.NoError(t, err)
	assert.NotContains(t, recs, 1)

	// Missing record is fine.
	require.NoError(t, r.DeleteBroker(ctx, "alice", 2, "bob"))
}

func TestRecordsCache(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRecords(t, time.Minute)

	require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "bob", Position: 0, Revision: 1}))
	_, err := r.ReadBrokers(ctx, "alice", false)
	require.NoError(t, err)

	// Bypass Records so the cache is not invalidated.
	require.NoError(t, store.Delete(ctx, brokerKey("alice", 0)))

	stale, err := r.ReadBrokers(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "bob", stale[0].BrokerID)

	fresh, err := r.ReadBrokers(ctx, "alice", false)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	// A write through Records invalidates the cached snapshot.
	require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "carol", Position: 0, Revision: 2}))
	cached, err := r.ReadBrokers(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "carol", cached[0].BrokerID)
}

func TestRecordsIgnoresGarbage(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRecords(t, 0)

	require.NoError(t, store.Put(ctx, brokerKey("alice", 0), []byte("{garbage"), 0))
	require.NoError(t, store.Put(ctx, brokerKey("alice", 1), []byte(`{"broker_id":"bob","position":2}`), 0))

	recs, err := r.ReadBrokers(ctx, "alice", false)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	nodes := map[string]*Directory{}
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		services := []string{ServiceMessageBroker}
		if id == "dave" {
			services = nil
		}
		d := NewDirectory(store, NodeInfo{ID: id, Address: "http://" + id, Services: services}, time.Minute, nil)
		require.NoError(t, d.Register(ctx))
		nodes[id] = d
	}

	info, err := nodes["alice"].Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "http://bob", info.Address)

	_, err = nodes["alice"].Lookup(ctx, "erin")
	assert.ErrorIs(t, err, ErrUnknownNode)

	ids, err := nodes["alice"].RandomNodes(ctx, ServiceMessageBroker, []string{"bob"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, ids)

	ids, err = nodes["dave"].RandomNodes(ctx, ServiceMessageBroker, nil, 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotContains(t, ids, "dave")

	nodes["carol"].Stop(ctx)
	ids, err = nodes["alice"].RandomNodes(ctx, ServiceMessageBroker, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, ids)
}
