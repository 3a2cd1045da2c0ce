// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dht

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeLocalPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func newEmbeddedEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping embedded etcd test in short mode")
	}

	peerPort := freeLocalPort(t)
	clientPort := freeLocalPort(t)
	nodeID := "dht-test-node"

	s, err := NewEtcdStore(EtcdConfig{
		NodeID: nodeID,
		Embedded: &EmbeddedConfig{
			DataDir:        filepath.Join(t.TempDir(), "etcd"),
			BindAddr:       fmt.Sprintf("127.0.0.1:%d", peerPort),
			ClientAddr:     fmt.Sprintf("127.0.0.1:%d", clientPort),
			InitialCluster: fmt.Sprintf("%s=http://127.0.0.1:%d", nodeID, peerPort),
			Bootstrap:      true,
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestEtcdStore(t *testing.T) {
	s := newEmbeddedEtcdStore(t)

	t.Run("get put list delete", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := s.Get(ctx, "crud/a")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Put(ctx, "crud/a", []byte("1"), 0))
		require.NoError(t, s.Put(ctx, "crud/ab", []byte("2"), 0))
		require.NoError(t, s.Put(ctx, "other/b", []byte("3"), 0))

		v, err := s.Get(ctx, "crud/a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		all, err := s.List(ctx, "crud/")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"crud/a": []byte("1"), "crud/ab": []byte("2")}, all)

		require.NoError(t, s.Delete(ctx, "crud/a"))
		_, err = s.Get(ctx, "crud/a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lease expiry", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		require.NoError(t, s.Put(ctx, "lease/k", []byte("v"), time.Second))
		require.NoError(t, s.Put(ctx, "lease/keep", []byte("v"), 0))
		_, err := s.Get(ctx, "lease/k")
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			_, err := s.Get(ctx, "lease/k")
			return errors.Is(err, ErrNotFound)
		}, 20*time.Second, 100*time.Millisecond)

		all, err := s.List(ctx, "lease/")
		require.NoError(t, err)
		assert.Len(t, all, 1)
		assert.Contains(t, all, "lease/keep")
	})

	t.Run("update", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, s.Update(ctx, "update/k", 0, func(cur []byte) ([]byte, error) {
			assert.Nil(t, cur)
			return []byte("1"), nil
		}))

		boom := errors.New("boom")
		err := s.Update(ctx, "update/k", 0, func([]byte) ([]byte, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		v, err := s.Get(ctx, "update/k")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		require.NoError(t, s.Update(ctx, "update/k", 0, func([]byte) ([]byte, error) {
			return nil, nil
		}))
		_, err = s.Get(ctx, "update/k")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent updates all land", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		const writers = 4
		start := make(chan struct{})
		errs := make(chan error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs <- s.Update(ctx, "race/counter", 0, func(cur []byte) ([]byte, error) {
					n := 0
					if cur != nil {
						var err error
						if n, err = strconv.Atoi(string(cur)); err != nil {
							return nil, err
						}
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		v, err := s.Get(ctx, "race/counter")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(writers), string(v))
	})

	t.Run("update keeps losing", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, s.Put(ctx, "conflict/k", []byte("0"), 0))

		var calls atomic.Int32
		err := s.Update(ctx, "conflict/k", 0, func(cur []byte) ([]byte, error) {
			n := calls.Add(1)
			// Another writer moves the key before every commit.
			if err := s.Put(ctx, "conflict/k", []byte(strconv.Itoa(int(n))), 0); err != nil {
				return nil, err
			}
			return []byte("mine"), nil
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, int32(maxTxnAttempts), calls.Load())

		v, err := s.Get(ctx, "conflict/k")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(maxTxnAttempts), string(v))
	})

	t.Run("broker records", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r, err := NewRecords(s, RecordsConfig{Positions: 3, TTL: time.Minute})
		require.NoError(t, err)
		defer r.Close()

		require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "bob", Position: 0, Revision: 2}))

		err = r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "dave", Position: 0, Revision: 2})
		re, ok := IsRevisionError(err)
		require.True(t, ok)
		assert.Equal(t, int64(2), re.Current)

		require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "dave", Position: 0, Revision: 3}))
		require.NoError(t, r.WriteBroker(ctx, BrokerRecord{CustomerID: "alice", BrokerID: "carol", Position: 1, Revision: 1}))

		recs, err := r.ReadBrokers(ctx, "alice", false)
		require.NoError(t, err)
		assert.Equal(t, "dave", recs[0].BrokerID)
		assert.Equal(t, "carol", recs[1].BrokerID)
	})
}
