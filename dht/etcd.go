// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dht

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

const maxTxnAttempts = 5

var _ Store = (*EtcdStore)(nil)

// EtcdConfig configures the etcd backed store.
type EtcdConfig struct {
	NodeID      string
	Endpoints   []string
	DialTimeout time.Duration

	// Embedded starts an etcd server inside the process when set.
	Embedded *EmbeddedConfig
}

// EmbeddedConfig holds embedded etcd server settings.
type EmbeddedConfig struct {
	DataDir        string
	BindAddr       string
	ClientAddr     string
	AdvertiseAddr  string
	InitialCluster string
	Bootstrap      bool
}

// EtcdStore implements Store on top of etcd. Expiry uses leases.
type EtcdStore struct {
	client *clientv3.Client
	etcd   *embed.Etcd
	logger *slog.Logger
}

// NewEtcdStore connects to etcd, starting an embedded server first if configured.
func NewEtcdStore(cfg EtcdConfig, logger *slog.Logger) (*EtcdStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &EtcdStore{logger: logger}
	endpoints := cfg.Endpoints

	if cfg.Embedded != nil {
		e, err := startEmbedded(cfg.NodeID, *cfg.Embedded, logger)
		if err != nil {
			return nil, err
		}
		s.etcd = e
		endpoints = []string{cfg.Embedded.ClientAddr}
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		if s.etcd != nil {
			s.etcd.Close()
		}
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	s.client = client

	return s, nil
}

// NewEtcdStoreFromClient wraps an existing client.
func NewEtcdStoreFromClient(client *clientv3.Client, logger *slog.Logger) *EtcdStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdStore{client: client, logger: logger}
}

func startEmbedded(nodeID string, cfg EmbeddedConfig, logger *slog.Logger) (*embed.Etcd, error) {
	eCfg := embed.NewConfig()
	eCfg.Name = nodeID
	eCfg.Dir = cfg.DataDir

	// Peer URLs (for Raft communication)
	peerURL, err := url.Parse("http://" + cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address: %w", err)
	}
	eCfg.ListenPeerUrls = []url.URL{*peerURL}

	if cfg.AdvertiseAddr != "" {
		advertiseURL, err := url.Parse("http://" + cfg.AdvertiseAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid advertise address: %w", err)
		}
		eCfg.AdvertisePeerUrls = []url.URL{*advertiseURL}
	} else {
		eCfg.AdvertisePeerUrls = []url.URL{*peerURL}
	}

	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}

	eCfg.InitialCluster = cfg.InitialCluster
	if cfg.Bootstrap {
		eCfg.ClusterState = embed.ClusterStateFlagNew
	} else {
		eCfg.ClusterState = embed.ClusterStateFlagExisting
	}

	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
		logger.Info("embedded etcd is ready", slog.String("node_id", nodeID))
	case <-time.After(60 * time.Second):
		e.Server.Stop()
		return nil, fmt.Errorf("etcd server took too long to start")
	}

	return e, nil
}

func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *EtcdStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	opts, err := s.leaseOpts(ctx, ttl)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, key, string(value), opts...)
	return err
}

// Update retries the read-modify-write while the key's ModRevision keeps moving.
func (s *EtcdStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return err
		}

		var current []byte
		var modRev int64
		if len(resp.Kvs) > 0 {
			current = resp.Kvs[0].Value
			modRev = resp.Kvs[0].ModRevision
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		var op clientv3.Op
		if next == nil {
			op = clientv3.OpDelete(key)
		} else {
			opts, err := s.leaseOpts(ctx, ttl)
			if err != nil {
				return err
			}
			op = clientv3.OpPut(key, string(next), opts...)
		}

		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
			Then(op).
			Commit()
		if err != nil {
			return err
		}
		if txn.Succeeded {
			return nil
		}
		s.logger.Debug("dht update raced, retrying", slog.String("key", key), slog.Int("attempt", attempt+1))
	}
	return ErrConflict
}

func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Delete(ctx, key)
	return err
}

func (s *EtcdStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out, nil
}

func (s *EtcdStore) Close() error {
	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	if s.etcd != nil {
		s.etcd.Close()
	}
	return err
}

func (s *EtcdStore) leaseOpts(ctx context.Context, ttl time.Duration) ([]clientv3.OpOption, error) {
	if ttl <= 0 {
		return nil, nil
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return nil, fmt.Errorf("failed to grant lease: %w", err)
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, nil
}
