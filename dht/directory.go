// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dht

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"
)

// ServiceMessageBroker is the service name announced by nodes that accept broker requests.
const ServiceMessageBroker = "service_message_broker"

const (
	nodesPrefix    = "/meshq/nodes/"
	servicesPrefix = "/meshq/services/"
)

// ErrUnknownNode is returned when a node has no directory entry.
var ErrUnknownNode = errors.New("dht: unknown node")

// NodeInfo is the directory entry of one node.
type NodeInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Services []string  `json:"services,omitempty"`
	Updated  time.Time `json:"updated"`
}

// Directory publishes the local node and resolves other nodes.
type Directory struct {
	store  Store
	self   NodeInfo
	ttl    time.Duration
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDirectory creates a directory announcing self with the given entry TTL.
func NewDirectory(store Store, self NodeInfo, ttl time.Duration, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  store,
		self:   self,
		ttl:    ttl,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Self returns the local node entry.
func (d *Directory) Self() NodeInfo {
	return d.self
}

// Register writes the local node entry and its service index entries.
func (d *Directory) Register(ctx context.Context) error {
	info := d.self
	info.Updated = time.Now().UTC()

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := d.store.Put(ctx, nodesPrefix+info.ID, data, d.ttl); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	for _, svc := range info.Services {
		if err := d.store.Put(ctx, serviceKey(svc, info.ID), []byte(info.ID), d.ttl); err != nil {
			return fmt.Errorf("failed to register service %s: %w", svc, err)
		}
	}
	return nil
}

// Start registers the node and keeps the entry alive until Stop.
func (d *Directory) Start(ctx context.Context) error {
	if err := d.Register(ctx); err != nil {
		return err
	}

	interval := d.ttl / 3
	if interval <= 0 {
		interval = time.Minute
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Register(ctx); err != nil {
					d.logger.Warn("failed to refresh directory entry", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Stop ends the refresh loop and withdraws the local entry.
func (d *Directory) Stop(ctx context.Context) {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()

	_ = d.store.Delete(ctx, nodesPrefix+d.self.ID)
	for _, svc := range d.self.Services {
		_ = d.store.Delete(ctx, serviceKey(svc, d.self.ID))
	}
}

// Lookup returns the directory entry of a node.
func (d *Directory) Lookup(ctx context.Context, id string) (NodeInfo, error) {
	if id == d.self.ID {
		return d.self, nil
	}
	data, err := d.store.Get(ctx, nodesPrefix+id)
	if errors.Is(err, ErrNotFound) {
		return NodeInfo{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if err != nil {
		return NodeInfo{}, err
	}

	var info NodeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return NodeInfo{}, fmt.Errorf("failed to decode node %s: %w", id, err)
	}
	return info, nil
}

// RandomNodes returns up to limit random ids of nodes announcing service,
// skipping the local node and every id in exclude.
func (d *Directory) RandomNodes(ctx context.Context, service string, exclude []string, limit int) ([]string, error) {
	prefix := servicesPrefix + service + "/"
	entries, err := d.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for key := range entries {
		id := strings.TrimPrefix(key, prefix)
		if id == d.self.ID || slices.Contains(exclude, id) {
			continue
		}
		ids = append(ids, id)
	}

	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func serviceKey(service, id string) string {
	return servicesPrefix + service + "/" + id
}
