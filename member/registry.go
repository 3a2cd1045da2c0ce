// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package member

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/meshq/groupkey"
	"github.com/absmach/meshq/protocol"
)

var (
	ErrNotMember      = errors.New("not a member of the group")
	ErrWrongPeer      = errors.New("delivery from a broker not serving the queue")
	ErrRegistryClosed = errors.New("member registry closed")
)

// Registry holds the group memberships of this node.
type Registry struct {
	cfg     Config
	records Records
	peers   Peers
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	members map[string]*Member
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, records Records, peers Peers, handler Handler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		records: records,
		peers:   peers,
		handler: handler,
		logger:  logger,
		members: make(map[string]*Member),
	}
}

// Join creates the membership for key if needed and waits until it is in sync.
func (r *Registry) Join(ctx context.Context, key groupkey.Info) (*Member, error) {
	if err := key.Verify(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	m, ok := r.members[key.KeyID]
	if !ok {
		m = New(key, r.cfg, r.records, r.peers, r.handler, r.logger)
		r.members[key.KeyID] = m
	}
	r.mu.Unlock()

	if err := m.Join(ctx); err != nil {
		return m, fmt.Errorf("failed to join %s: %w", key.KeyID, err)
	}
	return m, nil
}

// Get returns the membership of a group.
func (r *Registry) Get(keyID string) (*Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[keyID]
	return m, ok
}

// Publish pushes payload to a joined group.
func (r *Registry) Publish(ctx context.Context, keyID string, payload []byte) (int64, error) {
	m, ok := r.Get(keyID)
	if !ok {
		return protocol.NoSequence, ErrNotMember
	}
	return m.Publish(ctx, payload)
}

// Leave leaves a group and forgets the membership.
func (r *Registry) Leave(ctx context.Context, keyID string) error {
	r.mu.Lock()
	m, ok := r.members[keyID]
	delete(r.members, keyID)
	r.mu.Unlock()

	if !ok {
		return ErrNotMember
	}
	return m.Leave(ctx)
}

// HandleDelivery routes a broker delivery to the membership of its queue.
func (r *Registry) HandleDelivery(ctx context.Context, from string, d protocol.Delivery) error {
	q, err := protocol.ParseQueueID(d.QueueID)
	if err != nil {
		return err
	}
	if from != "" && from != q.Broker {
		return ErrWrongPeer
	}

	m, ok := r.Get(groupkey.MakeKeyID(q.Alias, q.Owner))
	if !ok {
		return ErrNotMember
	}
	return m.HandleDelivery(ctx, d)
}

// Statuses returns every membership ordered by group key id.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	members := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(members))
	for _, m := range members {
		out = append(out, m.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupKeyID < out[j].GroupKeyID })
	return out
}

// Close stops every membership without leaving the groups.
func (r *Registry) Close() {
	r.mu.Lock()
	members := r.members
	r.members = make(map[string]*Member)
	r.closed = true
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			m.Close()
		}(m)
	}
	wg.Wait()
}
