// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/meshq/peddler/storage"
	"github.com/absmach/meshq/protocol"
)

// Registry owns one Keeper per customer, created on demand.
type Registry struct {
	cfg     Config
	records Records
	neg     Negotiator
	store   storage.KeeperStore
	metrics Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	keepers map[string]*Keeper
	closed  bool
}

// NewRegistry creates an empty registry. store and metrics may be nil.
func NewRegistry(cfg Config, records Records, neg Negotiator, store storage.KeeperStore, metrics Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		records: records,
		neg:     neg,
		store:   store,
		metrics: metrics,
		logger:  logger,
		keepers: make(map[string]*Keeper),
	}
}

// Restore recreates keepers from persisted state. They start disconnected
// and re-verify their slot on the next connect.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.ListKeepers(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range states {
		st := states[i]
		if _, ok := r.keepers[st.CustomerID]; ok {
			continue
		}
		r.keepers[st.CustomerID] = New(st.CustomerID, r.cfg, r.records, r.neg, r.store, r.metrics, &st, r.logger)
	}
	r.logger.Info("restored keepers", slog.Int("count", len(states)))
	return nil
}

// Connect routes a connect request to the customer's keeper.
func (r *Registry) Connect(ctx context.Context, customer string, req ConnectRequest) (Result, error) {
	k, err := r.keeper(customer)
	if err != nil {
		return Result{}, err
	}
	return k.Connect(ctx, req)
}

// Verify reports whether this broker holds position for customer.
func (r *Registry) Verify(customer string, position int) (protocol.Brokers, bool) {
	r.mu.Lock()
	k, ok := r.keepers[customer]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return k.Verify(position)
}

// Get returns the keeper of customer, if any.
func (r *Registry) Get(customer string) (*Keeper, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keepers[customer]
	return k, ok
}

// Remove closes the customer's keeper, releases the broker record it held
// and erases its persisted state.
func (r *Registry) Remove(ctx context.Context, customer string) error {
	r.mu.Lock()
	k, ok := r.keepers[customer]
	delete(r.keepers, customer)
	r.mu.Unlock()

	if ok {
		position := k.Status().Position
		k.Close()
		if position >= 0 {
			if err := r.records.DeleteBroker(ctx, customer, position, r.cfg.Self); err != nil {
				r.logger.Warn("failed to release broker record",
					slog.String("customer", customer),
					slog.Int("position", position),
					slog.String("error", err.Error()))
			}
		}
	}
	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteKeeper(ctx, customer); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Statuses returns the status of every keeper ordered by customer.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	keepers := make([]*Keeper, 0, len(r.keepers))
	for _, k := range r.keepers {
		keepers = append(keepers, k)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(keepers))
	for _, k := range keepers {
		out = append(out, k.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Customer < out[j].Customer })
	return out
}

// Close stops every keeper, keeping their persisted state.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	keepers := r.keepers
	r.keepers = make(map[string]*Keeper)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keepers {
		wg.Add(1)
		go func(k *Keeper) {
			defer wg.Done()
			k.Close()
		}(k)
	}
	wg.Wait()
}

func (r *Registry) keeper(customer string) (*Keeper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	k, ok := r.keepers[customer]
	if !ok {
		k = New(customer, r.cfg, r.records, r.neg, r.store, r.metrics, nil, r.logger)
		r.keepers[customer] = k
	}
	return k, nil
}
