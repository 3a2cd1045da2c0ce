// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package groupkey

import (
	"bytes"
	"sync"
)

// Registry holds the group keys a broker has accepted.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]Info
}

// NewRegistry creates an empty key registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]Info)}
}

// Register verifies and stores a key. Registering the same key twice is a no-op.
func (r *Registry) Register(info Info) error {
	if err := info.Verify(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.keys[info.KeyID]; ok {
		if !bytes.Equal(existing.PublicKey, info.PublicKey) {
			return ErrKeyCollision
		}
		return nil
	}
	r.keys[info.KeyID] = info
	return nil
}

// Get returns a registered key.
func (r *Registry) Get(keyID string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.keys[keyID]
	if !ok {
		return Info{}, ErrNotFound
	}
	return info, nil
}

// Erase forgets a key.
func (r *Registry) Erase(keyID string) {
	r.mu.Lock()
	delete(r.keys, keyID)
	r.mu.Unlock()
}

// EraseOwner forgets every key owned by the given customer.
func (r *Registry) EraseOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, info := range r.keys {
		if info.Owner() == owner {
			delete(r.keys, id)
			n++
		}
	}
	return n
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
