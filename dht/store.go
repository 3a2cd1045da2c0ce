// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dht is the coordination substrate for broker slots and node discovery.
//
// Everything here sits on a small key/value Store with per-key expiry. The
// etcd backend is used in deployments; the memory backend serves tests and
// single-process setups.
package dht

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("dht: key not found")

	// ErrConflict is returned when an atomic update keeps losing races.
	ErrConflict = errors.New("dht: concurrent update conflict")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("dht: store closed")
)

// UpdateFunc computes the next value of a key from its current value.
// current is nil when the key is absent. Returning a nil value deletes the key.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a key/value store with optional per-key expiry.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key. A zero ttl never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Update atomically applies fn to the current value of key.
	// Errors returned by fn are passed through unchanged.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all live keys with the given prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	Close() error
}
