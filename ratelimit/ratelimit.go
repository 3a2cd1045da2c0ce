// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerRateLimiter limits broker requests per requesting node.
type PeerRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*peerEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPeerRateLimiter creates a per-peer limiter.
// r is requests per second, burst is the burst allowance.
func NewPeerRateLimiter(r float64, burst int, cleanupInterval time.Duration) *PeerRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &PeerRateLimiter{
		limiters: make(map[string]*peerEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from peer may proceed.
func (l *PeerRateLimiter) Allow(peer string) bool {
	if peer == "" {
		return true
	}

	l.mu.Lock()
	entry, exists := l.limiters[peer]
	if !exists {
		entry = &peerEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[peer] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked peers.
func (l *PeerRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *PeerRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-l.cleanup * 2))
		case <-l.stopCh:
			return
		}
	}
}

// removeStale forgets peers not seen since threshold.
func (l *PeerRateLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for peer, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, peer)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *PeerRateLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// ProducerRateLimiter limits queue pushes per producer.
type ProducerRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewProducerRateLimiter creates a per-producer limiter.
func NewProducerRateLimiter(r float64, burst int) *ProducerRateLimiter {
	return &ProducerRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether producerID may push now.
func (l *ProducerRateLimiter) Allow(producerID string) bool {
	l.mu.Lock()
	limiter, exists := l.limiters[producerID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[producerID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the limiter of a producer that left.
func (l *ProducerRateLimiter) Remove(producerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, producerID)
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	Rate            float64 // requests per second per peer
	Burst           int
	PushRate        float64 // pushes per second per producer, 0 = unlimited
	PushBurst       int
	CleanupInterval time.Duration
}

// Manager coordinates the request and push limiters.
type Manager struct {
	peers     *PeerRateLimiter
	producers *ProducerRateLimiter
	disabled  bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true}
	}

	m := &Manager{
		peers: NewPeerRateLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval),
	}
	if cfg.PushRate > 0 {
		m.producers = NewProducerRateLimiter(cfg.PushRate, cfg.PushBurst)
	}
	return m
}

// AllowRequest checks if a broker request from peer is allowed.
func (m *Manager) AllowRequest(peer string) bool {
	if m.disabled {
		return true
	}
	return m.peers.Allow(peer)
}

// AllowPush checks if a push from producerID is allowed.
func (m *Manager) AllowPush(producerID string) bool {
	if m.disabled || m.producers == nil {
		return true
	}
	return m.producers.Allow(producerID)
}

// OnProducerLeft cleans up the push limiter of a producer.
func (m *Manager) OnProducerLeft(producerID string) {
	if m.disabled || m.producers == nil {
		return
	}
	m.producers.Remove(producerID)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m.peers != nil {
		m.peers.Stop()
	}
}
