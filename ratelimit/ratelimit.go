// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxhub/config"
	"golang.org/x/time/rate"
)

// KeyRateLimiter keeps one token bucket per key (client IP or instance id).
// Entries idle for two cleanup intervals are evicted.
type KeyRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyRateLimiter creates a limiter allowing r events per second per key
// with the given burst. A positive cleanupInterval starts the eviction loop.
func NewKeyRateLimiter(r float64, burst int, cleanupInterval time.Duration) *KeyRateLimiter {
	l := &KeyRateLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether one more event for key is allowed now.
func (l *KeyRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove forgets the bucket of key.
func (l *KeyRateLimiter) Remove(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *KeyRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyRateLimiter) evictIdle(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *KeyRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ClientIP extracts the host part of a "host:port" remote address.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Manager coordinates the hub's rate limiters. A nil or disabled Manager
// allows everything.
type Manager struct {
	stream  *KeyRateLimiter
	publish *KeyRateLimiter
	control *KeyRateLimiter
}

// NewManager creates a rate limit manager from configuration.
func NewManager(cfg config.RateLimitConfig) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}

	build := func(l config.LimitConfig) *KeyRateLimiter {
		if !l.Enabled {
			return nil
		}
		return NewKeyRateLimiter(l.Rate, l.Burst, cfg.CleanupInterval)
	}
	m.stream = build(cfg.Stream)
	m.publish = build(cfg.Publish)
	m.control = build(cfg.Control)
	return m
}

// AllowStream checks whether a client address may open another stream.
func (m *Manager) AllowStream(remoteAddr string) bool {
	return m.allow(m.stream, ClientIP(remoteAddr))
}

// AllowPublish checks whether an instance may publish another command.
func (m *Manager) AllowPublish(instance string) bool {
	return m.allow(m.publish, instance)
}

// AllowControl checks whether a controller address may queue another command.
func (m *Manager) AllowControl(remoteAddr string) bool {
	return m.allow(m.control, ClientIP(remoteAddr))
}

func (m *Manager) allow(l *KeyRateLimiter, key string) bool {
	if m == nil || l == nil || key == "" {
		return true
	}
	return l.Allow(key)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	for _, l := range []*KeyRateLimiter{m.stream, m.publish, m.control} {
		if l != nil {
			l.Stop()
		}
	}
}
