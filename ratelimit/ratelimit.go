// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits configures one key's token bucket. A non-positive Rate means unlimited.
type Limits struct {
	Rate  float64 // events per second
	Burst int
}

func (l Limits) limiter() *rate.Limiter {
	if l.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := l.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.Rate), burst)
}

// KeyedLimiter rate limits events per key, such as per producer. Keys without
// explicit limits use the default. Entries idle for two cleanup intervals
// are dropped.
type KeyedLimiter struct {
	mu       sync.Mutex
	entries  map[string]*entry
	limits   map[string]Limits
	fallback Limits
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a limiter. A positive cleanupInterval starts the
// stale entry sweeper; call Stop to end it.
func NewKeyedLimiter(fallback Limits, cleanupInterval time.Duration) *KeyedLimiter {
	l := &KeyedLimiter{
		entries:  make(map[string]*entry),
		limits:   make(map[string]Limits),
		fallback: fallback,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Set assigns limits to key, replacing any existing bucket.
func (l *KeyedLimiter) Set(key string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits[key] = limits
	delete(l.entries, key)
}

// Allow reports whether an event for key may happen now.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Wait blocks until an event for key may happen or ctx is done.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

// Stop stops the cleanup goroutine.
func (l *KeyedLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		limits, ok := l.limits[key]
		if !ok {
			limits = l.fallback
		}
		e = &entry{limiter: limits.limiter()}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()

	return e.limiter
}

func (l *KeyedLimiter) cleanupLoop() {
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

func (l *KeyedLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if e.lastSeen.Before(threshold) {
			delete(l.entries, key)
		}
	}
}
