// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GroupRateLimiter throttles message sends per producer group. Used by the
// send processor to shed load from a runaway producer without affecting
// other groups.
type GroupRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*groupEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type groupEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGroupRateLimiter creates a per-group limiter. r is messages per second,
// burst the burst allowance; stale group entries are dropped after roughly
// two cleanup intervals.
func NewGroupRateLimiter(r float64, burst int, cleanupInterval time.Duration) *GroupRateLimiter {
	l := &GroupRateLimiter{
		limiters: make(map[string]*groupEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a send from the given group may proceed now.
func (l *GroupRateLimiter) Allow(group string) bool {
	if group == "" {
		return true
	}

	l.mu.Lock()
	entry, exists := l.limiters[group]
	if !exists {
		entry = &groupEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[group] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *GroupRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *GroupRateLimiter) dropStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for group, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, group)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *GroupRateLimiter) Stop() {
	close(l.stopCh)
}
