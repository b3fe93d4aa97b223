// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks per-broker send-path counters. Updates are skipped entirely
// when the broker runs in high speed mode.
type Stats struct {
	startTime time.Time

	putMessagesTotal  atomic.Uint64
	putMessagesFailed atomic.Uint64
	putBytesTotal     atomic.Uint64

	sendBacksTotal   atomic.Uint64
	deadLettersTotal atomic.Uint64
	topicsCreated    atomic.Uint64

	mu         sync.RWMutex
	topicTimes map[string]*atomic.Uint64
	topicBytes map[string]*atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime:  time.Now(),
		topicTimes: make(map[string]*atomic.Uint64),
		topicBytes: make(map[string]*atomic.Uint64),
	}
}

func (s *Stats) topicCounter(table map[string]*atomic.Uint64, topic string) *atomic.Uint64 {
	s.mu.RLock()
	c, ok := table[topic]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = table[topic]; !ok {
		c = &atomic.Uint64{}
		table[topic] = c
	}
	return c
}

// IncrementPut records one accepted store append.
func (s *Stats) IncrementPut(topic string, bytes uint64) {
	s.putMessagesTotal.Add(1)
	s.putBytesTotal.Add(bytes)
	s.topicCounter(s.topicTimes, topic).Add(1)
	s.topicCounter(s.topicBytes, topic).Add(bytes)
}

// IncrementPutFailed records one store rejection.
func (s *Stats) IncrementPutFailed() {
	s.putMessagesFailed.Add(1)
}

// IncrementSendBack records one consumer requeue request.
func (s *Stats) IncrementSendBack() {
	s.sendBacksTotal.Add(1)
}

// IncrementDeadLetter records one message routed to a dead-letter topic.
func (s *Stats) IncrementDeadLetter() {
	s.deadLettersTotal.Add(1)
}

// IncrementTopicsCreated records one on-demand topic creation.
func (s *Stats) IncrementTopicsCreated() {
	s.topicsCreated.Add(1)
}

func (s *Stats) GetPutMessagesTotal() uint64 {
	return s.putMessagesTotal.Load()
}

func (s *Stats) GetPutMessagesFailed() uint64 {
	return s.putMessagesFailed.Load()
}

func (s *Stats) GetPutBytesTotal() uint64 {
	return s.putBytesTotal.Load()
}

func (s *Stats) GetSendBacksTotal() uint64 {
	return s.sendBacksTotal.Load()
}

func (s *Stats) GetDeadLettersTotal() uint64 {
	return s.deadLettersTotal.Load()
}

func (s *Stats) GetTopicsCreated() uint64 {
	return s.topicsCreated.Load()
}

// GetTopicPutTimes returns how many messages a topic has accepted.
func (s *Stats) GetTopicPutTimes(topic string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.topicTimes[topic]; ok {
		return c.Load()
	}
	return 0
}

// GetTopicPutBytes returns how many body bytes a topic has accepted.
func (s *Stats) GetTopicPutBytes(topic string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.topicBytes[topic]; ok {
		return c.Load()
	}
	return 0
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
