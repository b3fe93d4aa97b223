// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "sync"

// concurrentTopicTable is the read-mostly topic map. Lookups on the send hot
// path take only the read lock; mutation goes through the manager's creation
// lock on top of this one.
type concurrentTopicTable struct {
	mu     sync.RWMutex
	topics map[string]*TopicConfig
}

func newConcurrentTopicTable() *concurrentTopicTable {
	return &concurrentTopicTable{topics: make(map[string]*TopicConfig)}
}

func (t *concurrentTopicTable) get(topic string) (*TopicConfig, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tc, ok := t.topics[topic]
	return tc, ok
}

func (t *concurrentTopicTable) put(tc *TopicConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[tc.TopicName] = tc
}

func (t *concurrentTopicTable) delete(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, topic)
}

func (t *concurrentTopicTable) snapshot() map[string]*TopicConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*TopicConfig, len(t.topics))
	for k, v := range t.topics {
		out[k] = v
	}
	return out
}
