// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cdma/rocketmq-commet/config"
	"github.com/cdma/rocketmq-commet/nameserv"
	"github.com/cdma/rocketmq-commet/protocol"
	"github.com/cdma/rocketmq-commet/ratelimit"
	"github.com/cdma/rocketmq-commet/remoting"
	"github.com/cdma/rocketmq-commet/storage"
)

var _ remoting.SendHandler = (*Broker)(nil)

// Broker owns the server-side send path: topic and subscription metadata,
// the message store, and the processor that serves producers. It implements
// remoting.SendHandler by delegation so a transport can be pointed straight
// at it.
type Broker struct {
	cfg   *config.Config
	store storage.MessageStore

	topics    *TopicConfigManager
	groups    *SubscriptionGroupManager
	processor *SendProcessor
	stats     *Stats
	metrics   *Metrics
	limiter   *ratelimit.GroupRateLimiter

	registrar nameserv.Registrar

	mu      sync.Mutex
	started bool
}

// New wires a broker from its parts. registrar may be nil for single-binary
// deployments without a name service.
func New(cfg *config.Config, store storage.MessageStore,
	registrar nameserv.Registrar) (*Broker, error) {

	if err := os.MkdirAll(cfg.Storage.ConfigDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	topics, err := NewTopicConfigManager(cfg.Broker, cfg.Storage.ConfigDir,
		cfg.StoreAddr(), registrar)
	if err != nil {
		return nil, err
	}

	groups, err := NewSubscriptionGroupManager(cfg.Storage.ConfigDir,
		cfg.Broker.AutoCreateSubscriptionGroup)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:       cfg,
		store:     store,
		topics:    topics,
		groups:    groups,
		stats:     NewStats(),
		registrar: registrar,
	}

	if cfg.Metrics.Enabled {
		m, err := NewMetrics()
		if err != nil {
			return nil, err
		}
		b.metrics = m
	}

	if cfg.RateLimit.Enabled {
		b.limiter = ratelimit.NewGroupRateLimiter(cfg.RateLimit.GroupRate,
			cfg.RateLimit.GroupBurst, cfg.RateLimit.CleanupInterval)
	}

	b.processor = NewSendProcessor(cfg.Broker, store, topics, groups,
		b.stats, b.metrics, b.limiter, cfg.StoreAddr())

	return b, nil
}

// Start announces the broker's topic table to the name service.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true

	b.topics.announce()

	slog.Info("broker started",
		"name", b.cfg.Broker.BrokerName,
		"cluster", b.cfg.Broker.BrokerClusterName,
		"addr", b.cfg.StoreAddr(),
		"perm", b.cfg.Broker.Permission)
	return nil
}

// Shutdown stops background work and closes the store.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.started = false

	if b.limiter != nil {
		b.limiter.Stop()
	}
	if err := b.store.Close(); err != nil {
		slog.Warn("close message store", "error", err)
	}
	slog.Info("broker shutdown OK", "name", b.cfg.Broker.BrokerName)
}

// TopicConfigManager exposes the topic table for administration.
func (b *Broker) TopicConfigManager() *TopicConfigManager {
	return b.topics
}

// SubscriptionGroupManager exposes the group table for administration.
func (b *Broker) SubscriptionGroupManager() *SubscriptionGroupManager {
	return b.groups
}

// Stats exposes the send-path counters.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// SendProcessor exposes the request processor, e.g. for hook registration.
func (b *Broker) SendProcessor() *SendProcessor {
	return b.processor
}

// ProcessSendMessage implements remoting.SendHandler.
func (b *Broker) ProcessSendMessage(ctx context.Context,
	req *remoting.SendMessageRequest) *protocol.RemotingResponse {
	return b.processor.ProcessSendMessage(ctx, req)
}

// ProcessConsumerSendMsgBack implements remoting.SendHandler.
func (b *Broker) ProcessConsumerSendMsgBack(ctx context.Context,
	header *protocol.ConsumerSendMsgBackRequestHeader) *protocol.RemotingResponse {
	return b.processor.ProcessConsumerSendMsgBack(ctx, header)
}
