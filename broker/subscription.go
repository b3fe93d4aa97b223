// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cdma/rocketmq-commet/protocol"
)

const subscriptionsFileName = "subscriptions.json"

// SubscriptionGroupConfig is one consumer group's broker-side settings; the
// send path consults RetryQueueNums and RetryMaxTimes when requeueing.
type SubscriptionGroupConfig struct {
	GroupName         string `json:"groupName"`
	ConsumeEnable     bool   `json:"consumeEnable"`
	ConsumeFromMin    bool   `json:"consumeFromMinEnable"`
	ConsumeBroadcast  bool   `json:"consumeBroadcastEnable"`
	RetryQueueNums    int    `json:"retryQueueNums"`
	RetryMaxTimes     int    `json:"retryMaxTimes"`
	BrokerID          int64  `json:"brokerId"`
	WhichBrokerSlowly int64  `json:"whichBrokerWhenConsumeSlowly"`
}

// NewSubscriptionGroupConfig returns the stock settings for a group.
func NewSubscriptionGroupConfig(group string) *SubscriptionGroupConfig {
	return &SubscriptionGroupConfig{
		GroupName:        group,
		ConsumeEnable:    true,
		ConsumeFromMin:   true,
		ConsumeBroadcast: true,
		RetryQueueNums:   1,
		RetryMaxTimes:    16,
	}
}

type subscriptionSnapshot struct {
	DataVersion            protocol.DataVersion                `json:"dataVersion"`
	SubscriptionGroupTable map[string]*SubscriptionGroupConfig `json:"subscriptionGroupTable"`
}

// SubscriptionGroupManager owns consumer-group configs, lazily creating them
// when the broker allows it.
type SubscriptionGroupManager struct {
	persistPath string
	autoCreate  bool

	mu          sync.RWMutex
	groups      map[string]*SubscriptionGroupConfig
	dataVersion protocol.DataVersion
}

// NewSubscriptionGroupManager loads any persisted group table and
// provisions the broker's own housekeeping groups.
func NewSubscriptionGroupManager(configDir string, autoCreate bool) (*SubscriptionGroupManager, error) {
	m := &SubscriptionGroupManager{
		persistPath: filepath.Join(configDir, subscriptionsFileName),
		autoCreate:  autoCreate,
		groups:      make(map[string]*SubscriptionGroupConfig),
	}
	if err := m.load(); err != nil {
		return nil, err
	}

	for _, g := range []string{"TOOLS_CONSUMER", "SELF_TEST_C_GROUP"} {
		if _, ok := m.groups[g]; !ok {
			m.groups[g] = NewSubscriptionGroupConfig(g)
		}
	}
	return m, nil
}

// FindSubscriptionGroupConfig returns a group's config, creating it when
// auto-creation is on. Nil when the group is unknown and may not be created.
func (m *SubscriptionGroupManager) FindSubscriptionGroupConfig(group string) *SubscriptionGroupConfig {
	m.mu.RLock()
	cfg, ok := m.groups[group]
	m.mu.RUnlock()
	if ok {
		return cfg
	}

	if !m.autoCreate {
		return nil
	}

	m.mu.Lock()
	if cfg, ok = m.groups[group]; !ok {
		cfg = NewSubscriptionGroupConfig(group)
		m.groups[group] = cfg
		m.dataVersion.Next()
		slog.Info("auto create a subscription group", "group", group)
	}
	m.mu.Unlock()

	if !ok {
		m.persist()
	}
	return cfg
}

// UpdateSubscriptionGroupConfig inserts or replaces a group config.
func (m *SubscriptionGroupManager) UpdateSubscriptionGroupConfig(cfg *SubscriptionGroupConfig) {
	m.mu.Lock()
	old, existed := m.groups[cfg.GroupName]
	m.groups[cfg.GroupName] = cfg
	m.dataVersion.Next()
	m.mu.Unlock()

	if existed {
		slog.Info("update subscription group config",
			"group", cfg.GroupName, "old", old, "new", cfg)
	} else {
		slog.Info("create new subscription group", "group", cfg.GroupName)
	}
	m.persist()
}

// DeleteSubscriptionGroupConfig removes a group config.
func (m *SubscriptionGroupManager) DeleteSubscriptionGroupConfig(group string) {
	m.mu.Lock()
	_, existed := m.groups[group]
	delete(m.groups, group)
	if existed {
		m.dataVersion.Next()
	}
	m.mu.Unlock()

	if existed {
		m.persist()
		slog.Info("delete subscription group OK", "group", group)
	} else {
		slog.Warn("delete subscription group failed, group not exist", "group", group)
	}
}

func (m *SubscriptionGroupManager) persist() {
	m.mu.RLock()
	snap := subscriptionSnapshot{
		DataVersion:            m.dataVersion.Snapshot(),
		SubscriptionGroupTable: make(map[string]*SubscriptionGroupConfig, len(m.groups)),
	}
	for k, v := range m.groups {
		snap.SubscriptionGroupTable[k] = v
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		slog.Error("marshal subscription group table failed", "error", err)
		return
	}

	tmp := m.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("persist subscription group table failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, m.persistPath); err != nil {
		slog.Error("persist subscription group table failed", "path", m.persistPath, "error", err)
	}
}

func (m *SubscriptionGroupManager) load() error {
	data, err := os.ReadFile(m.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription group table: %w", err)
	}

	var snap subscriptionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode subscription group table: %w", err)
	}

	for k, v := range snap.SubscriptionGroupTable {
		m.groups[k] = v
	}
	m.dataVersion.Assign(snap.DataVersion)
	slog.Info("load subscription group table OK",
		"path", m.persistPath, "groups", len(snap.SubscriptionGroupTable))
	return nil
}
