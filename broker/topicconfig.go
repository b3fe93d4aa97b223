// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the server side of the send path: topic
// metadata, subscription groups, and the send processor that validates,
// stores, and answers producer requests.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cdma/rocketmq-commet/config"
	"github.com/cdma/rocketmq-commet/nameserv"
	"github.com/cdma/rocketmq-commet/protocol"
)

// Well-known topics the broker provisions for itself.
const (
	DefaultTopic         = "TBW102"
	SelfTestTopic        = "SELF_TEST_TOPIC"
	BenchmarkTopic       = "BenchmarkTest"
	OffsetMovedEventName = "OFFSET_MOVED_EVENT"
)

// Acquiring the topic-creation lock gives up after this long rather than
// piling callers onto a stuck persist.
const lockTimeout = 3 * time.Second

const topicsFileName = "topics.json"

// TopicConfig is one topic's metadata as the broker owns it.
type TopicConfig struct {
	TopicName      string `json:"topicName"`
	ReadQueueNums  int    `json:"readQueueNums"`
	WriteQueueNums int    `json:"writeQueueNums"`
	Perm           int    `json:"perm"`
	TopicSysFlag   int    `json:"topicSysFlag"`
	Order          bool   `json:"order"`
}

// NewTopicConfig creates a topic config with the stock queue count and
// read-write permission.
func NewTopicConfig(topicName string) *TopicConfig {
	return &TopicConfig{
		TopicName:      topicName,
		ReadQueueNums:  16,
		WriteQueueNums: 16,
		Perm:           protocol.PermRead | protocol.PermWrite,
	}
}

func (tc *TopicConfig) String() string {
	return fmt.Sprintf("TopicConfig [topicName=%s, readQueueNums=%d, writeQueueNums=%d, perm=%s, topicSysFlag=%d, order=%t]",
		tc.TopicName, tc.ReadQueueNums, tc.WriteQueueNums,
		protocol.Perm2String(tc.Perm), tc.TopicSysFlag, tc.Order)
}

// topicConfigSnapshot is the wholesale persistence format: the whole table
// plus its version, rewritten atomically on every change.
type topicConfigSnapshot struct {
	DataVersion      protocol.DataVersion    `json:"dataVersion"`
	TopicConfigTable map[string]*TopicConfig `json:"topicConfigTable"`
}

// TopicConfigManager owns the broker's topic table: lock-guarded lazy
// creation, versioning, persistence, and route announcement.
type TopicConfigManager struct {
	cfg         config.BrokerConfig
	persistPath string
	registrar   nameserv.Registrar
	brokerAddr  string

	// lockCh serializes topic creation and updates; a channel rather than a
	// mutex so acquisition can be bounded by lockTimeout.
	lockCh chan struct{}

	topics      *concurrentTopicTable
	dataVersion protocol.DataVersion
	systemTopic map[string]struct{}
}

// NewTopicConfigManager builds the manager, loads any persisted table, and
// provisions the system topics. registrar may be nil when the broker runs
// without a name service.
func NewTopicConfigManager(cfg config.BrokerConfig, configDir, brokerAddr string,
	registrar nameserv.Registrar) (*TopicConfigManager, error) {

	m := &TopicConfigManager{
		cfg:         cfg,
		persistPath: filepath.Join(configDir, topicsFileName),
		registrar:   registrar,
		brokerAddr:  brokerAddr,
		lockCh:      make(chan struct{}, 1),
		topics:      newConcurrentTopicTable(),
		systemTopic: make(map[string]struct{}),
	}

	if err := m.load(); err != nil {
		return nil, err
	}
	m.bootstrapSystemTopics()
	return m, nil
}

func (m *TopicConfigManager) bootstrapSystemTopics() {
	put := func(tc *TopicConfig, system bool) {
		if system {
			m.systemTopic[tc.TopicName] = struct{}{}
		}
		if _, ok := m.topics.get(tc.TopicName); !ok {
			m.topics.put(tc)
		}
	}

	selfTest := NewTopicConfig(SelfTestTopic)
	selfTest.ReadQueueNums = 1
	selfTest.WriteQueueNums = 1
	put(selfTest, true)

	if m.cfg.AutoCreateTopicEnable {
		def := NewTopicConfig(DefaultTopic)
		def.ReadQueueNums = m.cfg.DefaultTopicQueueNums
		def.WriteQueueNums = m.cfg.DefaultTopicQueueNums
		def.Perm = protocol.PermInherit | protocol.PermRead | protocol.PermWrite
		put(def, true)
	} else {
		slog.Info("auto create topic disabled, template topic not provisioned",
			"topic", DefaultTopic)
	}

	bench := NewTopicConfig(BenchmarkTopic)
	bench.ReadQueueNums = 1024
	bench.WriteQueueNums = 1024
	put(bench, true)

	if m.cfg.ClusterTopicEnable {
		cluster := NewTopicConfig(m.cfg.BrokerClusterName)
		cluster.Perm = protocol.PermInherit | protocol.PermRead | protocol.PermWrite
		put(cluster, true)
	}

	if m.cfg.BrokerTopicEnable {
		self := NewTopicConfig(m.cfg.BrokerName)
		self.ReadQueueNums = 1
		self.WriteQueueNums = 1
		self.Perm = protocol.PermInherit | protocol.PermRead | protocol.PermWrite
		put(self, true)
	}

	moved := NewTopicConfig(OffsetMovedEventName)
	moved.ReadQueueNums = 1
	moved.WriteQueueNums = 1
	put(moved, true)
}

func (m *TopicConfigManager) tryLock() bool {
	select {
	case m.lockCh <- struct{}{}:
		return true
	case <-time.After(lockTimeout):
		return false
	}
}

func (m *TopicConfigManager) unlock() {
	<-m.lockCh
}

// SelectTopicConfig returns the config for a topic, nil when unknown.
func (m *TopicConfigManager) SelectTopicConfig(topic string) *TopicConfig {
	tc, _ := m.topics.get(topic)
	return tc
}

// DataVersion returns the current table version.
func (m *TopicConfigManager) DataVersion() protocol.DataVersion {
	return m.dataVersion.Snapshot()
}

// CreateTopicInSendMessageMethod lazily creates a topic on first send,
// deriving it from the named template topic. Returns nil when creation is
// not possible: the template is missing, lacks the inherit permission, or
// the creation lock could not be taken in time.
func (m *TopicConfigManager) CreateTopicInSendMessageMethod(topic, defaultTopic,
	remoteAddr string, clientDefaultTopicQueueNums, topicSysFlag int) *TopicConfig {

	if !m.tryLock() {
		slog.Warn("create topic lock timeout", "topic", topic)
		return nil
	}

	var created *TopicConfig
	func() {
		defer m.unlock()

		if tc, ok := m.topics.get(topic); ok {
			created = tc
			return
		}

		template, ok := m.topics.get(defaultTopic)
		if !ok {
			slog.Warn("create new topic failed, the default topic not exist",
				"topic", topic, "default_topic", defaultTopic, "producer", remoteAddr)
			return
		}

		if defaultTopic == DefaultTopic && !m.cfg.AutoCreateTopicEnable {
			template.Perm = protocol.PermRead | protocol.PermWrite
		}

		if !protocol.IsInherited(template.Perm) {
			slog.Warn("create new topic failed, the default topic has no inherit permission",
				"topic", topic, "default_topic", defaultTopic, "producer", remoteAddr)
			return
		}

		queueNums := clientDefaultTopicQueueNums
		if template.WriteQueueNums < queueNums {
			queueNums = template.WriteQueueNums
		}
		if queueNums < 0 {
			queueNums = 0
		}

		tc := &TopicConfig{
			TopicName:      topic,
			ReadQueueNums:  queueNums,
			WriteQueueNums: queueNums,
			Perm:           template.Perm &^ protocol.PermInherit,
			TopicSysFlag:   topicSysFlag,
		}

		slog.Info("create new topic by default topic",
			"topic", tc.String(), "default_topic", defaultTopic, "producer", remoteAddr)

		m.topics.put(tc)
		m.dataVersion.Next()
		m.persist()
		created = tc
	}()

	if created != nil {
		m.announce()
	}
	return created
}

// CreateTopicInSendBackMethod creates a retry or dead-letter topic for a
// consumer group's redelivery flow.
func (m *TopicConfigManager) CreateTopicInSendBackMethod(topic string,
	clientDefaultTopicQueueNums, perm, topicSysFlag int) *TopicConfig {

	if !m.tryLock() {
		slog.Warn("create topic lock timeout", "topic", topic)
		return nil
	}

	var created *TopicConfig
	func() {
		defer m.unlock()

		if tc, ok := m.topics.get(topic); ok {
			created = tc
			return
		}

		tc := &TopicConfig{
			TopicName:      topic,
			ReadQueueNums:  clientDefaultTopicQueueNums,
			WriteQueueNums: clientDefaultTopicQueueNums,
			Perm:           perm,
			TopicSysFlag:   topicSysFlag,
		}

		slog.Info("create new topic by send back", "topic", tc.String())

		m.topics.put(tc)
		m.dataVersion.Next()
		m.persist()
		created = tc
	}()

	if created != nil {
		m.announce()
	}
	return created
}

// UpdateTopicConfig inserts or replaces a topic config.
func (m *TopicConfigManager) UpdateTopicConfig(tc *TopicConfig) {
	if old, ok := m.topics.get(tc.TopicName); ok {
		slog.Info("update topic config", "old", old.String(), "new", tc.String())
	} else {
		slog.Info("create new topic", "topic", tc.String())
	}
	m.topics.put(tc)
	m.dataVersion.Next()
	m.persist()
	m.announce()
}

// UpdateOrderTopicConfig reconciles the order flag across the whole table:
// listed topics become ordered, all others lose the flag.
func (m *TopicConfigManager) UpdateOrderTopicConfig(orderTopics []string) {
	ordered := make(map[string]struct{}, len(orderTopics))
	for _, t := range orderTopics {
		ordered[t] = struct{}{}
	}

	changed := false
	for _, tc := range m.topics.snapshot() {
		_, shouldOrder := ordered[tc.TopicName]
		if tc.Order != shouldOrder {
			tc.Order = shouldOrder
			m.topics.put(tc)
			changed = true
			slog.Info("topic order flag changed", "topic", tc.TopicName, "order", shouldOrder)
		}
	}

	if changed {
		m.dataVersion.Next()
		m.persist()
		m.announce()
	}
}

// UpdateTopicUnitFlag flips the unit bit on one topic's sys flag.
func (m *TopicConfigManager) UpdateTopicUnitFlag(topic string, unit bool) error {
	return m.updateSysFlag(topic, unit, protocol.SetUnitFlag, protocol.ClearUnitFlag)
}

// UpdateTopicUnitSubFlag flips the unit-subscription bit on one topic's sys
// flag.
func (m *TopicConfigManager) UpdateTopicUnitSubFlag(topic string, unitSub bool) error {
	return m.updateSysFlag(topic, unitSub, protocol.SetUnitSubFlag, protocol.ClearUnitSubFlag)
}

func (m *TopicConfigManager) updateSysFlag(topic string, set bool,
	setFn, clearFn func(int) int) error {

	tc, ok := m.topics.get(topic)
	if !ok {
		return fmt.Errorf("update topic sys flag failed, the topic %s not exist", topic)
	}
	if set {
		tc.TopicSysFlag = setFn(tc.TopicSysFlag)
	} else {
		tc.TopicSysFlag = clearFn(tc.TopicSysFlag)
	}
	m.topics.put(tc)
	m.dataVersion.Next()
	m.persist()
	m.announce()
	return nil
}

// DeleteTopicConfig removes a topic from the table.
func (m *TopicConfigManager) DeleteTopicConfig(topic string) {
	if _, ok := m.topics.get(topic); !ok {
		slog.Warn("delete topic config failed, topic not exist", "topic", topic)
		return
	}
	m.topics.delete(topic)
	m.dataVersion.Next()
	m.persist()
	m.announce()
	slog.Info("delete topic config OK", "topic", topic)
}

// IsSystemTopic reports whether a topic is broker-provisioned.
func (m *TopicConfigManager) IsSystemTopic(topic string) bool {
	_, ok := m.systemTopic[topic]
	return ok
}

// IsTopicCanSendMessage rejects sends addressed directly at reserved topics.
func (m *TopicConfigManager) IsTopicCanSendMessage(topic string) bool {
	return topic != DefaultTopic && topic != m.cfg.BrokerClusterName
}

// IsOrderTopic reports whether the topic is flagged for ordered delivery.
func (m *TopicConfigManager) IsOrderTopic(topic string) bool {
	tc, ok := m.topics.get(topic)
	return ok && tc.Order
}

// persist rewrites the whole table to disk. Write errors are logged, never
// propagated: the in-memory table stays authoritative.
func (m *TopicConfigManager) persist() {
	snap := topicConfigSnapshot{
		DataVersion:      m.dataVersion.Snapshot(),
		TopicConfigTable: m.topics.snapshot(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		slog.Error("marshal topic config table failed", "error", err)
		return
	}

	tmp := m.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("persist topic config table failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, m.persistPath); err != nil {
		slog.Error("persist topic config table failed", "path", m.persistPath, "error", err)
	}
}

func (m *TopicConfigManager) load() error {
	data, err := os.ReadFile(m.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load topic config table: %w", err)
	}

	var snap topicConfigSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode topic config table: %w", err)
	}

	for _, tc := range snap.TopicConfigTable {
		m.topics.put(tc)
	}
	m.dataVersion.Assign(snap.DataVersion)
	slog.Info("load topic config table OK",
		"path", m.persistPath, "topics", len(snap.TopicConfigTable))
	return nil
}

// announce pushes the current table to the name service, best effort. Runs
// outside the creation lock so a slow directory cannot stall sends.
func (m *TopicConfigManager) announce() {
	if m.registrar == nil {
		return
	}

	topics := make(map[string]nameserv.QueueData)
	for name, tc := range m.topics.snapshot() {
		topics[name] = nameserv.QueueData{
			BrokerName:     m.cfg.BrokerName,
			ReadQueueNums:  tc.ReadQueueNums,
			WriteQueueNums: tc.WriteQueueNums,
			Perm:           tc.Perm,
			TopicSysFlag:   tc.TopicSysFlag,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := m.registrar.RegisterBroker(ctx, nameserv.Registration{
		BrokerName:  m.cfg.BrokerName,
		ClusterName: m.cfg.BrokerClusterName,
		Addr:        m.brokerAddr,
		Topics:      topics,
		DataVersion: m.dataVersion.Snapshot(),
	})
	if err != nil {
		slog.Warn("register broker to name service failed", "error", err)
	}
}
