// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdma/rocketmq-commet/config"
	"github.com/cdma/rocketmq-commet/nameserv"
	"github.com/cdma/rocketmq-commet/protocol"
)

func testBrokerConfig() config.BrokerConfig {
	cfg := config.Default().Broker
	cfg.AutoCreateTopicEnable = true
	return cfg
}

func newTestTopicManager(t *testing.T, cfg config.BrokerConfig,
	registrar nameserv.Registrar) *TopicConfigManager {

	t.Helper()
	m, err := NewTopicConfigManager(cfg, t.TempDir(), "127.0.0.1:10911", registrar)
	require.NoError(t, err)
	return m
}

func TestSystemTopicBootstrap(t *testing.T) {
	m := newTestTopicManager(t, testBrokerConfig(), nil)

	for _, topic := range []string{SelfTestTopic, DefaultTopic, BenchmarkTopic, OffsetMovedEventName} {
		assert.NotNil(t, m.SelectTopicConfig(topic), topic)
		assert.True(t, m.IsSystemTopic(topic), topic)
	}

	def := m.SelectTopicConfig(DefaultTopic)
	assert.True(t, protocol.IsInherited(def.Perm))
	assert.Equal(t, testBrokerConfig().DefaultTopicQueueNums, def.WriteQueueNums)
}

func TestDefaultTopicAbsentWhenAutoCreateDisabled(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.AutoCreateTopicEnable = false
	m := newTestTopicManager(t, cfg, nil)

	assert.Nil(t, m.SelectTopicConfig(DefaultTopic))
}

func TestCreateTopicInSendMessageMethod(t *testing.T) {
	m := newTestTopicManager(t, testBrokerConfig(), nil)

	tc := m.CreateTopicInSendMessageMethod("OrderTopic", DefaultTopic, "producer-1", 4, 0)
	require.NotNil(t, tc)

	// min(requested 4, template 8), inherit bit stripped.
	assert.Equal(t, 4, tc.WriteQueueNums)
	assert.Equal(t, 4, tc.ReadQueueNums)
	assert.True(t, protocol.IsWriteable(tc.Perm))
	assert.False(t, protocol.IsInherited(tc.Perm))

	// Second call is a pure lookup.
	before := m.DataVersion().Counter
	again := m.CreateTopicInSendMessageMethod("OrderTopic", DefaultTopic, "producer-1", 4, 0)
	assert.Equal(t, tc, again)
	assert.Equal(t, before, m.DataVersion().Counter)
}

func TestCreateTopicClampsToTemplate(t *testing.T) {
	m := newTestTopicManager(t, testBrokerConfig(), nil)

	tc := m.CreateTopicInSendMessageMethod("WideTopic", DefaultTopic, "producer-1", 64, 0)
	require.NotNil(t, tc)
	assert.Equal(t, testBrokerConfig().DefaultTopicQueueNums, tc.WriteQueueNums)

	tc = m.CreateTopicInSendMessageMethod("NegTopic", DefaultTopic, "producer-1", -3, 0)
	require.NotNil(t, tc)
	assert.Equal(t, 0, tc.WriteQueueNums)
}

func TestCreateTopicRequiresTemplate(t *testing.T) {
	m := newTestTopicManager(t, testBrokerConfig(), nil)

	assert.Nil(t, m.CreateTopicInSendMessageMethod("Orphan", "NoSuchTemplate", "p", 4, 0))

	// A template without the inherit bit cannot spawn topics.
	m.UpdateTopicConfig(&TopicConfig{
		TopicName:      "PlainTemplate",
		ReadQueueNums:  8,
		WriteQueueNums: 8,
		Perm:           protocol.PermRead | protocol.PermWrite,
	})
	assert.Nil(t, m.CreateTopicInSendMessageMethod("Child", "PlainTemplate", "p", 4, 0))
}

func TestCreateTopicConcurrentlyBumpsVersionOnce(t *testing.T) {
	m := newTestTopicManager(t, testBrokerConfig(), nil)
	before := m.DataVersion().Counter

	var wg sync.WaitGroup
	results := make([]*TopicConfig, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.CreateTopicInSendMessageMethod("HotTopic", DefaultTopic, "p", 4, 0)
		}(i)
	}
	wg.Wait()

	for _, tc := range results {
		require.NotNil(t, tc)
		assert.Equal(t, "HotTopic", tc.TopicName)
		assert.Equal(t, 4, tc.WriteQueueNums)
	}
	assert.Equal(t, before+1, m.DataVersion().Counter)
}

func TestCreateTopicInSendBackMethod(t *testing.T) {
	m := newTestTopicManager(t, testBrokerConfig(), nil)

	tc := m.CreateTopicInSendBackMethod("%RETRY%group_x", 1,
		protocol.PermRead|protocol.PermWrite, 0)
	require.NotNil(t, tc)
	assert.Equal(t, 1, tc.WriteQueueNums)
	assert.True(t, protocol.IsWriteable(tc.Perm))
}

func TestTopicTablePersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := testBrokerConfig()

	m1, err := NewTopicConfigManager(cfg, dir, "127.0.0.1:10911", nil)
	require.NoError(t, err)
	created := m1.CreateTopicInSendMessageMethod("DurableTopic", DefaultTopic, "p", 4, 0)
	require.NotNil(t, created)
	version := m1.DataVersion()

	m2, err := NewTopicConfigManager(cfg, dir, "127.0.0.1:10911", nil)
	require.NoError(t, err)

	loaded := m2.SelectTopicConfig("DurableTopic")
	require.NotNil(t, loaded)
	assert.Equal(t, created.WriteQueueNums, loaded.WriteQueueNums)
	assert.Equal(t, created.Perm, loaded.Perm)
	assert.Equal(t, version, m2.DataVersion())
}

func TestUpdateOrderTopicConfig(t *testing.T) {
	m := newTestTopicManager(t, testBrokerConfig(), nil)
	require.NotNil(t, m.CreateTopicInSendMessageMethod("TopicA", DefaultTopic, "p", 4, 0))
	require.NotNil(t, m.CreateTopicInSendMessageMethod("TopicB", DefaultTopic, "p", 4, 0))

	m.UpdateOrderTopicConfig([]string{"TopicA"})
	assert.True(t, m.IsOrderTopic("TopicA"))
	assert.False(t, m.IsOrderTopic("TopicB"))

	// Reconciliation is wholesale: topics missing from the list lose the flag.
	m.UpdateOrderTopicConfig([]string{"TopicB"})
	assert.False(t, m.IsOrderTopic("TopicA"))
	assert.True(t, m.IsOrderTopic("TopicB"))
}

func TestUpdateTopicUnitFlags(t *testing.T) {
	m := newTestTopicManager(t, testBrokerConfig(), nil)
	require.NotNil(t, m.CreateTopicInSendMessageMethod("UnitTopic", DefaultTopic, "p", 4, 0))

	require.NoError(t, m.UpdateTopicUnitFlag("UnitTopic", true))
	assert.True(t, protocol.HasUnitFlag(m.SelectTopicConfig("UnitTopic").TopicSysFlag))

	require.NoError(t, m.UpdateTopicUnitSubFlag("UnitTopic", true))
	assert.True(t, protocol.HasUnitSubFlag(m.SelectTopicConfig("UnitTopic").TopicSysFlag))

	require.NoError(t, m.UpdateTopicUnitFlag("UnitTopic", false))
	assert.False(t, protocol.HasUnitFlag(m.SelectTopicConfig("UnitTopic").TopicSysFlag))

	assert.Error(t, m.UpdateTopicUnitFlag("NoSuchTopic", true))
}

func TestDeleteTopicConfig(t *testing.T) {
	m := newTestTopicManager(t, testBrokerConfig(), nil)
	require.NotNil(t, m.CreateTopicInSendMessageMethod("Doomed", DefaultTopic, "p", 4, 0))

	m.DeleteTopicConfig("Doomed")
	assert.Nil(t, m.SelectTopicConfig("Doomed"))
}

func TestReservedTopicGuard(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.BrokerClusterName = "DefaultCluster"
	m := newTestTopicManager(t, cfg, nil)

	assert.False(t, m.IsTopicCanSendMessage(DefaultTopic))
	assert.False(t, m.IsTopicCanSendMessage("DefaultCluster"))
	assert.True(t, m.IsTopicCanSendMessage("UserTopic"))
}

func TestCreateTopicAnnouncesRoute(t *testing.T) {
	dir := nameserv.NewStaticDirectory()
	m := newTestTopicManager(t, testBrokerConfig(), dir)

	require.NotNil(t, m.CreateTopicInSendMessageMethod("RoutedTopic", DefaultTopic, "p", 4, 0))

	route, err := dir.LookupRoute(context.Background(), "RoutedTopic")
	require.NoError(t, err)
	require.Len(t, route.Queues, 1)
	assert.Equal(t, 4, route.Queues[0].WriteQueueNums)
	assert.Equal(t, "127.0.0.1:10911", dir.BrokerAddr(testBrokerConfig().BrokerName))
}
