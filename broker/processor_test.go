// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdma/rocketmq-commet/config"
	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/protocol"
	"github.com/cdma/rocketmq-commet/ratelimit"
	"github.com/cdma/rocketmq-commet/remoting"
	"github.com/cdma/rocketmq-commet/storage"
	"github.com/cdma/rocketmq-commet/storage/memory"
)

const testStoreHost = "127.0.0.1:10911"

type processorFixture struct {
	processor *SendProcessor
	store     *memory.Store
	topics    *TopicConfigManager
	groups    *SubscriptionGroupManager
	stats     *Stats
}

func newProcessorFixture(t *testing.T, mutate func(*config.BrokerConfig)) *processorFixture {
	t.Helper()

	cfg := config.Default().Broker
	cfg.AutoCreateTopicEnable = true
	if mutate != nil {
		mutate(&cfg)
	}

	topics, err := NewTopicConfigManager(cfg, t.TempDir(), testStoreHost, nil)
	require.NoError(t, err)
	groups, err := NewSubscriptionGroupManager(t.TempDir(), true)
	require.NoError(t, err)

	store := memory.New(testStoreHost)
	stats := NewStats()
	return &processorFixture{
		processor: NewSendProcessor(cfg, store, topics, groups, stats, nil, nil, testStoreHost),
		store:     store,
		topics:    topics,
		groups:    groups,
		stats:     stats,
	}
}

func sendRequest(topic string, queueID int, body []byte) *remoting.SendMessageRequest {
	return &remoting.SendMessageRequest{
		Header: &protocol.SendMessageRequestHeader{
			ProducerGroup:         "test_producer_group",
			Topic:                 topic,
			DefaultTopic:          DefaultTopic,
			DefaultTopicQueueNums: 4,
			QueueID:               queueID,
			BornTimestamp:         time.Now().UnixMilli(),
		},
		Body:     body,
		BornHost: "127.0.0.1:54321",
	}
}

func TestProcessSendMessageAutoCreatesTopic(t *testing.T) {
	f := newProcessorFixture(t, nil)

	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("FreshTopic", 0, []byte("hello")))
	require.Equal(t, protocol.CodeSuccess, resp.Code, resp.Remark)
	require.NotNil(t, resp.Send)
	assert.NotEmpty(t, resp.Send.MsgID)
	assert.Equal(t, int64(0), resp.Send.QueueOffset)

	tc := f.topics.SelectTopicConfig("FreshTopic")
	require.NotNil(t, tc)
	assert.Equal(t, 4, tc.WriteQueueNums)
	assert.False(t, protocol.IsInherited(tc.Perm))

	// Logical offsets advance per queue.
	resp = f.processor.ProcessSendMessage(context.Background(),
		sendRequest("FreshTopic", 0, []byte("hello again")))
	require.Equal(t, protocol.CodeSuccess, resp.Code)
	assert.Equal(t, int64(1), resp.Send.QueueOffset)

	assert.Equal(t, uint64(2), f.stats.GetPutMessagesTotal())
	assert.Equal(t, uint64(1), f.stats.GetTopicsCreated())
}

func TestProcessSendMessageRandomQueueWhenNegative(t *testing.T) {
	f := newProcessorFixture(t, nil)

	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("FreshTopic", -1, []byte("hello")))
	require.Equal(t, protocol.CodeSuccess, resp.Code, resp.Remark)
	assert.GreaterOrEqual(t, resp.Send.QueueID, 0)
	assert.Less(t, resp.Send.QueueID, 4)
}

func TestProcessSendMessageTopicNotExist(t *testing.T) {
	f := newProcessorFixture(t, func(cfg *config.BrokerConfig) {
		cfg.AutoCreateTopicEnable = false
	})

	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("FreshTopic", 0, []byte("hello")))
	assert.Equal(t, protocol.CodeTopicNotExist, resp.Code)
	assert.Contains(t, resp.Remark, "apply first")
}

func TestProcessSendMessageReservedTopic(t *testing.T) {
	f := newProcessorFixture(t, nil)

	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest(DefaultTopic, 0, []byte("hello")))
	assert.Equal(t, protocol.CodeSystemError, resp.Code)
	assert.Contains(t, resp.Remark, "reserved")
}

func TestProcessSendMessageQueueOutOfRange(t *testing.T) {
	f := newProcessorFixture(t, nil)

	require.Equal(t, protocol.CodeSuccess, f.processor.ProcessSendMessage(
		context.Background(), sendRequest("FreshTopic", 0, []byte("x"))).Code)

	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("FreshTopic", 99, []byte("x")))
	assert.Equal(t, protocol.CodeSystemError, resp.Code)
	assert.Contains(t, resp.Remark, "illegal")
}

func TestProcessSendMessageBrokerNotWriteable(t *testing.T) {
	f := newProcessorFixture(t, func(cfg *config.BrokerConfig) {
		cfg.Permission = protocol.PermRead
	})

	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("FreshTopic", 0, []byte("x")))
	assert.Equal(t, protocol.CodeNoPermission, resp.Code)
}

func TestProcessSendMessageRejectsTransactions(t *testing.T) {
	f := newProcessorFixture(t, func(cfg *config.BrokerConfig) {
		cfg.RejectTransactionMessage = true
	})

	req := sendRequest("FreshTopic", 0, []byte("x"))
	req.Header.SysFlag = protocol.ResetTransactionValue(0, protocol.TransactionPreparedType)

	resp := f.processor.ProcessSendMessage(context.Background(), req)
	assert.Equal(t, protocol.CodeNoPermission, resp.Code)
	assert.Contains(t, resp.Remark, "transaction")
}

func TestPutStatusCodeMapping(t *testing.T) {
	f := newProcessorFixture(t, nil)
	// Create the topic while the store still accepts writes.
	require.Equal(t, protocol.CodeSuccess, f.processor.ProcessSendMessage(
		context.Background(), sendRequest("MappedTopic", 0, []byte("x"))).Code)

	cases := []struct {
		status storage.PutStatus
		code   protocol.ResponseCode
	}{
		{storage.FlushDiskTimeout, protocol.CodeFlushDiskTimeout},
		{storage.FlushSlaveTimeout, protocol.CodeFlushSlaveTimeout},
		{storage.SlaveNotAvailable, protocol.CodeSlaveNotAvailable},
		{storage.CreateMappedFileFailed, protocol.CodeSystemError},
		{storage.MessageIllegal, protocol.CodeMessageIllegal},
		{storage.PropertiesSizeExceeded, protocol.CodeMessageIllegal},
		{storage.ServiceNotAvailable, protocol.CodeServiceNotAvailable},
		{storage.UnknownError, protocol.CodeSystemError},
	}

	for _, tc := range cases {
		f.store.ForcedStatus = tc.status
		resp := f.processor.ProcessSendMessage(context.Background(),
			sendRequest("MappedTopic", 0, []byte("x")))
		assert.Equal(t, tc.code, resp.Code, tc.status.String())
	}

	// Degraded flush statuses still carry placement: the message was stored.
	f.store.ForcedStatus = storage.FlushDiskTimeout
	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("MappedTopic", 0, []byte("x")))
	assert.NotNil(t, resp.Send)

	f.store.ForcedStatus = storage.ServiceNotAvailable
	resp = f.processor.ProcessSendMessage(context.Background(),
		sendRequest("MappedTopic", 0, []byte("x")))
	assert.Nil(t, resp.Send)
	assert.Contains(t, resp.Remark, "service not available")
}

func TestProcessSendMessageRateLimited(t *testing.T) {
	limiter := ratelimit.NewGroupRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	f := newProcessorFixture(t, nil)
	f.processor.limiter = limiter

	first := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("FreshTopic", 0, []byte("x")))
	require.Equal(t, protocol.CodeSuccess, first.Code)

	second := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("FreshTopic", 0, []byte("x")))
	assert.Equal(t, protocol.CodeSystemError, second.Code)
	assert.Contains(t, second.Remark, "too fast")
}

func storeMessage(t *testing.T, f *processorFixture, topic string,
	body []byte, reconsumeTimes int) (msgID string, offset int64) {

	t.Helper()
	req := sendRequest(topic, 0, body)
	req.Header.ReconsumeTimes = reconsumeTimes
	resp := f.processor.ProcessSendMessage(context.Background(), req)
	require.Equal(t, protocol.CodeSuccess, resp.Code, resp.Remark)

	id, err := message.DecodeMessageID(resp.Send.MsgID)
	require.NoError(t, err)
	return resp.Send.MsgID, id.Offset
}

func TestConsumerSendMsgBackRequeuesWithEscalatedDelay(t *testing.T) {
	f := newProcessorFixture(t, nil)
	msgID, offset := storeMessage(t, f, "OrdersTopic", []byte("hello"), 0)

	resp := f.processor.ProcessConsumerSendMsgBack(context.Background(),
		&protocol.ConsumerSendMsgBackRequestHeader{
			Offset:     offset,
			Group:      "orders_consumer",
			DelayLevel: 0,
		})
	require.Equal(t, protocol.CodeSuccess, resp.Code, resp.Remark)

	retryTopic := message.RetryTopic("orders_consumer")
	tc := f.topics.SelectTopicConfig(retryTopic)
	require.NotNil(t, tc)
	assert.Equal(t, 1, tc.WriteQueueNums)

	// The requeued copy is appended right after the original record.
	requeued := f.store.LookMessageByOffset(offset + 69)
	require.NotNil(t, requeued)
	assert.Equal(t, retryTopic, requeued.Topic)
	assert.Equal(t, 1, requeued.ReconsumeTimes)
	assert.Equal(t, 3, requeued.GetDelayTimeLevel())
	assert.Equal(t, "OrdersTopic", requeued.GetProperty(message.PropertyRetryTopic))
	assert.Equal(t, msgID, requeued.OriginMessageID())

	assert.Equal(t, uint64(1), f.stats.GetSendBacksTotal())
	assert.Equal(t, uint64(0), f.stats.GetDeadLettersTotal())
}

func TestConsumerSendMsgBackDelayEscalatesWithReconsumeTimes(t *testing.T) {
	f := newProcessorFixture(t, nil)
	_, offset := storeMessage(t, f, "OrdersTopic", []byte("hello"), 5)

	resp := f.processor.ProcessConsumerSendMsgBack(context.Background(),
		&protocol.ConsumerSendMsgBackRequestHeader{
			Offset:     offset,
			Group:      "orders_consumer",
			DelayLevel: 0,
		})
	require.Equal(t, protocol.CodeSuccess, resp.Code, resp.Remark)

	requeued := f.store.LookMessageByOffset(offset + 69)
	require.NotNil(t, requeued)
	assert.Equal(t, 8, requeued.GetDelayTimeLevel())
	assert.Equal(t, 6, requeued.ReconsumeTimes)
}

func TestConsumerSendMsgBackDeadLettersExhaustedMessage(t *testing.T) {
	f := newProcessorFixture(t, nil)
	groupCfg := f.groups.FindSubscriptionGroupConfig("orders_consumer")
	require.NotNil(t, groupCfg)

	_, offset := storeMessage(t, f, "OrdersTopic", []byte("hello"),
		groupCfg.RetryMaxTimes)

	resp := f.processor.ProcessConsumerSendMsgBack(context.Background(),
		&protocol.ConsumerSendMsgBackRequestHeader{
			Offset:     offset,
			Group:      "orders_consumer",
			DelayLevel: 0,
		})
	require.Equal(t, protocol.CodeSuccess, resp.Code, resp.Remark)

	dlqTopic := message.DLQTopic("orders_consumer")
	tc := f.topics.SelectTopicConfig(dlqTopic)
	require.NotNil(t, tc)
	assert.Equal(t, protocol.PermWrite, tc.Perm)
	assert.Equal(t, uint64(1), f.stats.GetDeadLettersTotal())
}

func TestConsumerSendMsgBackNegativeDelayGoesToDLQ(t *testing.T) {
	f := newProcessorFixture(t, nil)
	_, offset := storeMessage(t, f, "OrdersTopic", []byte("hello"), 0)

	resp := f.processor.ProcessConsumerSendMsgBack(context.Background(),
		&protocol.ConsumerSendMsgBackRequestHeader{
			Offset:     offset,
			Group:      "orders_consumer",
			DelayLevel: -1,
		})
	require.Equal(t, protocol.CodeSuccess, resp.Code, resp.Remark)

	require.NotNil(t, f.topics.SelectTopicConfig(message.DLQTopic("orders_consumer")))
	assert.Equal(t, uint64(1), f.stats.GetDeadLettersTotal())
}

func TestConsumerSendMsgBackUnknownGroup(t *testing.T) {
	f := newProcessorFixture(t, nil)
	f.groups.autoCreate = false

	resp := f.processor.ProcessConsumerSendMsgBack(context.Background(),
		&protocol.ConsumerSendMsgBackRequestHeader{Group: "ghost_group"})
	assert.Equal(t, protocol.CodeSubscriptionGroupNotExist, resp.Code)
}

func TestConsumerSendMsgBackRetryDisabled(t *testing.T) {
	f := newProcessorFixture(t, nil)
	cfg := NewSubscriptionGroupConfig("no_retry_group")
	cfg.RetryQueueNums = 0
	f.groups.UpdateSubscriptionGroupConfig(cfg)

	resp := f.processor.ProcessConsumerSendMsgBack(context.Background(),
		&protocol.ConsumerSendMsgBackRequestHeader{Group: "no_retry_group"})
	assert.Equal(t, protocol.CodeSuccess, resp.Code)
}

func TestConsumerSendMsgBackOffsetMiss(t *testing.T) {
	f := newProcessorFixture(t, nil)

	resp := f.processor.ProcessConsumerSendMsgBack(context.Background(),
		&protocol.ConsumerSendMsgBackRequestHeader{
			Offset: 123456,
			Group:  "orders_consumer",
		})
	assert.Equal(t, protocol.CodeSystemError, resp.Code)
	assert.Contains(t, resp.Remark, "look message by offset failed")
}

func TestSendMessageHooksObserveOutcome(t *testing.T) {
	f := newProcessorFixture(t, nil)

	var before, after []string
	f.processor.RegisterSendMessageHook(testSendHook{
		before: func(ctx *SendMessageContext) { before = append(before, ctx.Topic) },
		after: func(ctx *SendMessageContext) {
			after = append(after, ctx.Topic+"/"+strconv.Itoa(int(ctx.Code)))
			assert.NotEmpty(t, ctx.MsgID)
		},
	})

	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("HookedTopic", 0, []byte("x")))
	require.Equal(t, protocol.CodeSuccess, resp.Code)

	assert.Equal(t, []string{"HookedTopic"}, before)
	assert.Equal(t, []string{"HookedTopic/0"}, after)
}

type testSendHook struct {
	before func(*SendMessageContext)
	after  func(*SendMessageContext)
}

func (h testSendHook) Name() string                              { return "test-hook" }
func (h testSendHook) SendMessageBefore(ctx *SendMessageContext) { h.before(ctx) }
func (h testSendHook) SendMessageAfter(ctx *SendMessageContext)  { h.after(ctx) }

func TestProcessSendMessageZeroWriteQueueTopic(t *testing.T) {
	f := newProcessorFixture(t, nil)

	tc := NewTopicConfig("NarrowTopic")
	tc.WriteQueueNums = 0
	tc.ReadQueueNums = 1
	f.topics.UpdateTopicConfig(tc)

	// The negative sentinel asks the broker to pick a queue; with no write
	// queues there is nothing to pick and the send must be declined.
	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("NarrowTopic", -1, []byte("hello")))
	assert.Equal(t, protocol.CodeSystemError, resp.Code)
	assert.Contains(t, resp.Remark, "no write queues")

	resp = f.processor.ProcessSendMessage(context.Background(),
		sendRequest("NarrowTopic", 0, []byte("hello")))
	assert.Equal(t, protocol.CodeSystemError, resp.Code)
}

func TestHighSpeedModeSkipsSendCounters(t *testing.T) {
	f := newProcessorFixture(t, func(cfg *config.BrokerConfig) {
		cfg.HighSpeedMode = true
	})
	m, err := NewMetrics()
	require.NoError(t, err)
	f.processor.metrics = m

	resp := f.processor.ProcessSendMessage(context.Background(),
		sendRequest("FreshTopic", 0, []byte("hello")))
	require.Equal(t, protocol.CodeSuccess, resp.Code, resp.Remark)

	assert.Zero(t, f.stats.GetPutMessagesTotal())
	assert.Zero(t, f.stats.GetTopicsCreated())
}
