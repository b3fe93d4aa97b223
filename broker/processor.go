// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/cdma/rocketmq-commet/config"
	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/protocol"
	"github.com/cdma/rocketmq-commet/ratelimit"
	"github.com/cdma/rocketmq-commet/remoting"
	"github.com/cdma/rocketmq-commet/storage"
)

const faqApplyTopic = "https://github.com/cdma/rocketmq-commet/blob/main/docs/faq.md#apply-topic"
const faqSubscriptionNotExist = "https://github.com/cdma/rocketmq-commet/blob/main/docs/faq.md#subscription-group-not-exist"

// Queues a dead-letter topic gets per consumer group.
const dlqNumsPerGroup = 1

// SendProcessor answers producer send requests and consumer requeue
// requests. It implements remoting.SendHandler.
type SendProcessor struct {
	cfg       config.BrokerConfig
	store     storage.MessageStore
	topics    *TopicConfigManager
	groups    *SubscriptionGroupManager
	stats     *Stats
	metrics   *Metrics
	limiter   *ratelimit.GroupRateLimiter
	storeHost string

	// diskUtil feeds the service-not-available remark; replaceable so the
	// storage engine can report real usage.
	diskUtil func() string

	sendHooks []SendMessageHook
}

// NewSendProcessor wires the processor. limiter and metrics may be nil.
func NewSendProcessor(cfg config.BrokerConfig, store storage.MessageStore,
	topics *TopicConfigManager, groups *SubscriptionGroupManager,
	stats *Stats, metrics *Metrics, limiter *ratelimit.GroupRateLimiter,
	storeHost string) *SendProcessor {

	return &SendProcessor{
		cfg:       cfg,
		store:     store,
		topics:    topics,
		groups:    groups,
		stats:     stats,
		metrics:   metrics,
		limiter:   limiter,
		storeHost: storeHost,
		diskUtil:  func() string { return "disk util unknown" },
	}
}

// ProcessSendMessage validates, admits, and stores one producer send,
// creating the target topic on demand.
func (p *SendProcessor) ProcessSendMessage(ctx context.Context,
	req *remoting.SendMessageRequest) *protocol.RemotingResponse {

	header := req.Header
	resp := &protocol.RemotingResponse{}

	if p.limiter != nil && !p.limiter.Allow(header.ProducerGroup) {
		resp.Code = protocol.CodeSystemError
		resp.Remark = fmt.Sprintf("the producer group[%s] is sending too fast, try again later",
			header.ProducerGroup)
		return resp
	}

	if !p.msgCheck(header, resp) {
		return resp
	}

	if protocol.GetTransactionValue(header.SysFlag) == protocol.TransactionPreparedType &&
		p.cfg.RejectTransactionMessage {
		resp.Code = protocol.CodeNoPermission
		resp.Remark = fmt.Sprintf("the broker[%s] sending transaction message is forbidden",
			p.cfg.BrokerIP)
		return resp
	}

	topicConfig := p.topics.SelectTopicConfig(header.Topic)

	queueID := header.QueueID
	if queueID < 0 {
		queueID = rand.Intn(topicConfig.WriteQueueNums)
	}

	sysFlag := header.SysFlag
	if protocol.HasUnitSubFlag(topicConfig.TopicSysFlag) {
		sysFlag |= protocol.FlagMultiTags
	}

	hookCtx := &SendMessageContext{
		ProducerGroup: header.ProducerGroup,
		Topic:         header.Topic,
		QueueID:       queueID,
		BornHost:      req.BornHost,
		BodyLength:    len(req.Body),
		MsgProps:      header.Properties,
	}
	p.executeSendMessageHookBefore(hookCtx)
	defer func() {
		hookCtx.Code = resp.Code
		if resp.Send != nil {
			hookCtx.MsgID = resp.Send.MsgID
		}
		p.executeSendMessageHookAfter(hookCtx)
	}()

	msg := &message.MessageExt{
		Message: message.Message{
			Topic:      header.Topic,
			Flag:       header.Flag,
			Body:       req.Body,
			Properties: message.StringToProperties(header.Properties),
		},
		QueueID:        queueID,
		SysFlag:        sysFlag,
		BornTimestamp:  header.BornTimestamp,
		BornHost:       req.BornHost,
		StoreHost:      p.storeHost,
		ReconsumeTimes: header.ReconsumeTimes,
	}

	begin := time.Now()
	putResult := p.store.PutMessage(msg)
	p.fillPutResponse(resp, putResult, header.Topic, queueID)

	if resp.Code == protocol.CodeSuccess {
		if !p.cfg.HighSpeedMode {
			p.stats.IncrementPut(header.Topic, uint64(len(req.Body)))
		}
		if !p.cfg.HighSpeedMode && p.metrics != nil {
			p.metrics.RecordPut(header.Topic, int64(len(req.Body)),
				float64(time.Since(begin).Microseconds())/1000.0)
		}
	} else {
		if !p.cfg.HighSpeedMode {
			p.stats.IncrementPutFailed()
		}
		if !p.cfg.HighSpeedMode && p.metrics != nil {
			p.metrics.RecordPutFailed(header.Topic, putResult.Status.String())
		}
	}
	return resp
}

// fillPutResponse maps every store status to a response code. The mapping is
// total: an unrecognized status still answers, as a system error.
func (p *SendProcessor) fillPutResponse(resp *protocol.RemotingResponse,
	putResult *storage.PutResult, topic string, queueID int) {

	switch putResult.Status {
	case storage.PutOK:
		resp.Code = protocol.CodeSuccess
	case storage.FlushDiskTimeout:
		resp.Code = protocol.CodeFlushDiskTimeout
	case storage.FlushSlaveTimeout:
		resp.Code = protocol.CodeFlushSlaveTimeout
	case storage.SlaveNotAvailable:
		resp.Code = protocol.CodeSlaveNotAvailable
	case storage.CreateMappedFileFailed:
		resp.Code = protocol.CodeSystemError
		resp.Remark = "create mapped file failed, server is busy or broken."
	case storage.MessageIllegal:
		resp.Code = protocol.CodeMessageIllegal
		resp.Remark = "the message is illegal, maybe msg body or properties length not matched"
	case storage.PropertiesSizeExceeded:
		resp.Code = protocol.CodeMessageIllegal
		resp.Remark = "the message's properties length too long"
	case storage.ServiceNotAvailable:
		resp.Code = protocol.CodeServiceNotAvailable
		resp.Remark = "service not available now, maybe disk full, " + p.diskUtil() +
			", maybe your broker machine memory too small."
	case storage.UnknownError:
		resp.Code = protocol.CodeSystemError
		resp.Remark = "UNKNOWN_ERROR"
	default:
		resp.Code = protocol.CodeSystemError
		resp.Remark = "UNKNOWN_ERROR DEFAULT"
	}

	if putResult.Status.IsSendOK() {
		resp.Send = &protocol.SendMessageResponseHeader{
			MsgID:       putResult.MsgID,
			QueueID:     queueID,
			QueueOffset: putResult.QueueOffset,
		}
	}
}

// msgCheck validates broker permission, topic legality, topic existence
// (creating on demand from the template), and queue id range. Returns false
// with resp filled when the send must be declined.
func (p *SendProcessor) msgCheck(header *protocol.SendMessageRequestHeader,
	resp *protocol.RemotingResponse) bool {

	if !protocol.IsWriteable(p.cfg.Permission) && !isRetryOrDLQTopic(header.Topic) {
		resp.Code = protocol.CodeNoPermission
		resp.Remark = fmt.Sprintf("the broker[%s] sending message is forbidden", p.cfg.BrokerIP)
		return false
	}

	if !p.topics.IsTopicCanSendMessage(header.Topic) {
		resp.Code = protocol.CodeSystemError
		resp.Remark = fmt.Sprintf("the topic[%s] is conflict with system reserved words.",
			header.Topic)
		return false
	}

	if err := message.CheckTopic(header.Topic); err != nil {
		resp.Code = protocol.CodeSystemError
		resp.Remark = err.Error()
		return false
	}

	topicConfig := p.topics.SelectTopicConfig(header.Topic)
	if topicConfig == nil {
		topicSysFlag := 0
		if header.UnitMode {
			if isRetryOrDLQTopic(header.Topic) {
				topicSysFlag = protocol.BuildTopicSysFlag(false, true)
			} else {
				topicSysFlag = protocol.BuildTopicSysFlag(true, false)
			}
		}

		topicConfig = p.topics.CreateTopicInSendMessageMethod(header.Topic,
			header.DefaultTopic, header.ProducerGroup, header.DefaultTopicQueueNums,
			topicSysFlag)

		if topicConfig == nil && isRetryOrDLQTopic(header.Topic) {
			topicConfig = p.topics.CreateTopicInSendBackMethod(header.Topic, 1,
				protocol.PermRead|protocol.PermWrite, topicSysFlag)
		}

		if topicConfig == nil {
			resp.Code = protocol.CodeTopicNotExist
			resp.Remark = fmt.Sprintf("topic[%s] not exist, apply first please! See %s",
				header.Topic, faqApplyTopic)
			return false
		}

		if !p.cfg.HighSpeedMode {
			p.stats.IncrementTopicsCreated()
		}
		if !p.cfg.HighSpeedMode && p.metrics != nil {
			p.metrics.RecordTopicCreated(header.Topic)
		}
	}

	if topicConfig.WriteQueueNums <= 0 {
		resp.Code = protocol.CodeSystemError
		resp.Remark = fmt.Sprintf("the topic[%s] has no write queues, %s producer: %s",
			header.Topic, topicConfig, header.ProducerGroup)
		return false
	}

	maxQueueID := topicConfig.WriteQueueNums
	if topicConfig.ReadQueueNums > maxQueueID {
		maxQueueID = topicConfig.ReadQueueNums
	}
	if header.QueueID >= maxQueueID {
		resp.Code = protocol.CodeSystemError
		resp.Remark = fmt.Sprintf("request queueId[%d] is illegal, %s producer: %s",
			header.QueueID, topicConfig, header.ProducerGroup)
		return false
	}

	if !protocol.IsWriteable(topicConfig.Perm) {
		resp.Code = protocol.CodeNoPermission
		resp.Remark = fmt.Sprintf("the topic[%s] sending message is forbidden", header.Topic)
		return false
	}

	return true
}

// ProcessConsumerSendMsgBack requeues a message a consumer failed to
// process: into the group's retry topic with an escalated delay level, or
// into its dead-letter topic once retries are exhausted.
func (p *SendProcessor) ProcessConsumerSendMsgBack(ctx context.Context,
	header *protocol.ConsumerSendMsgBackRequestHeader) *protocol.RemotingResponse {

	resp := &protocol.RemotingResponse{}

	groupConfig := p.groups.FindSubscriptionGroupConfig(header.Group)
	if groupConfig == nil {
		resp.Code = protocol.CodeSubscriptionGroupNotExist
		resp.Remark = fmt.Sprintf("subscription group not exist, %s See %s",
			header.Group, faqSubscriptionNotExist)
		return resp
	}

	if !protocol.IsWriteable(p.cfg.Permission) {
		resp.Code = protocol.CodeNoPermission
		resp.Remark = fmt.Sprintf("the broker[%s] sending message is forbidden", p.cfg.BrokerIP)
		return resp
	}

	if groupConfig.RetryQueueNums <= 0 {
		resp.Code = protocol.CodeSuccess
		return resp
	}

	newTopic := message.RetryTopic(header.Group)
	queueID := rand.Intn(groupConfig.RetryQueueNums)

	topicSysFlag := 0
	if header.UnitMode {
		topicSysFlag = protocol.BuildTopicSysFlag(false, true)
	}

	topicConfig := p.topics.CreateTopicInSendBackMethod(newTopic,
		groupConfig.RetryQueueNums, protocol.PermRead|protocol.PermWrite, topicSysFlag)
	if topicConfig == nil {
		resp.Code = protocol.CodeSystemError
		resp.Remark = "topic[" + newTopic + "] not exist"
		return resp
	}
	if !protocol.IsWriteable(topicConfig.Perm) {
		resp.Code = protocol.CodeNoPermission
		resp.Remark = fmt.Sprintf("the topic[%s] sending message is forbidden", newTopic)
		return resp
	}

	msgExt := p.store.LookMessageByOffset(header.Offset)
	if msgExt == nil {
		resp.Code = protocol.CodeSystemError
		resp.Remark = "look message by offset failed, " + fmt.Sprint(header.Offset)
		return resp
	}

	// Remember where the message originally lived, once.
	if msgExt.GetProperty(message.PropertyRetryTopic) == "" {
		msgExt.PutProperty(message.PropertyRetryTopic, msgExt.Topic)
	}
	msgExt.SetWaitStoreMsgOK(false)

	delayLevel := header.DelayLevel

	if msgExt.ReconsumeTimes >= groupConfig.RetryMaxTimes || delayLevel < 0 {
		newTopic = message.DLQTopic(header.Group)
		queueID = rand.Intn(dlqNumsPerGroup)

		topicConfig = p.topics.CreateTopicInSendBackMethod(newTopic,
			dlqNumsPerGroup, protocol.PermWrite, 0)
		if topicConfig == nil {
			resp.Code = protocol.CodeSystemError
			resp.Remark = "topic[" + newTopic + "] not exist"
			return resp
		}

		if !p.cfg.HighSpeedMode {
			p.stats.IncrementDeadLetter()
		}
		if !p.cfg.HighSpeedMode && p.metrics != nil {
			p.metrics.RecordDeadLetter(header.Group)
		}
	} else {
		if delayLevel == 0 {
			delayLevel = 3 + msgExt.ReconsumeTimes
		}
		msgExt.SetDelayTimeLevel(delayLevel)
	}

	msgInner := &message.MessageExt{
		Message: message.Message{
			Topic:      newTopic,
			Flag:       msgExt.Flag,
			Body:       msgExt.Body,
			Properties: msgExt.Properties,
		},
		QueueID:        queueID,
		SysFlag:        msgExt.SysFlag,
		BornTimestamp:  msgExt.BornTimestamp,
		BornHost:       msgExt.BornHost,
		StoreHost:      p.storeHost,
		ReconsumeTimes: msgExt.ReconsumeTimes + 1,
	}

	originMsgID := msgExt.OriginMessageID()
	if originMsgID == "" {
		originMsgID = msgExt.MsgID
	}
	msgInner.SetOriginMessageID(originMsgID)

	putResult := p.store.PutMessage(msgInner)
	if putResult.Status == storage.PutOK {
		if !p.cfg.HighSpeedMode {
			p.stats.IncrementSendBack()
		}
		if !p.cfg.HighSpeedMode && p.metrics != nil {
			p.metrics.RecordSendBack(header.Group)
		}
		resp.Code = protocol.CodeSuccess
		return resp
	}

	slog.Warn("put message back to store failed",
		"group", header.Group, "topic", newTopic, "status", putResult.Status)
	resp.Code = protocol.CodeSystemError
	resp.Remark = putResult.Status.String()
	return resp
}

// SetDiskUtil replaces the disk usage reporter in the service-not-available
// remark.
func (p *SendProcessor) SetDiskUtil(fn func() string) {
	if fn != nil {
		p.diskUtil = fn
	}
}

func isRetryOrDLQTopic(topic string) bool {
	return strings.HasPrefix(topic, message.RetryGroupTopicPrefix) ||
		strings.HasPrefix(topic, message.DLQGroupTopicPrefix)
}
