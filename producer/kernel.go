// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/protocol"
	"github.com/cdma/rocketmq-commet/remoting"
)

// sendKernel performs exactly one delivery attempt against the broker owning
// mq. The message body may be swapped for a compressed copy for the duration
// of the call; the caller's message is always restored before returning.
func (p *Producer) sendKernel(ctx context.Context, msg *message.Message,
	mq message.Queue, mode protocol.CommunicationMode,
	callback remoting.ResponseCallback, timeout time.Duration) (*SendResult, error) {

	brokerAddr := p.directory.BrokerAddr(mq.BrokerName)
	if brokerAddr == "" {
		p.updateTopicRouteInfo(ctx, mq.Topic, false)
		brokerAddr = p.directory.BrokerAddr(mq.BrokerName)
	}
	if brokerAddr == "" {
		return nil, newClientError("The broker["+mq.BrokerName+"] not exist", nil)
	}
	if p.cfg.SendMessageWithVIPChannel {
		brokerAddr = brokerVIPChannel(brokerAddr)
	}

	prevBody := msg.Body
	defer func() {
		// The caller keeps ownership of the message; compression must not
		// leak out of this attempt.
		msg.Body = prevBody
	}()

	if msg.GetProperty(message.PropertyUniqueClientMsgKey) == "" {
		msg.PutProperty(message.PropertyUniqueClientMsgKey, uuid.NewString())
	}

	sysFlag := 0
	if p.tryToCompressMessage(msg) {
		sysFlag |= protocol.FlagCompressed
	}
	if msg.GetProperty(message.PropertyTransactionPrepared) == "true" {
		sysFlag = protocol.ResetTransactionValue(sysFlag, protocol.TransactionPreparedType)
	}

	if err := p.executeForbiddenHooks(&ForbiddenContext{
		NameservAddrs: p.directory.AddrList(),
		Group:         p.group,
		Mode:          mode,
		BrokerAddr:    brokerAddr,
		Message:       msg,
		Queue:         mq,
	}); err != nil {
		return nil, newClientError("send forbidden", err)
	}

	hookCtx := &SendContext{
		ProducerGroup: p.group,
		Mode:          mode,
		BornHost:      p.bornHost,
		BrokerAddr:    brokerAddr,
		Message:       msg,
		Queue:         mq,
	}
	p.executeSendHooksBefore(hookCtx)
	defer func() {
		p.executeSendHooksAfter(hookCtx)
	}()

	header := &protocol.SendMessageRequestHeader{
		ProducerGroup:         p.group,
		Topic:                 msg.Topic,
		DefaultTopic:          DefaultTopicKey,
		DefaultTopicQueueNums: p.cfg.DefaultTopicQueueNums,
		QueueID:               mq.QueueID,
		SysFlag:               sysFlag,
		BornTimestamp:         time.Now().UnixMilli(),
		Flag:                  msg.Flag,
		Properties:            message.PropertiesToString(msg.Properties),
	}

	// A redelivery send carries its reconsume count in the header, not as a
	// message property.
	if isRetryTopic(msg.Topic) {
		if v := msg.GetProperty(message.PropertyReconsumeTime); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				header.ReconsumeTimes = n
			}
			msg.ClearProperty(message.PropertyReconsumeTime)
			header.Properties = message.PropertiesToString(msg.Properties)
		}
	}

	resp, err := p.client.SendMessage(ctx, brokerAddr, mq.BrokerName, msg,
		header, timeout, mode, callback)
	if err != nil {
		hookCtx.Err = err
		return nil, newClientError("send to broker "+brokerAddr+" failed", err)
	}

	switch mode {
	case protocol.Async, protocol.Oneway:
		return nil, nil
	}

	result, err := p.responseToResult(resp, mq)
	if err != nil {
		hookCtx.Err = err
		return nil, err
	}
	hookCtx.Result = result
	return result, nil
}

// responseToResult maps a broker reply to a SendResult, or to a BrokerError
// for any declining code.
func (p *Producer) responseToResult(resp *protocol.RemotingResponse,
	mq message.Queue) (*SendResult, error) {

	var status SendStatus
	switch resp.Code {
	case protocol.CodeSuccess:
		status = SendOK
	case protocol.CodeFlushDiskTimeout:
		status = SendFlushDiskTimeout
	case protocol.CodeFlushSlaveTimeout:
		status = SendFlushSlaveTimeout
	case protocol.CodeSlaveNotAvailable:
		status = SendSlaveNotAvailable
	default:
		return nil, &BrokerError{Code: resp.Code, Remark: resp.Remark}
	}

	result := &SendResult{Status: status, Queue: mq}
	if resp.Send != nil {
		result.MsgID = resp.Send.MsgID
		result.Queue.QueueID = resp.Send.QueueID
		result.QueueOffset = resp.Send.QueueOffset
	}
	return result, nil
}

// tryToCompressMessage swaps the body for a zstd-compressed copy when it
// exceeds the configured threshold, reporting whether it did.
func (p *Producer) tryToCompressMessage(msg *message.Message) bool {
	if len(msg.Body) < p.cfg.CompressMsgBodyOverHowmuch {
		return false
	}
	msg.Body = message.CompressBody(msg.Body)
	return true
}

// brokerVIPChannel maps a broker address to its fast lane, two ports below
// the public listener.
func brokerVIPChannel(addr string) string {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port-2))
}
