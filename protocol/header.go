// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// SendMessageRequestHeader carries the per-send metadata alongside the body.
// DefaultTopic and DefaultTopicQueueNums let the broker auto-create the
// target topic from its default template on first send.
type SendMessageRequestHeader struct {
	ProducerGroup         string
	Topic                 string
	DefaultTopic          string
	DefaultTopicQueueNums int
	QueueID               int
	SysFlag               int
	BornTimestamp         int64
	Flag                  int
	Properties            string
	ReconsumeTimes        int
	UnitMode              bool
}

// SendMessageResponseHeader is the broker's answer to a successful store.
type SendMessageResponseHeader struct {
	MsgID       string
	QueueID     int
	QueueOffset int64
}

// ConsumerSendMsgBackRequestHeader is sent by a consumer that failed to
// process a message and wants it redelivered later.
type ConsumerSendMsgBackRequestHeader struct {
	Offset      int64
	Group       string
	DelayLevel  int
	OriginMsgID string
	OriginTopic string
	UnitMode    bool
}

// EndTransactionRequestHeader resolves a prepared half-message.
type EndTransactionRequestHeader struct {
	ProducerGroup        string
	TranStateTableOffset int64
	CommitLogOffset      int64
	CommitOrRollback     int
	FromTransactionCheck bool
	MsgID                string
	TransactionID        string
}

// CheckTransactionStateRequestHeader is the broker-initiated probe for a
// half-message whose outcome is still unknown.
type CheckTransactionStateRequestHeader struct {
	TranStateTableOffset int64
	CommitLogOffset      int64
	MsgID                string
	TransactionID        string
}

// RemotingResponse is the generic broker reply envelope.
type RemotingResponse struct {
	Code   ResponseCode
	Remark string
	Send   *SendMessageResponseHeader
}
