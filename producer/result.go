// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"fmt"

	"github.com/cdma/rocketmq-commet/message"
)

// SendStatus is the advisory outcome of a successfully stored message. Only
// SendOK means the broker's full flush/replication policy was satisfied.
type SendStatus int

const (
	SendOK SendStatus = iota
	SendFlushDiskTimeout
	SendFlushSlaveTimeout
	SendSlaveNotAvailable
)

func (s SendStatus) String() string {
	switch s {
	case SendOK:
		return "SEND_OK"
	case SendFlushDiskTimeout:
		return "FLUSH_DISK_TIMEOUT"
	case SendFlushSlaveTimeout:
		return "FLUSH_SLAVE_TIMEOUT"
	case SendSlaveNotAvailable:
		return "SLAVE_NOT_AVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// SendResult is the outcome of one accepted send.
type SendResult struct {
	Status        SendStatus
	MsgID         string
	Queue         message.Queue
	QueueOffset   int64
	TransactionID string
}

func (r *SendResult) String() string {
	return fmt.Sprintf("SendResult [sendStatus=%s, msgId=%s, messageQueue=%s, queueOffset=%d]",
		r.Status, r.MsgID, r.Queue, r.QueueOffset)
}

// SendCallback receives the result of an async send on a transport-owned
// goroutine. Exactly one of result and err is set.
type SendCallback func(result *SendResult, err error)

// LocalTransactionState is the caller's verdict on a prepared message.
type LocalTransactionState int

const (
	UnknownTransaction LocalTransactionState = iota
	CommitMessage
	RollbackMessage
)

func (s LocalTransactionState) String() string {
	switch s {
	case CommitMessage:
		return "COMMIT_MESSAGE"
	case RollbackMessage:
		return "ROLLBACK_MESSAGE"
	default:
		return "UNKNOW"
	}
}

// TransactionSendResult extends SendResult with the resolved local state.
type TransactionSendResult struct {
	SendResult
	LocalState LocalTransactionState
}
