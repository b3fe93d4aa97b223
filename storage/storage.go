// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"

	"github.com/cdma/rocketmq-commet/message"
)

// Limits enforced by every store implementation before appending.
const (
	MaxBodySize       = 1024 * 128
	MaxPropertiesSize = 1024 * 32
)

// ErrStoreClosed is returned once Close has been called.
var ErrStoreClosed = errors.New("message store is closed")

// PutStatus is the outcome class of a single append.
type PutStatus int

const (
	PutOK PutStatus = iota
	FlushDiskTimeout
	FlushSlaveTimeout
	SlaveNotAvailable
	ServiceNotAvailable
	CreateMappedFileFailed
	MessageIllegal
	PropertiesSizeExceeded
	UnknownError
)

func (s PutStatus) String() string {
	switch s {
	case PutOK:
		return "PUT_OK"
	case FlushDiskTimeout:
		return "FLUSH_DISK_TIMEOUT"
	case FlushSlaveTimeout:
		return "FLUSH_SLAVE_TIMEOUT"
	case SlaveNotAvailable:
		return "SLAVE_NOT_AVAILABLE"
	case ServiceNotAvailable:
		return "SERVICE_NOT_AVAILABLE"
	case CreateMappedFileFailed:
		return "CREATE_MAPPED_FILE_FAILED"
	case MessageIllegal:
		return "MESSAGE_ILLEGAL"
	case PropertiesSizeExceeded:
		return "PROPERTIES_SIZE_EXCEEDED"
	case UnknownError:
		return "UNKNOWN_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// IsSendOK reports whether the append reached the log. The three degraded
// variants still wrote the data; only the flush/replication advisory differs.
func (s PutStatus) IsSendOK() bool {
	switch s {
	case PutOK, FlushDiskTimeout, FlushSlaveTimeout, SlaveNotAvailable:
		return true
	default:
		return false
	}
}

// PutResult describes one append outcome.
type PutResult struct {
	Status      PutStatus
	MsgID       string
	QueueOffset int64
	WroteOffset int64
	WroteBytes  int64
}

// MessageStore is the durable log consumed by the send processor. The engine
// itself (flush policy, segment layout, disk-full detection) lives behind it.
type MessageStore interface {
	// PutMessage appends one message and assigns its commit-log offset,
	// logical queue offset, and message id.
	PutMessage(msg *message.MessageExt) *PutResult

	// LookMessageByOffset re-reads a stored message by commit-log offset.
	// Returns nil when the offset does not resolve to a message.
	LookMessageByOffset(offset int64) *message.MessageExt

	Close() error
}
