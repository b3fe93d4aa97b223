// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"strconv"
)

// MessageExt is a stored message as the broker sees it, with the placement
// and accounting fields assigned at store time.
type MessageExt struct {
	Message

	QueueID        int
	StoreSize      int
	QueueOffset    int64
	SysFlag        int
	BornTimestamp  int64
	BornHost       string
	StoreTimestamp int64
	StoreHost      string
	MsgID          string
	CommitLogOffset int64
	ReconsumeTimes int
}

// GetReconsumeTimeProperty reads the producer-stamped reconsume count, or ""
// when the message never went through a retry topic.
func (m *MessageExt) GetReconsumeTimeProperty() string {
	return m.GetProperty(PropertyReconsumeTime)
}

// SetReconsumeTimeProperty stamps the reconsume count as a property so it
// survives a producer-side resend.
func (m *MessageExt) SetReconsumeTimeProperty(times int) {
	m.PutProperty(PropertyReconsumeTime, strconv.Itoa(times))
}

// OriginMessageID returns the id assigned to the very first store of this
// message, before any requeue.
func (m *MessageExt) OriginMessageID() string {
	return m.GetProperty(PropertyOriginMessageID)
}

// SetOriginMessageID records the original id; callers only set it once.
func (m *MessageExt) SetOriginMessageID(id string) {
	m.PutProperty(PropertyOriginMessageID, id)
}

func (m *MessageExt) String() string {
	return fmt.Sprintf("MessageExt{topic=%s, msgId=%s, queueId=%d, queueOffset=%d, reconsumeTimes=%d}",
		m.Topic, m.MsgID, m.QueueID, m.QueueOffset, m.ReconsumeTimes)
}
