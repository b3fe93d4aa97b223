// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"strconv"
)

// Reserved property keys. These travel inside the message property map and
// drive pipeline behavior on both producer and broker side.
const (
	PropertyKeys                = "KEYS"
	PropertyTags                = "TAGS"
	PropertyWaitStoreMsgOK      = "WAIT"
	PropertyDelayTimeLevel      = "DELAY"
	PropertyRetryTopic          = "RETRY_TOPIC"
	PropertyRealTopic           = "REAL_TOPIC"
	PropertyRealQueueID         = "REAL_QID"
	PropertyTransactionPrepared = "TRAN_MSG"
	PropertyProducerGroup       = "PGROUP"
	PropertyMinOffset           = "MIN_OFFSET"
	PropertyMaxOffset           = "MAX_OFFSET"
	PropertyOriginMessageID     = "ORIGIN_MESSAGE_ID"
	PropertyReconsumeTime       = "RECONSUME_TIME"
	PropertyTransactionID       = "__transactionId__"
	PropertyUniqueClientMsgKey  = "UNIQ_KEY"
)

// Topic namespaces for the broker-local requeue conventions.
const (
	RetryGroupTopicPrefix = "%RETRY%"
	DLQGroupTopicPrefix   = "%DLQ%"
)

// RetryTopic names the per-group topic holding messages awaiting redelivery.
func RetryTopic(group string) string {
	return RetryGroupTopicPrefix + group
}

// DLQTopic names the per-group dead-letter topic.
func DLQTopic(group string) string {
	return DLQGroupTopicPrefix + group
}

// Message is the producer-facing envelope. Properties are mutated in place by
// the send pipeline before serialization; ownership is exclusive to the
// sending goroutine for the duration of one attempt.
type Message struct {
	Topic      string
	Flag       int
	Body       []byte
	Properties map[string]string
}

// New builds a message with an initialized property map.
func New(topic string, body []byte) *Message {
	return &Message{
		Topic:      topic,
		Body:       body,
		Properties: make(map[string]string),
	}
}

// PutProperty sets a property, allocating the map on first use.
func (m *Message) PutProperty(name, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[name] = value
}

// GetProperty returns the property value or "" when absent.
func (m *Message) GetProperty(name string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[name]
}

// ClearProperty removes a property.
func (m *Message) ClearProperty(name string) {
	delete(m.Properties, name)
}

// SetTags sets the tag used for broker-side filtering.
func (m *Message) SetTags(tags string) {
	m.PutProperty(PropertyTags, tags)
}

// GetTags returns the message tag, "" when untagged.
func (m *Message) GetTags() string {
	return m.GetProperty(PropertyTags)
}

// SetKeys sets the business keys used for message lookup.
func (m *Message) SetKeys(keys string) {
	m.PutProperty(PropertyKeys, keys)
}

// SetDelayTimeLevel schedules delayed delivery on one of the broker's fixed
// backoff levels.
func (m *Message) SetDelayTimeLevel(level int) {
	m.PutProperty(PropertyDelayTimeLevel, strconv.Itoa(level))
}

// GetDelayTimeLevel returns the delay level, 0 when unscheduled.
func (m *Message) GetDelayTimeLevel() int {
	v := m.GetProperty(PropertyDelayTimeLevel)
	if v == "" {
		return 0
	}
	level, _ := strconv.Atoi(v)
	return level
}

// SetWaitStoreMsgOK controls whether the broker waits for the flush policy
// before acknowledging.
func (m *Message) SetWaitStoreMsgOK(wait bool) {
	m.PutProperty(PropertyWaitStoreMsgOK, strconv.FormatBool(wait))
}

// IsWaitStoreMsgOK defaults to true when the property is unset.
func (m *Message) IsWaitStoreMsgOK() bool {
	v := m.GetProperty(PropertyWaitStoreMsgOK)
	if v == "" {
		return true
	}
	ok, _ := strconv.ParseBool(v)
	return ok
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{topic=%s, flag=%d, bodyLen=%d, properties=%v}",
		m.Topic, m.Flag, len(m.Body), m.Properties)
}
