// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"sync/atomic"

	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/nameserv"
	"github.com/cdma/rocketmq-commet/protocol"
)

// TopicPublishInfo is one topic's routing snapshot: the ordered queue list
// and a shared rotating cursor. Snapshots are replaced wholesale on route
// refresh; the cursor value is carried forward so round-robin fairness
// survives the replacement.
type TopicPublishInfo struct {
	OrderTopic          bool
	HaveTopicRouterInfo bool
	Queues              []message.Queue

	sendWhichQueue atomic.Int64
}

// OK reports whether the snapshot is usable for sending.
func (t *TopicPublishInfo) OK() bool {
	return t != nil && len(t.Queues) > 0
}

// SelectOneQueue picks the next queue round-robin. When lastBrokerName is
// set, the scan skips queues on that broker; if every queue lives there, the
// exclusion is ignored rather than spinning.
func (t *TopicPublishInfo) SelectOneQueue(lastBrokerName string) message.Queue {
	if lastBrokerName == "" {
		index := t.sendWhichQueue.Add(1)
		pos := int(index) % len(t.Queues)
		if pos < 0 {
			pos = -pos
		}
		return t.Queues[pos]
	}

	index := t.sendWhichQueue.Add(1)
	for i := 0; i < len(t.Queues); i++ {
		pos := int(index+int64(i)) % len(t.Queues)
		if pos < 0 {
			pos = -pos
		}
		q := t.Queues[pos]
		if q.BrokerName != lastBrokerName {
			return q
		}
	}

	pos := int(index) % len(t.Queues)
	if pos < 0 {
		pos = -pos
	}
	return t.Queues[pos]
}

// cursor exposes the rotation counter for carry-forward on replacement.
func (t *TopicPublishInfo) cursor() int64 {
	return t.sendWhichQueue.Load()
}

func (t *TopicPublishInfo) setCursor(v int64) {
	t.sendWhichQueue.Store(v)
}

// buildTopicPublishInfo expands route data into the flat queue list, in
// broker order, writable queues only.
func buildTopicPublishInfo(topic string, route *nameserv.RouteData) *TopicPublishInfo {
	info := &TopicPublishInfo{
		OrderTopic:          route.OrderTopic,
		HaveTopicRouterInfo: true,
	}
	for _, qd := range route.Queues {
		if !protocol.IsWriteable(qd.Perm) {
			continue
		}
		for i := 0; i < qd.WriteQueueNums; i++ {
			info.Queues = append(info.Queues, message.Queue{
				Topic:      topic,
				BrokerName: qd.BrokerName,
				QueueID:    i,
			})
		}
	}
	return info
}
