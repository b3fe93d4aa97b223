// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "fmt"

// Queue identifies one ordered partition of a topic on one broker. Queues are
// immutable value objects; they are compared by value everywhere.
type Queue struct {
	Topic      string
	BrokerName string
	QueueID    int
}

func (q Queue) String() string {
	return fmt.Sprintf("MessageQueue [topic=%s, brokerName=%s, queueId=%d]",
		q.Topic, q.BrokerName, q.QueueID)
}
