// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nameserv abstracts the topic-route directory. Producers resolve
// topics to queue lists and broker addresses through it; brokers announce
// their topic tables into it.
package nameserv

import (
	"context"
	"errors"

	"github.com/cdma/rocketmq-commet/protocol"
)

var (
	// ErrNoRoute means the directory has no entry for the topic.
	ErrNoRoute = errors.New("no route info of this topic")
	// ErrNoAddr means the directory itself has no reachable endpoints.
	ErrNoAddr = errors.New("no name server address")
)

// QueueData describes the queues one broker hosts for a topic.
type QueueData struct {
	BrokerName     string `json:"brokerName"`
	ReadQueueNums  int    `json:"readQueueNums"`
	WriteQueueNums int    `json:"writeQueueNums"`
	Perm           int    `json:"perm"`
	TopicSysFlag   int    `json:"topicSysFlag"`
}

// BrokerData maps a broker name to its transport address.
type BrokerData struct {
	BrokerName string `json:"brokerName"`
	Addr       string `json:"addr"`
}

// RouteData is one topic's full routing snapshot.
type RouteData struct {
	OrderTopic bool         `json:"orderTopic"`
	Queues     []QueueData  `json:"queues"`
	Brokers    []BrokerData `json:"brokers"`
}

// Directory is the producer-side view of the name service.
type Directory interface {
	// LookupRoute fetches the current route for a topic.
	LookupRoute(ctx context.Context, topic string) (*RouteData, error)

	// BrokerAddr resolves a broker name to its address, "" when unknown.
	BrokerAddr(brokerName string) string

	// AddrList returns the directory endpoints, for diagnostics.
	AddrList() []string
}

// Registration is a broker's announced topic table.
type Registration struct {
	BrokerName  string                  `json:"brokerName"`
	ClusterName string                  `json:"clusterName"`
	Addr        string                  `json:"addr"`
	Topics      map[string]QueueData    `json:"topics"`
	DataVersion protocol.DataVersion    `json:"dataVersion"`
}

// Registrar is the broker-side view: best-effort route announcement.
type Registrar interface {
	RegisterBroker(ctx context.Context, reg Registration) error
}
