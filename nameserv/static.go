// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nameserv

import (
	"context"
	"sync"
)

var (
	_ Directory = (*StaticDirectory)(nil)
	_ Registrar = (*StaticDirectory)(nil)
)

// StaticDirectory is an in-memory directory. It backs the single-process
// broker mode and the tests; registrations become immediately visible to
// lookups.
type StaticDirectory struct {
	mu      sync.RWMutex
	routes  map[string]*RouteData
	brokers map[string]string
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		routes:  make(map[string]*RouteData),
		brokers: make(map[string]string),
	}
}

// SetBroker maps a broker name to an address.
func (d *StaticDirectory) SetBroker(name, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.brokers[name] = addr
}

// SetTopicRoute installs a route snapshot for a topic.
func (d *StaticDirectory) SetTopicRoute(topic string, route *RouteData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[topic] = route
}

func (d *StaticDirectory) LookupRoute(_ context.Context, topic string) (*RouteData, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	route, ok := d.routes[topic]
	if !ok {
		return nil, ErrNoRoute
	}

	// Hand out a deep copy: callers clamp queue counts on the snapshot and
	// must not reach the stored route through shared slices.
	cp := &RouteData{
		OrderTopic: route.OrderTopic,
		Queues:     append([]QueueData(nil), route.Queues...),
		Brokers:    append([]BrokerData(nil), route.Brokers...),
	}
	return cp, nil
}

func (d *StaticDirectory) BrokerAddr(brokerName string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.brokers[brokerName]
}

func (d *StaticDirectory) AddrList() []string {
	return []string{"static://local"}
}

// RegisterBroker merges a broker's topic table into the routes.
func (d *StaticDirectory) RegisterBroker(_ context.Context, reg Registration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.brokers[reg.BrokerName] = reg.Addr

	for topic, qd := range reg.Topics {
		route, ok := d.routes[topic]
		if !ok {
			route = &RouteData{}
			d.routes[topic] = route
		}

		replaced := false
		for i := range route.Queues {
			if route.Queues[i].BrokerName == reg.BrokerName {
				route.Queues[i] = qd
				replaced = true
				break
			}
		}
		if !replaced {
			route.Queues = append(route.Queues, qd)
		}

		found := false
		for i := range route.Brokers {
			if route.Brokers[i].BrokerName == reg.BrokerName {
				route.Brokers[i].Addr = reg.Addr
				found = true
				break
			}
		}
		if !found {
			route.Brokers = append(route.Brokers, BrokerData{
				BrokerName: reg.BrokerName,
				Addr:       reg.Addr,
			})
		}
	}

	return nil
}
