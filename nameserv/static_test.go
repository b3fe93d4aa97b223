// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nameserv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupRouteUnknownTopic(t *testing.T) {
	d := NewStaticDirectory()

	route, err := d.LookupRoute(context.Background(), "NoSuchTopic")
	assert.Nil(t, route)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestSetTopicRouteVisible(t *testing.T) {
	d := NewStaticDirectory()
	d.SetTopicRoute("TestTopic", &RouteData{
		Queues:  []QueueData{{BrokerName: "broker-a", ReadQueueNums: 4, WriteQueueNums: 4, Perm: 6}},
		Brokers: []BrokerData{{BrokerName: "broker-a", Addr: "127.0.0.1:10911"}},
	})

	route, err := d.LookupRoute(context.Background(), "TestTopic")
	require.NoError(t, err)
	require.Len(t, route.Queues, 1)
	assert.Equal(t, "broker-a", route.Queues[0].BrokerName)
}

func TestBrokerAddr(t *testing.T) {
	d := NewStaticDirectory()
	assert.Equal(t, "", d.BrokerAddr("broker-a"))

	d.SetBroker("broker-a", "127.0.0.1:10911")
	assert.Equal(t, "127.0.0.1:10911", d.BrokerAddr("broker-a"))
}

func TestRegisterBrokerCreatesRoute(t *testing.T) {
	d := NewStaticDirectory()

	err := d.RegisterBroker(context.Background(), Registration{
		BrokerName: "broker-a",
		Addr:       "127.0.0.1:10911",
		Topics: map[string]QueueData{
			"TestTopic": {BrokerName: "broker-a", ReadQueueNums: 8, WriteQueueNums: 8, Perm: 6},
		},
	})
	require.NoError(t, err)

	route, err := d.LookupRoute(context.Background(), "TestTopic")
	require.NoError(t, err)
	require.Len(t, route.Queues, 1)
	assert.Equal(t, 8, route.Queues[0].WriteQueueNums)
	require.Len(t, route.Brokers, 1)
	assert.Equal(t, "127.0.0.1:10911", route.Brokers[0].Addr)
	assert.Equal(t, "127.0.0.1:10911", d.BrokerAddr("broker-a"))
}

func TestRegisterBrokerMerges(t *testing.T) {
	d := NewStaticDirectory()
	ctx := context.Background()

	require.NoError(t, d.RegisterBroker(ctx, Registration{
		BrokerName: "broker-a",
		Addr:       "127.0.0.1:10911",
		Topics: map[string]QueueData{
			"TestTopic": {BrokerName: "broker-a", ReadQueueNums: 4, WriteQueueNums: 4, Perm: 6},
		},
	}))
	require.NoError(t, d.RegisterBroker(ctx, Registration{
		BrokerName: "broker-b",
		Addr:       "127.0.0.1:10921",
		Topics: map[string]QueueData{
			"TestTopic": {BrokerName: "broker-b", ReadQueueNums: 4, WriteQueueNums: 4, Perm: 6},
		},
	}))

	route, err := d.LookupRoute(ctx, "TestTopic")
	require.NoError(t, err)
	assert.Len(t, route.Queues, 2)
	assert.Len(t, route.Brokers, 2)

	// Re-registration replaces the existing entries in place.
	require.NoError(t, d.RegisterBroker(ctx, Registration{
		BrokerName: "broker-a",
		Addr:       "127.0.0.1:10912",
		Topics: map[string]QueueData{
			"TestTopic": {BrokerName: "broker-a", ReadQueueNums: 16, WriteQueueNums: 16, Perm: 6},
		},
	}))

	route, err = d.LookupRoute(ctx, "TestTopic")
	require.NoError(t, err)
	require.Len(t, route.Queues, 2)
	require.Len(t, route.Brokers, 2)
	for _, q := range route.Queues {
		if q.BrokerName == "broker-a" {
			assert.Equal(t, 16, q.WriteQueueNums)
		}
	}
	for _, b := range route.Brokers {
		if b.BrokerName == "broker-a" {
			assert.Equal(t, "127.0.0.1:10912", b.Addr)
		}
	}
}

func TestLookupRouteReturnsDeepCopy(t *testing.T) {
	d := NewStaticDirectory()
	d.SetTopicRoute("TestTopic", &RouteData{
		Queues:  []QueueData{{BrokerName: "broker-a", ReadQueueNums: 8, WriteQueueNums: 8, Perm: 6}},
		Brokers: []BrokerData{{BrokerName: "broker-a", Addr: "127.0.0.1:10911"}},
	})

	route, err := d.LookupRoute(context.Background(), "TestTopic")
	require.NoError(t, err)

	// Callers clamp queue counts on their snapshot; the stored route must
	// not move with them.
	route.Queues[0].WriteQueueNums = 1
	route.Queues[0].ReadQueueNums = 1
	route.Brokers[0].Addr = "10.0.0.1:1"

	again, err := d.LookupRoute(context.Background(), "TestTopic")
	require.NoError(t, err)
	assert.Equal(t, 8, again.Queues[0].WriteQueueNums)
	assert.Equal(t, 8, again.Queues[0].ReadQueueNums)
	assert.Equal(t, "127.0.0.1:10911", again.Brokers[0].Addr)
}
