// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nameserv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key layout in etcd:
//   - Broker address: /namesrv/brokers/{brokerName}
//   - Topic route:    /namesrv/topics/{topic}/{brokerName}
const (
	brokersPrefix = "/namesrv/brokers/"
	topicsPrefix  = "/namesrv/topics/"
)

var (
	_ Directory = (*EtcdDirectory)(nil)
	_ Registrar = (*EtcdDirectory)(nil)
)

// EtcdDirectory is the etcd-backed name service. Lookups read live data;
// broker addresses are additionally cached so the producer's per-attempt
// address resolution stays off the network.
type EtcdDirectory struct {
	client    *clientv3.Client
	endpoints []string

	mu        sync.RWMutex
	addrCache map[string]string

	// Registration is best-effort propagation of broker metadata. The
	// breaker keeps a dead directory from back-pressuring topic creation.
	breaker *gobreaker.CircuitBreaker
}

// EtcdConfig configures the directory connection.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// NewEtcdDirectory connects to the etcd name service.
func NewEtcdDirectory(cfg EtcdConfig) (*EtcdDirectory, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoAddr
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	d := &EtcdDirectory{
		client:    client,
		endpoints: cfg.Endpoints,
		addrCache: make(map[string]string),
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "namesrv-register",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("name server circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return d, nil
}

// LookupRoute assembles a topic's route from every broker that announced it.
func (d *EtcdDirectory) LookupRoute(ctx context.Context, topic string) (*RouteData, error) {
	resp, err := d.client.Get(ctx, topicsPrefix+topic+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch topic route: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNoRoute
	}

	route := &RouteData{}
	for _, kv := range resp.Kvs {
		var qd QueueData
		if err := json.Unmarshal(kv.Value, &qd); err != nil {
			slog.Warn("skipping malformed route entry",
				"key", string(kv.Key), "error", err)
			continue
		}
		route.Queues = append(route.Queues, qd)

		addr := d.brokerAddrRemote(ctx, qd.BrokerName)
		if addr != "" {
			route.Brokers = append(route.Brokers, BrokerData{
				BrokerName: qd.BrokerName,
				Addr:       addr,
			})
		}
	}

	if len(route.Queues) == 0 {
		return nil, ErrNoRoute
	}
	return route, nil
}

// BrokerAddr serves from the local cache filled by lookups and registrations.
func (d *EtcdDirectory) BrokerAddr(brokerName string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addrCache[brokerName]
}

// AddrList returns the configured etcd endpoints.
func (d *EtcdDirectory) AddrList() []string {
	return d.endpoints
}

// RegisterBroker announces the broker's topic table. Failures trip the
// breaker and are surfaced to the caller, which treats them as best-effort.
func (d *EtcdDirectory) RegisterBroker(ctx context.Context, reg Registration) error {
	_, err := d.breaker.Execute(func() (any, error) {
		addrData, err := json.Marshal(BrokerData{BrokerName: reg.BrokerName, Addr: reg.Addr})
		if err != nil {
			return nil, err
		}
		if _, err := d.client.Put(ctx, brokersPrefix+reg.BrokerName, string(addrData)); err != nil {
			return nil, err
		}

		for topic, qd := range reg.Topics {
			data, err := json.Marshal(qd)
			if err != nil {
				return nil, err
			}
			key := topicsPrefix + topic + "/" + reg.BrokerName
			if _, err := d.client.Put(ctx, key, string(data)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to register broker %s: %w", reg.BrokerName, err)
	}

	d.mu.Lock()
	d.addrCache[reg.BrokerName] = reg.Addr
	d.mu.Unlock()

	return nil
}

func (d *EtcdDirectory) brokerAddrRemote(ctx context.Context, brokerName string) string {
	d.mu.RLock()
	cached, ok := d.addrCache[brokerName]
	d.mu.RUnlock()
	if ok {
		return cached
	}

	resp, err := d.client.Get(ctx, brokersPrefix+brokerName)
	if err != nil || len(resp.Kvs) == 0 {
		return ""
	}

	var bd BrokerData
	if err := json.Unmarshal(resp.Kvs[0].Value, &bd); err != nil {
		return ""
	}

	d.mu.Lock()
	d.addrCache[brokerName] = bd.Addr
	d.mu.Unlock()

	return bd.Addr
}

// Close releases the etcd client.
func (d *EtcdDirectory) Close() error {
	return d.client.Close()
}
