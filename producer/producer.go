// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package producer implements the client-side send pipeline: topic route
// resolution, round-robin queue selection with broker failover, bounded
// retries, and the transactional prepare/commit flow.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cdma/rocketmq-commet/config"
	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/nameserv"
	"github.com/cdma/rocketmq-commet/protocol"
	"github.com/cdma/rocketmq-commet/remoting"
)

// Lifecycle states. Start moves Created → Running, passing through
// StartFailed so a panic mid-start leaves the producer unusable rather than
// half-started.
const (
	stateCreated int32 = iota
	stateStartFailed
	stateRunning
	stateShutdown
)

// DefaultTopicKey is the template topic brokers derive auto-created topics
// from. A producer sends it along with every request.
const DefaultTopicKey = "TBW102"

// GroupRegistry tracks producer groups within one process so the same group
// is not started twice.
type GroupRegistry struct {
	mu     sync.Mutex
	groups map[string]struct{}
}

// NewGroupRegistry creates an empty registry, shared across producers.
func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{groups: make(map[string]struct{})}
}

func (r *GroupRegistry) register(group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[group]; exists {
		return false
	}
	r.groups[group] = struct{}{}
	return true
}

func (r *GroupRegistry) unregister(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, group)
}

// Producer is the send pipeline for one producer group.
type Producer struct {
	group      string
	cfg        config.ProducerConfig
	client     remoting.Client
	directory  nameserv.Directory
	registry   *GroupRegistry
	instanceID string
	bornHost   string

	state atomic.Int32

	mu                    sync.RWMutex
	topicPublishInfoTable map[string]*TopicPublishInfo

	sendHooks      []SendHook
	forbiddenHooks []ForbiddenHook
}

// Option customizes a Producer at construction time.
type Option func(*Producer)

// WithGroupRegistry shares a duplicate-group registry across producers.
func WithGroupRegistry(reg *GroupRegistry) Option {
	return func(p *Producer) { p.registry = reg }
}

// WithBornHost overrides the host stamped into send hook contexts.
func WithBornHost(host string) Option {
	return func(p *Producer) { p.bornHost = host }
}

// New creates a producer for the given group. The producer must be started
// before sending.
func New(group string, cfg config.ProducerConfig, client remoting.Client,
	directory nameserv.Directory, opts ...Option) *Producer {

	p := &Producer{
		group:                 group,
		cfg:                   cfg,
		client:                client,
		directory:             directory,
		instanceID:            uuid.NewString(),
		bornHost:              "127.0.0.1",
		topicPublishInfoTable: make(map[string]*TopicPublishInfo),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Group returns the producer group name.
func (p *Producer) Group() string {
	return p.group
}

// Start validates the configuration and moves the producer to Running.
func (p *Producer) Start() error {
	if !p.state.CompareAndSwap(stateCreated, stateStartFailed) {
		return newClientError("The producer service state not OK, maybe started once"+
			suggestTodo(faqClientServiceNotOK), nil)
	}

	if err := message.CheckGroup(p.group); err != nil {
		return newClientError("producer group invalid", err)
	}

	if p.registry != nil && !p.registry.register(p.group) {
		p.state.Store(stateCreated)
		return newClientError(fmt.Sprintf(
			"The producer group[%s] has been created before, specify another name please.%s",
			p.group, suggestTodo(faqGroupDuplicate)), nil)
	}

	p.mu.Lock()
	p.topicPublishInfoTable[DefaultTopicKey] = &TopicPublishInfo{}
	p.mu.Unlock()

	p.state.Store(stateRunning)
	slog.Info("the producer start OK", "group", p.group, "instance_id", p.instanceID)
	return nil
}

// Shutdown stops the producer; in-flight sends fail with a state error.
func (p *Producer) Shutdown() {
	if p.state.CompareAndSwap(stateRunning, stateShutdown) {
		if p.registry != nil {
			p.registry.unregister(p.group)
		}
		slog.Info("the producer shutdown OK", "group", p.group)
	}
}

func (p *Producer) makeSureStateOK() error {
	if p.state.Load() != stateRunning {
		return newClientError("The producer service state not OK"+
			suggestTodo(faqClientServiceNotOK), nil)
	}
	return nil
}

// Send delivers a message synchronously with the configured timeout.
func (p *Producer) Send(ctx context.Context, msg *message.Message) (*SendResult, error) {
	return p.SendWithTimeout(ctx, msg, p.cfg.SendMsgTimeout)
}

// SendWithTimeout delivers a message synchronously.
func (p *Producer) SendWithTimeout(ctx context.Context, msg *message.Message,
	timeout time.Duration) (*SendResult, error) {
	return p.sendDefault(ctx, msg, protocol.Sync, nil, timeout)
}

// SendAsync dispatches a message and delivers the outcome on the callback.
// Retries do not apply: exactly one attempt is made.
func (p *Producer) SendAsync(ctx context.Context, msg *message.Message, callback SendCallback) error {
	_, err := p.sendDefault(ctx, msg, protocol.Async, callback, p.cfg.SendMsgTimeout)
	return err
}

// SendOneway dispatches a message with no result at all.
func (p *Producer) SendOneway(ctx context.Context, msg *message.Message) error {
	_, err := p.sendDefault(ctx, msg, protocol.Oneway, nil, p.cfg.SendMsgTimeout)
	return err
}

// SendToQueue sends synchronously to one explicit queue, bypassing the
// router.
func (p *Producer) SendToQueue(ctx context.Context, msg *message.Message,
	mq message.Queue) (*SendResult, error) {

	if err := p.makeSureStateOK(); err != nil {
		return nil, err
	}
	if err := message.CheckMessage(msg, p.cfg.MaxMessageSize); err != nil {
		return nil, newClientError("message validation failed", err)
	}
	if msg.Topic != mq.Topic {
		return nil, newClientError("message's topic not equal mq's topic", nil)
	}
	return p.sendKernel(ctx, msg, mq, protocol.Sync, nil, p.cfg.SendMsgTimeout)
}

// QueueSelector picks a queue for one message, for caller-controlled
// partitioning (e.g. ordered topics).
type QueueSelector interface {
	Select(queues []message.Queue, msg *message.Message) message.Queue
}

// SendWithSelector sends synchronously to the queue the selector picks.
func (p *Producer) SendWithSelector(ctx context.Context, msg *message.Message,
	selector QueueSelector) (*SendResult, error) {

	if err := p.makeSureStateOK(); err != nil {
		return nil, err
	}
	if err := message.CheckMessage(msg, p.cfg.MaxMessageSize); err != nil {
		return nil, newClientError("message validation failed", err)
	}

	info := p.tryToFindTopicPublishInfo(ctx, msg.Topic)
	if !info.OK() {
		return nil, newClientError("No route info for this topic, "+msg.Topic, nil)
	}

	mq := selector.Select(info.Queues, msg)
	if mq == (message.Queue{}) {
		return nil, newClientError("select message queue return none", nil)
	}
	return p.sendKernel(ctx, msg, mq, protocol.Sync, nil, p.cfg.SendMsgTimeout)
}

// sendDefault runs the full pipeline: state check, validation, route
// resolution, and the bounded retry loop with broker failover.
func (p *Producer) sendDefault(ctx context.Context, msg *message.Message,
	mode protocol.CommunicationMode, callback SendCallback,
	timeout time.Duration) (*SendResult, error) {

	if err := p.makeSureStateOK(); err != nil {
		return nil, err
	}
	if err := message.CheckMessage(msg, p.cfg.MaxMessageSize); err != nil {
		return nil, newClientError("message validation failed", err)
	}

	// Wall-clock budget for the whole loop: the configured timeout plus a
	// one second grace, independent of the per-attempt timeout.
	maxTimeout := p.cfg.SendMsgTimeout + time.Second
	begin := time.Now()

	info := p.tryToFindTopicPublishInfo(ctx, msg.Topic)
	if info.OK() {
		timesTotal := 1
		if mode == protocol.Sync {
			timesTotal = 1 + p.cfg.RetryTimesWhenSendFailed
		}

		var (
			mq         message.Queue
			haveMQ     bool
			lastErr    error
			sendResult *SendResult
		)
		brokersSent := make([]string, 0, timesTotal)

		times := 0
		for ; times < timesTotal && time.Since(begin) < maxTimeout; times++ {
			lastBrokerName := ""
			if haveMQ {
				lastBrokerName = mq.BrokerName
			}

			mq = info.SelectOneQueue(lastBrokerName)
			haveMQ = true
			brokersSent = append(brokersSent, mq.BrokerName)

			result, err := p.sendKernel(ctx, msg, mq, mode, p.wrapCallback(callback, mq), timeout)
			if err != nil {
				if brokerErr, ok := asBrokerError(err); ok {
					switch brokerErr.Code {
					case protocol.CodeTopicNotExist,
						protocol.CodeServiceNotAvailable,
						protocol.CodeSystemError,
						protocol.CodeNoPermission,
						protocol.CodeNoBuyerID,
						protocol.CodeNotInCurrentUnit:
						// Retryable decline.
						slog.Warn("send attempt declined by broker, retrying",
							"topic", msg.Topic, "broker", mq.BrokerName, "code", brokerErr.Code)
						lastErr = err
						continue
					default:
						// Non-retryable; a previously obtained usable result
						// still wins.
						if sendResult != nil {
							return sendResult, nil
						}
						return nil, err
					}
				}

				// Transport or client-side failure: retry.
				slog.Warn("send kernel attempt failed",
					"topic", msg.Topic, "broker", mq.BrokerName, "error", err)
				lastErr = err
				continue
			}

			switch mode {
			case protocol.Async, protocol.Oneway:
				return nil, nil
			case protocol.Sync:
				sendResult = result
				if result.Status != SendOK && p.cfg.RetryAnotherBrokerWhenNotStoreOK {
					continue
				}
				return result, nil
			}
		}

		if sendResult != nil {
			return sendResult, nil
		}

		info := fmt.Sprintf("Send [%d] times, still failed, cost [%d]ms, Topic: %s, BrokersSent: %v",
			times, time.Since(begin).Milliseconds(), msg.Topic, brokersSent)
		return nil, newClientError(info+suggestTodo(faqSendMsgFailed), lastErr)
	}

	if len(p.directory.AddrList()) == 0 {
		return nil, newClientError("No name server address, please set it."+
			suggestTodo(faqNameServerAddr), nil)
	}

	return nil, newClientError("No route info of this topic, "+msg.Topic+
		suggestTodo(faqNoRouteInfo), nil)
}

func (p *Producer) wrapCallback(callback SendCallback, mq message.Queue) remoting.ResponseCallback {
	if callback == nil {
		return nil
	}
	return func(resp *protocol.RemotingResponse, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		result, convErr := p.responseToResult(resp, mq)
		if convErr != nil {
			callback(nil, convErr)
			return
		}
		callback(result, nil)
	}
}

// tryToFindTopicPublishInfo serves the cached snapshot, refreshing from the
// directory once on miss, then once more through the default-topic template
// so a broker can auto-create the topic on first send.
func (p *Producer) tryToFindTopicPublishInfo(ctx context.Context, topic string) *TopicPublishInfo {
	p.mu.RLock()
	info := p.topicPublishInfoTable[topic]
	p.mu.RUnlock()

	if info == nil || !info.OK() {
		p.mu.Lock()
		if _, ok := p.topicPublishInfoTable[topic]; !ok {
			p.topicPublishInfoTable[topic] = &TopicPublishInfo{}
		}
		p.mu.Unlock()

		p.updateTopicRouteInfo(ctx, topic, false)

		p.mu.RLock()
		info = p.topicPublishInfoTable[topic]
		p.mu.RUnlock()
	}

	if info.HaveTopicRouterInfo || info.OK() {
		return info
	}

	p.updateTopicRouteInfo(ctx, topic, true)

	p.mu.RLock()
	info = p.topicPublishInfoTable[topic]
	p.mu.RUnlock()
	return info
}

// updateTopicRouteInfo refreshes one topic's snapshot. With useDefault set,
// the default topic's route is fetched instead and its queue counts clamped
// to the producer's default, mirroring what the broker will create.
func (p *Producer) updateTopicRouteInfo(ctx context.Context, topic string, useDefault bool) bool {
	lookupTopic := topic
	if useDefault {
		lookupTopic = DefaultTopicKey
	}

	route, err := p.directory.LookupRoute(ctx, lookupTopic)
	if err != nil {
		slog.Debug("topic route lookup failed",
			"topic", lookupTopic, "error", err)
		return false
	}

	if useDefault {
		for i := range route.Queues {
			if route.Queues[i].WriteQueueNums > p.cfg.DefaultTopicQueueNums {
				route.Queues[i].WriteQueueNums = p.cfg.DefaultTopicQueueNums
				route.Queues[i].ReadQueueNums = p.cfg.DefaultTopicQueueNums
			}
		}
	}

	info := buildTopicPublishInfo(topic, route)

	p.mu.Lock()
	if prev, ok := p.topicPublishInfoTable[topic]; ok && prev != nil {
		info.setCursor(prev.cursor())
	}
	p.topicPublishInfoTable[topic] = info
	p.mu.Unlock()

	slog.Info("topic route updated", "topic", topic, "queues", len(info.Queues))
	return true
}

func asBrokerError(err error) (*BrokerError, bool) {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr, true
	}
	return nil, false
}

// isRetryTopic reports whether a topic is in the broker-local retry
// namespace.
func isRetryTopic(topic string) bool {
	return strings.HasPrefix(topic, message.RetryGroupTopicPrefix)
}
