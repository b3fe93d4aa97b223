// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package remoting abstracts the wire transport between producers and
// brokers. The framing and network encoding live behind the Client
// interface; this core only sees typed requests and responses.
package remoting

import (
	"context"
	"errors"
	"time"

	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/protocol"
)

var (
	// ErrBrokerUnreachable reports a transport-level dispatch failure.
	ErrBrokerUnreachable = errors.New("broker unreachable")
	// ErrRequestTimeout reports a sync dispatch that outlived its timeout.
	ErrRequestTimeout = errors.New("request timed out")
)

// SendMessageRequest is one producer send as the broker receives it.
type SendMessageRequest struct {
	Header   *protocol.SendMessageRequestHeader
	Body     []byte
	BornHost string
}

// ResponseCallback delivers an async dispatch outcome on a transport-owned
// goroutine. Exactly one of response and err is set.
type ResponseCallback func(response *protocol.RemotingResponse, err error)

// Client is the producer-side transport handle.
type Client interface {
	// SendMessage dispatches one send attempt. In Sync mode the response is
	// returned directly; in Async mode it arrives on the callback and the
	// returned response is nil; in Oneway mode there is no response at all.
	SendMessage(ctx context.Context, addr, brokerName string, msg *message.Message,
		header *protocol.SendMessageRequestHeader, timeout time.Duration,
		mode protocol.CommunicationMode, callback ResponseCallback) (*protocol.RemotingResponse, error)

	// EndTransactionOneway notifies the broker of a resolved transaction.
	// Fire-and-forget: no response, best-effort delivery.
	EndTransactionOneway(ctx context.Context, addr string,
		header *protocol.EndTransactionRequestHeader, remark string, timeout time.Duration) error
}

// SendHandler is the broker-side request surface the transport dispatches to.
type SendHandler interface {
	ProcessSendMessage(ctx context.Context, req *SendMessageRequest) *protocol.RemotingResponse
	ProcessConsumerSendMsgBack(ctx context.Context,
		header *protocol.ConsumerSendMsgBackRequestHeader) *protocol.RemotingResponse
}

// EndTransactionHandler is implemented by brokers that complete prepared
// messages. Optional: transports drop end-transaction notifications sent to
// handlers without it, matching the protocol's best-effort contract.
type EndTransactionHandler interface {
	ProcessEndTransaction(ctx context.Context,
		header *protocol.EndTransactionRequestHeader, remark string) *protocol.RemotingResponse
}
