// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/protocol"
)

var _ Client = (*LocalClient)(nil)

// LocalClient is an in-process transport: requests are routed straight into
// a registered broker handler. It backs the single-binary deployment and the
// end-to-end tests.
type LocalClient struct {
	mu       sync.RWMutex
	handlers map[string]SendHandler

	bornHost string
}

// NewLocalClient creates an empty in-process transport.
func NewLocalClient(bornHost string) *LocalClient {
	return &LocalClient{
		handlers: make(map[string]SendHandler),
		bornHost: bornHost,
	}
}

// Register binds a broker handler to an address.
func (c *LocalClient) Register(addr string, handler SendHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[addr] = handler
}

func (c *LocalClient) handler(addr string) SendHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[addr]
}

// SendMessage routes one send into the handler registered at addr.
func (c *LocalClient) SendMessage(ctx context.Context, addr, _ string, msg *message.Message,
	header *protocol.SendMessageRequestHeader, timeout time.Duration,
	mode protocol.CommunicationMode, callback ResponseCallback) (*protocol.RemotingResponse, error) {

	handler := c.handler(addr)
	if handler == nil {
		return nil, ErrBrokerUnreachable
	}

	// The handler must not share the caller's body slice: the producer
	// restores its original body after the call returns.
	req := &SendMessageRequest{
		Header:   header,
		Body:     append([]byte(nil), msg.Body...),
		BornHost: c.bornHost,
	}

	switch mode {
	case protocol.Sync:
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan *protocol.RemotingResponse, 1)
		go func() {
			done <- handler.ProcessSendMessage(callCtx, req)
		}()

		select {
		case resp := <-done:
			return resp, nil
		case <-callCtx.Done():
			return nil, ErrRequestTimeout
		}

	case protocol.Async:
		go func() {
			callCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			callback(handler.ProcessSendMessage(callCtx, req), nil)
		}()
		return nil, nil

	case protocol.Oneway:
		go func() {
			callCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			handler.ProcessSendMessage(callCtx, req)
		}()
		return nil, nil
	}

	return nil, ErrBrokerUnreachable
}

// SendMsgBack routes a consumer requeue request, sync only.
func (c *LocalClient) SendMsgBack(ctx context.Context, addr string,
	header *protocol.ConsumerSendMsgBackRequestHeader) (*protocol.RemotingResponse, error) {

	handler := c.handler(addr)
	if handler == nil {
		return nil, ErrBrokerUnreachable
	}
	return handler.ProcessConsumerSendMsgBack(ctx, header), nil
}

// EndTransactionOneway delivers the notification when the target broker
// handles transactions; otherwise it is dropped, which the best-effort
// contract allows.
func (c *LocalClient) EndTransactionOneway(ctx context.Context, addr string,
	header *protocol.EndTransactionRequestHeader, remark string, timeout time.Duration) error {

	handler := c.handler(addr)
	if handler == nil {
		return ErrBrokerUnreachable
	}

	th, ok := handler.(EndTransactionHandler)
	if !ok {
		slog.Debug("end transaction dropped, broker does not handle transactions",
			"addr", addr, "msg_id", header.MsgID)
		return nil
	}

	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		th.ProcessEndTransaction(callCtx, header, remark)
	}()
	return nil
}
