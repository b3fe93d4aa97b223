// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/protocol"
)

type stubHandler struct {
	delay      time.Duration
	sends      []*SendMessageRequest
	sendBacks  []*protocol.ConsumerSendMsgBackRequestHeader
	respond    func(req *SendMessageRequest) *protocol.RemotingResponse
	endHeaders chan *protocol.EndTransactionRequestHeader
}

func (h *stubHandler) ProcessSendMessage(ctx context.Context, req *SendMessageRequest) *protocol.RemotingResponse {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
		}
	}
	h.sends = append(h.sends, req)
	if h.respond != nil {
		return h.respond(req)
	}
	return &protocol.RemotingResponse{Code: protocol.CodeSuccess}
}

func (h *stubHandler) ProcessConsumerSendMsgBack(_ context.Context,
	header *protocol.ConsumerSendMsgBackRequestHeader) *protocol.RemotingResponse {
	h.sendBacks = append(h.sendBacks, header)
	return &protocol.RemotingResponse{Code: protocol.CodeSuccess}
}

// txHandler additionally completes prepared messages.
type txHandler struct {
	stubHandler
}

func (h *txHandler) ProcessEndTransaction(_ context.Context,
	header *protocol.EndTransactionRequestHeader, _ string) *protocol.RemotingResponse {
	h.endHeaders <- header
	return &protocol.RemotingResponse{Code: protocol.CodeSuccess}
}

func TestSyncDispatch(t *testing.T) {
	h := &stubHandler{}
	c := NewLocalClient("192.168.0.1")
	c.Register("127.0.0.1:10911", h)

	msg := message.New("TestTopic", []byte("hello"))
	header := &protocol.SendMessageRequestHeader{Topic: "TestTopic", QueueID: 2}

	resp, err := c.SendMessage(context.Background(), "127.0.0.1:10911", "broker-a",
		msg, header, time.Second, protocol.Sync, nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, protocol.CodeSuccess, resp.Code)

	require.Len(t, h.sends, 1)
	assert.Equal(t, "TestTopic", h.sends[0].Header.Topic)
	assert.Equal(t, 2, h.sends[0].Header.QueueID)
	assert.Equal(t, "192.168.0.1", h.sends[0].BornHost)
}

func TestBodyIsCopied(t *testing.T) {
	h := &stubHandler{}
	c := NewLocalClient("127.0.0.1")
	c.Register("127.0.0.1:10911", h)

	body := []byte("hello")
	msg := message.New("TestTopic", body)
	header := &protocol.SendMessageRequestHeader{Topic: "TestTopic"}

	_, err := c.SendMessage(context.Background(), "127.0.0.1:10911", "broker-a",
		msg, header, time.Second, protocol.Sync, nil)
	require.NoError(t, err)

	// Mutating the caller's slice after the call must not reach the handler.
	body[0] = 'X'
	assert.Equal(t, []byte("hello"), h.sends[0].Body)
}

func TestUnknownAddr(t *testing.T) {
	c := NewLocalClient("127.0.0.1")

	msg := message.New("TestTopic", []byte("hello"))
	header := &protocol.SendMessageRequestHeader{Topic: "TestTopic"}

	_, err := c.SendMessage(context.Background(), "127.0.0.1:10911", "broker-a",
		msg, header, time.Second, protocol.Sync, nil)
	assert.ErrorIs(t, err, ErrBrokerUnreachable)

	_, err = c.SendMsgBack(context.Background(), "127.0.0.1:10911",
		&protocol.ConsumerSendMsgBackRequestHeader{Group: "g"})
	assert.ErrorIs(t, err, ErrBrokerUnreachable)

	err = c.EndTransactionOneway(context.Background(), "127.0.0.1:10911",
		&protocol.EndTransactionRequestHeader{}, "", time.Second)
	assert.ErrorIs(t, err, ErrBrokerUnreachable)
}

func TestSyncTimeout(t *testing.T) {
	h := &stubHandler{delay: time.Second}
	c := NewLocalClient("127.0.0.1")
	c.Register("127.0.0.1:10911", h)

	msg := message.New("TestTopic", []byte("hello"))
	header := &protocol.SendMessageRequestHeader{Topic: "TestTopic"}

	start := time.Now()
	_, err := c.SendMessage(context.Background(), "127.0.0.1:10911", "broker-a",
		msg, header, 50*time.Millisecond, protocol.Sync, nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAsyncDispatch(t *testing.T) {
	h := &stubHandler{}
	c := NewLocalClient("127.0.0.1")
	c.Register("127.0.0.1:10911", h)

	msg := message.New("TestTopic", []byte("hello"))
	header := &protocol.SendMessageRequestHeader{Topic: "TestTopic"}

	got := make(chan *protocol.RemotingResponse, 1)
	resp, err := c.SendMessage(context.Background(), "127.0.0.1:10911", "broker-a",
		msg, header, time.Second, protocol.Async,
		func(response *protocol.RemotingResponse, err error) {
			got <- response
		})
	require.NoError(t, err)
	assert.Nil(t, resp)

	select {
	case resp := <-got:
		assert.Equal(t, protocol.CodeSuccess, resp.Code)
	case <-time.After(time.Second):
		t.Fatal("async callback never fired")
	}
}

func TestOnewayDispatch(t *testing.T) {
	done := make(chan struct{}, 1)
	h := &stubHandler{respond: func(_ *SendMessageRequest) *protocol.RemotingResponse {
		done <- struct{}{}
		return &protocol.RemotingResponse{Code: protocol.CodeSuccess}
	}}
	c := NewLocalClient("127.0.0.1")
	c.Register("127.0.0.1:10911", h)

	msg := message.New("TestTopic", []byte("hello"))
	header := &protocol.SendMessageRequestHeader{Topic: "TestTopic"}

	resp, err := c.SendMessage(context.Background(), "127.0.0.1:10911", "broker-a",
		msg, header, time.Second, protocol.Oneway, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("oneway send never reached the handler")
	}
}

func TestEndTransactionDelivered(t *testing.T) {
	h := &txHandler{}
	h.endHeaders = make(chan *protocol.EndTransactionRequestHeader, 1)
	c := NewLocalClient("127.0.0.1")
	c.Register("127.0.0.1:10911", h)

	err := c.EndTransactionOneway(context.Background(), "127.0.0.1:10911",
		&protocol.EndTransactionRequestHeader{MsgID: "abc", CommitLogOffset: 42}, "", time.Second)
	require.NoError(t, err)

	select {
	case header := <-h.endHeaders:
		assert.Equal(t, int64(42), header.CommitLogOffset)
	case <-time.After(time.Second):
		t.Fatal("end transaction never delivered")
	}
}

func TestEndTransactionDroppedWithoutHandler(t *testing.T) {
	h := &stubHandler{}
	c := NewLocalClient("127.0.0.1")
	c.Register("127.0.0.1:10911", h)

	// The handler does not complete transactions; the notification is
	// silently dropped.
	err := c.EndTransactionOneway(context.Background(), "127.0.0.1:10911",
		&protocol.EndTransactionRequestHeader{MsgID: "abc"}, "", time.Second)
	assert.NoError(t, err)
}

func TestSendMsgBackDispatch(t *testing.T) {
	h := &stubHandler{}
	c := NewLocalClient("127.0.0.1")
	c.Register("127.0.0.1:10911", h)

	resp, err := c.SendMsgBack(context.Background(), "127.0.0.1:10911",
		&protocol.ConsumerSendMsgBackRequestHeader{
			Group:      "please_rename_unique_group_name",
			Offset:     128,
			DelayLevel: 0,
		})
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeSuccess, resp.Code)

	require.Len(t, h.sendBacks, 1)
	assert.Equal(t, int64(128), h.sendBacks[0].Offset)
}
