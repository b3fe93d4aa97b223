// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"

	"github.com/cdma/rocketmq-commet/protocol"
)

// SendMessageContext is handed to send-message hooks around every store
// attempt the processor makes. The post-put invocation sees Code and MsgID.
type SendMessageContext struct {
	ProducerGroup string
	Topic         string
	QueueID       int
	BornHost      string
	BodyLength    int
	MsgProps      string

	Code  protocol.ResponseCode
	MsgID string
}

// SendMessageHook observes the broker's send processing. Panics are
// swallowed so instrumentation cannot fail a store.
type SendMessageHook interface {
	Name() string
	SendMessageBefore(ctx *SendMessageContext)
	SendMessageAfter(ctx *SendMessageContext)
}

func (p *SendProcessor) executeSendMessageHookBefore(ctx *SendMessageContext) {
	for _, hook := range p.sendHooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("send message hook panicked", "hook", hook.Name(), "panic", r)
				}
			}()
			hook.SendMessageBefore(ctx)
		}()
	}
}

func (p *SendProcessor) executeSendMessageHookAfter(ctx *SendMessageContext) {
	for _, hook := range p.sendHooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("send message hook panicked", "hook", hook.Name(), "panic", r)
				}
			}()
			hook.SendMessageAfter(ctx)
		}()
	}
}

// RegisterSendMessageHook appends a hook; call before serving traffic.
func (p *SendProcessor) RegisterSendMessageHook(hook SendMessageHook) {
	p.sendHooks = append(p.sendHooks, hook)
	slog.Info("register SendMessageHook", "hook", hook.Name())
}
