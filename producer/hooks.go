// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"log/slog"

	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/protocol"
)

// SendContext is handed to send hooks around every kernel send attempt. The
// post-send invocation sees either Result or Err filled in.
type SendContext struct {
	ProducerGroup string
	Mode          protocol.CommunicationMode
	BornHost      string
	BrokerAddr    string
	Message       *message.Message
	Queue         message.Queue
	Result        *SendResult
	Err           error
}

// SendHook observes send attempts. Hook panics are swallowed: instrumentation
// never affects the delivery outcome.
type SendHook interface {
	Name() string
	SendBefore(ctx *SendContext)
	SendAfter(ctx *SendContext)
}

// ForbiddenContext is handed to forbidden-check hooks before any I/O.
type ForbiddenContext struct {
	NameservAddrs []string
	Group         string
	Mode          protocol.CommunicationMode
	BrokerAddr    string
	Message       *message.Message
	Queue         message.Queue
	UnitMode      bool
}

// ForbiddenHook may veto a send by returning an error. Unlike send hooks,
// its error is propagated: the send fails before any network call.
type ForbiddenHook interface {
	Name() string
	CheckForbidden(ctx *ForbiddenContext) error
}

func (p *Producer) executeSendHooksBefore(ctx *SendContext) {
	for _, hook := range p.sendHooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("send hook panicked", "hook", hook.Name(), "panic", r)
				}
			}()
			hook.SendBefore(ctx)
		}()
	}
}

func (p *Producer) executeSendHooksAfter(ctx *SendContext) {
	for _, hook := range p.sendHooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("send hook panicked", "hook", hook.Name(), "panic", r)
				}
			}()
			hook.SendAfter(ctx)
		}()
	}
}

func (p *Producer) executeForbiddenHooks(ctx *ForbiddenContext) error {
	for _, hook := range p.forbiddenHooks {
		if err := hook.CheckForbidden(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSendHook appends a send hook. Not safe to call concurrently with
// sends; register before Start.
func (p *Producer) RegisterSendHook(hook SendHook) {
	p.sendHooks = append(p.sendHooks, hook)
	slog.Info("register send hook", "hook", hook.Name(), "total", len(p.sendHooks))
}

// RegisterForbiddenHook appends a forbidden-check hook.
func (p *Producer) RegisterForbiddenHook(hook ForbiddenHook) {
	p.forbiddenHooks = append(p.forbiddenHooks, hook)
	slog.Info("register check forbidden hook", "hook", hook.Name(), "total", len(p.forbiddenHooks))
}
