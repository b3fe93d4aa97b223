// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"fmt"

	"github.com/cdma/rocketmq-commet/protocol"
)

// FAQ references appended to client errors, so an operator landing in the
// logs has somewhere to start.
const (
	faqClientServiceNotOK = "https://github.com/cdma/rocketmq-commet/blob/main/docs/faq.md#client-service-not-ok"
	faqSendMsgFailed      = "https://github.com/cdma/rocketmq-commet/blob/main/docs/faq.md#send-msg-failed"
	faqNoRouteInfo        = "https://github.com/cdma/rocketmq-commet/blob/main/docs/faq.md#no-route-info"
	faqNameServerAddr     = "https://github.com/cdma/rocketmq-commet/blob/main/docs/faq.md#name-server-address"
	faqGroupDuplicate     = "https://github.com/cdma/rocketmq-commet/blob/main/docs/faq.md#group-name-duplicate"
)

func suggestTodo(url string) string {
	return fmt.Sprintf("\nFor more information, please visit the url, %s", url)
}

// ClientError is a producer-side failure: bad state, bad input, or an
// exhausted retry loop. It wraps the last underlying cause when one exists.
type ClientError struct {
	Msg   string
	Cause error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

func newClientError(msg string, cause error) *ClientError {
	return &ClientError{Msg: msg, Cause: cause}
}

// BrokerError is a broker response with a non-success code.
type BrokerError struct {
	Code   protocol.ResponseCode
	Remark string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker response code: %s, remark: %s", e.Code, e.Remark)
}
