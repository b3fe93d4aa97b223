// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"fmt"
	"regexp"
)

const (
	maxTopicLength = 255
	maxGroupLength = 255
)

var validNamePattern = regexp.MustCompile(`^[%|a-zA-Z0-9_-]+$`)

var (
	ErrTopicEmpty   = errors.New("the specified topic is blank")
	ErrTopicInvalid = errors.New("the specified topic contains illegal characters")
	ErrTopicTooLong = fmt.Errorf("the specified topic is longer than %d", maxTopicLength)
	ErrGroupEmpty   = errors.New("the specified group is blank")
	ErrGroupInvalid = errors.New("the specified group contains illegal characters")
	ErrGroupTooLong = fmt.Errorf("the specified group is longer than %d", maxGroupLength)
	ErrBodyEmpty    = errors.New("the message body is null or empty")
)

// CheckTopic validates a topic name against the protocol naming rules.
func CheckTopic(topic string) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	if len(topic) > maxTopicLength {
		return ErrTopicTooLong
	}
	if !validNamePattern.MatchString(topic) {
		return ErrTopicInvalid
	}
	return nil
}

// CheckGroup validates a producer or consumer group name.
func CheckGroup(group string) error {
	if group == "" {
		return ErrGroupEmpty
	}
	if len(group) > maxGroupLength {
		return ErrGroupTooLong
	}
	if !validNamePattern.MatchString(group) {
		return ErrGroupInvalid
	}
	return nil
}

// CheckMessage validates the whole envelope before any network I/O.
func CheckMessage(msg *Message, maxBodySize int) error {
	if msg == nil {
		return errors.New("the message is nil")
	}
	if err := CheckTopic(msg.Topic); err != nil {
		return err
	}
	if len(msg.Body) == 0 {
		return ErrBodyEmpty
	}
	if len(msg.Body) > maxBodySize {
		return fmt.Errorf("the message body size over max value, max: %d", maxBodySize)
	}
	return nil
}
