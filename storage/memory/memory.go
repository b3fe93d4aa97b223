// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory MessageStore used by tests and the
// single-process broker mode.
package memory

import (
	"sync"
	"time"

	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/storage"
)

// Store keeps the whole commit log in memory. Offsets are assigned the way a
// real log would: a global byte-position counter for the commit log and a
// per-(topic,queue) logical counter.
type Store struct {
	mu sync.Mutex

	nextOffset   int64
	byOffset     map[int64]*message.MessageExt
	queueOffsets map[queueKey]int64
	closed       bool

	// ForcedStatus, when non-OK, is returned by every put. Lets tests drive
	// the degraded and failure branches of the status mapping.
	ForcedStatus storage.PutStatus

	storeHost string
}

type queueKey struct {
	topic   string
	queueID int
}

// New creates an empty in-memory store publishing the given store host into
// assigned message ids.
func New(storeHost string) *Store {
	return &Store{
		byOffset:     make(map[int64]*message.MessageExt),
		queueOffsets: make(map[queueKey]int64),
		storeHost:    storeHost,
	}
}

// PutMessage appends one message, honoring the store's size limits.
func (s *Store) PutMessage(msg *message.MessageExt) *storage.PutResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &storage.PutResult{Status: storage.ServiceNotAvailable}
	}
	if s.ForcedStatus != storage.PutOK {
		return &storage.PutResult{Status: s.ForcedStatus}
	}
	if len(msg.Body) == 0 || len(msg.Body) > storage.MaxBodySize {
		return &storage.PutResult{Status: storage.MessageIllegal}
	}
	if len(message.PropertiesToString(msg.Properties)) > storage.MaxPropertiesSize {
		return &storage.PutResult{Status: storage.PropertiesSizeExceeded}
	}

	wroteBytes := int64(len(msg.Body) + len(message.PropertiesToString(msg.Properties)) + 64)
	offset := s.nextOffset
	s.nextOffset += wroteBytes

	key := queueKey{topic: msg.Topic, queueID: msg.QueueID}
	queueOffset := s.queueOffsets[key]
	s.queueOffsets[key] = queueOffset + 1

	stored := *msg
	stored.CommitLogOffset = offset
	stored.QueueOffset = queueOffset
	stored.StoreTimestamp = time.Now().UnixMilli()
	stored.StoreHost = s.storeHost
	stored.StoreSize = int(wroteBytes)
	stored.MsgID = message.CreateMessageID(s.storeHost, offset)
	stored.Properties = cloneProperties(msg.Properties)
	s.byOffset[offset] = &stored

	return &storage.PutResult{
		Status:      storage.PutOK,
		MsgID:       stored.MsgID,
		QueueOffset: queueOffset,
		WroteOffset: offset,
		WroteBytes:  wroteBytes,
	}
}

// LookMessageByOffset returns a copy of the stored message, nil when absent.
func (s *Store) LookMessageByOffset(offset int64) *message.MessageExt {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byOffset[offset]
	if !ok {
		return nil
	}
	cp := *stored
	cp.Properties = cloneProperties(stored.Properties)
	return &cp
}

// Close marks the store unavailable; later puts fail with ServiceNotAvailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneProperties(props map[string]string) map[string]string {
	cp := make(map[string]string, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return cp
}
