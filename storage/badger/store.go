// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed MessageStore. Records are keyed
// by commit-log offset, with per-queue logical offset counters kept in a
// separate key space.
package badger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/storage"
)

var _ storage.MessageStore = (*Store)(nil)

// Key format:
//   - Commit log record: log:msg:{offset}
//   - Queue offset counter: log:qoff:{topic}:{queueId}
//   - Next commit-log offset: log:tail
const (
	msgKeyPrefix  = "log:msg:"
	qoffKeyPrefix = "log:qoff:"
	tailKey       = "log:tail"
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir string

	// SyncWrites fsyncs on every append. Off by default; the protocol's
	// FLUSH_DISK_TIMEOUT advisory covers the gap.
	SyncWrites bool
}

// Store is the BadgerDB commit log.
type Store struct {
	db        *badger.DB
	storeHost string

	mu         sync.Mutex
	nextOffset int64
	closed     bool

	gcStopCh chan struct{}
	gcDone   chan struct{}
}

// New opens or creates a BadgerDB store under cfg.Dir.
func New(cfg Config, storeHost string) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	s := &Store{
		db:        db,
		storeHost: storeHost,
		gcStopCh:  make(chan struct{}),
		gcDone:    make(chan struct{}),
	}

	if err := s.loadTail(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover commit log tail: %w", err)
	}

	go s.runGC()

	return s, nil
}

func (s *Store) loadTail() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tailKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				s.nextOffset = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
}

// PutMessage appends one message. Offset assignment is serialized under the
// store mutex so logical queue offsets stay dense.
func (s *Store) PutMessage(msg *message.MessageExt) *storage.PutResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &storage.PutResult{Status: storage.ServiceNotAvailable}
	}
	if len(msg.Body) == 0 || len(msg.Body) > storage.MaxBodySize {
		return &storage.PutResult{Status: storage.MessageIllegal}
	}
	propsLen := len(message.PropertiesToString(msg.Properties))
	if propsLen > storage.MaxPropertiesSize {
		return &storage.PutResult{Status: storage.PropertiesSizeExceeded}
	}

	wroteBytes := int64(len(msg.Body) + propsLen + 64)
	offset := s.nextOffset

	stored := *msg
	stored.CommitLogOffset = offset
	stored.StoreTimestamp = time.Now().UnixMilli()
	stored.StoreHost = s.storeHost
	stored.StoreSize = int(wroteBytes)
	stored.MsgID = message.CreateMessageID(s.storeHost, offset)

	var queueOffset int64
	err := s.db.Update(func(txn *badger.Txn) error {
		qk := []byte(fmt.Sprintf("%s%s:%d", qoffKeyPrefix, msg.Topic, msg.QueueID))
		item, err := txn.Get(qk)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			queueOffset = 0
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					queueOffset = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			}); err != nil {
				return err
			}
		}
		stored.QueueOffset = queueOffset

		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		if err := txn.Set(offsetKey(offset), data); err != nil {
			return err
		}
		if err := txn.Set(qk, encodeUint64(uint64(queueOffset+1))); err != nil {
			return err
		}
		return txn.Set([]byte(tailKey), encodeUint64(uint64(offset+wroteBytes)))
	})
	if err != nil {
		slog.Error("badger put failed", "topic", msg.Topic, "error", err)
		if errors.Is(err, badger.ErrDiscardedTxn) || errors.Is(err, badger.ErrDBClosed) {
			return &storage.PutResult{Status: storage.ServiceNotAvailable}
		}
		return &storage.PutResult{Status: storage.UnknownError}
	}

	s.nextOffset = offset + wroteBytes

	return &storage.PutResult{
		Status:      storage.PutOK,
		MsgID:       stored.MsgID,
		QueueOffset: queueOffset,
		WroteOffset: offset,
		WroteBytes:  wroteBytes,
	}
}

// LookMessageByOffset re-reads a stored message, nil when the offset is unknown.
func (s *Store) LookMessageByOffset(offset int64) *message.MessageExt {
	var msg *message.MessageExt

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(offsetKey(offset))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			msg = &message.MessageExt{}
			return json.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil
	}
	return msg
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs Badger's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil &&
				!errors.Is(err, badger.ErrNoRewrite) {
				slog.Debug("badger value log GC", "error", err)
			}
		case <-s.gcStopCh:
			return
		}
	}
}

func offsetKey(offset int64) []byte {
	key := make([]byte, len(msgKeyPrefix)+8)
	copy(key, msgKeyPrefix)
	binary.BigEndian.PutUint64(key[len(msgKeyPrefix):], uint64(offset))
	return key
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
