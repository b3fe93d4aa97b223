// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cdma/rocketmq-commet/config"
	"github.com/cdma/rocketmq-commet/message"
	"github.com/cdma/rocketmq-commet/protocol"
)

// TransactionExecuter runs the local transaction after the half message has
// been stored, and reports the verdict.
type TransactionExecuter interface {
	ExecuteLocalTransaction(msg *message.Message, arg any) LocalTransactionState
}

// TransactionCheckListener answers broker-initiated state probes for half
// messages whose outcome never arrived.
type TransactionCheckListener interface {
	CheckLocalTransaction(msg *message.MessageExt) LocalTransactionState
}

// TransactionProducer layers the prepare/commit flow on top of a Producer.
// Broker check callbacks run on a bounded worker pool; when the pool's queue
// is full, new check requests are rejected rather than buffered without
// limit.
type TransactionProducer struct {
	*Producer

	cfg      config.TransactionConfig
	listener TransactionCheckListener

	checkCh  chan checkRequest
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

type checkRequest struct {
	addr   string
	msg    *message.MessageExt
	header *protocol.CheckTransactionStateRequestHeader
}

// NewTransactionProducer wraps a producer with transactional send support.
// The listener may be nil when the application never expects check callbacks.
func NewTransactionProducer(p *Producer, cfg config.TransactionConfig,
	listener TransactionCheckListener) *TransactionProducer {

	if cfg.CheckThreadPoolSize <= 0 {
		cfg.CheckThreadPoolSize = 1
	}
	if cfg.CheckRequestHoldMax <= 0 {
		cfg.CheckRequestHoldMax = 2000
	}
	return &TransactionProducer{
		Producer: p,
		cfg:      cfg,
		listener: listener,
		checkCh:  make(chan checkRequest, cfg.CheckRequestHoldMax),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the underlying producer and the check worker pool.
func (t *TransactionProducer) Start() error {
	if err := t.Producer.Start(); err != nil {
		return err
	}
	for i := 0; i < t.cfg.CheckThreadPoolSize; i++ {
		t.wg.Add(1)
		go t.checkWorker()
	}
	return nil
}

// Shutdown stops the check workers, then the producer.
func (t *TransactionProducer) Shutdown() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
	t.Producer.Shutdown()
}

// SendMessageInTransaction stores msg as a prepared half message, runs the
// local transaction, and resolves the half message with the verdict. The
// returned result always carries the final local state; failure to deliver
// the end-transaction notification is logged, not returned, because the
// broker check-back loop will converge on the same outcome.
func (t *TransactionProducer) SendMessageInTransaction(ctx context.Context,
	msg *message.Message, executer TransactionExecuter, arg any) (*TransactionSendResult, error) {

	if executer == nil {
		return nil, newClientError("tranExecuter is null", nil)
	}

	msg.PutProperty(message.PropertyTransactionPrepared, "true")
	msg.PutProperty(message.PropertyProducerGroup, t.group)

	sendResult, err := t.SendWithTimeout(ctx, msg, t.Producer.cfg.SendMsgTimeout)
	if err != nil {
		return nil, err
	}

	localState := UnknownTransaction
	var localErr error

	switch sendResult.Status {
	case SendOK:
		if id := msg.GetProperty(message.PropertyTransactionID); id != "" {
			sendResult.TransactionID = id
		} else if id := msg.GetProperty(message.PropertyUniqueClientMsgKey); id != "" {
			sendResult.TransactionID = id
			msg.PutProperty(message.PropertyTransactionID, id)
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					localErr = fmt.Errorf("executeLocalTransaction panicked: %v", r)
				}
			}()
			localState = executer.ExecuteLocalTransaction(msg, arg)
		}()
		if localErr != nil {
			slog.Info("executeLocalTransaction exception", "error", localErr, "msg", msg)
		}
		if localState != CommitMessage {
			slog.Info("executeLocalTransaction returned non-commit state",
				"state", localState, "topic", msg.Topic)
		}
	default:
		// The half message never made it to durable storage; roll back
		// without consulting the local transaction at all.
		localState = RollbackMessage
	}

	if err := t.endTransaction(ctx, sendResult, localState, localErr); err != nil {
		slog.Warn("local transaction execute "+localState.String()+
			", but end broker transaction failed", "error", err)
	}

	return &TransactionSendResult{
		SendResult: *sendResult,
		LocalState: localState,
	}, nil
}

// endTransaction notifies the broker that owns the half message of the final
// verdict, as a one-way call.
func (t *TransactionProducer) endTransaction(ctx context.Context,
	sendResult *SendResult, state LocalTransactionState, localErr error) error {

	id, err := message.DecodeMessageID(sendResult.MsgID)
	if err != nil {
		return err
	}

	brokerAddr := t.directory.BrokerAddr(sendResult.Queue.BrokerName)
	if brokerAddr == "" {
		return newClientError("The broker["+sendResult.Queue.BrokerName+"] not exist", nil)
	}

	header := &protocol.EndTransactionRequestHeader{
		ProducerGroup:        t.group,
		TranStateTableOffset: sendResult.QueueOffset,
		CommitLogOffset:      id.Offset,
		MsgID:                sendResult.MsgID,
		TransactionID:        sendResult.TransactionID,
	}
	switch state {
	case CommitMessage:
		header.CommitOrRollback = protocol.TransactionCommitType
	case RollbackMessage:
		header.CommitOrRollback = protocol.TransactionRollbackType
	default:
		header.CommitOrRollback = protocol.TransactionNotType
	}

	remark := ""
	if localErr != nil {
		remark = "executeLocalTransactionBranch exception: " + localErr.Error()
	}
	return t.client.EndTransactionOneway(ctx, brokerAddr, header, remark, 3*time.Second)
}

// CheckTransactionState enqueues a broker probe for the check worker pool.
// Returns false when the pool's queue is saturated and the request was
// dropped; the broker will probe again later.
func (t *TransactionProducer) CheckTransactionState(brokerAddr string,
	msg *message.MessageExt, header *protocol.CheckTransactionStateRequestHeader) bool {

	select {
	case t.checkCh <- checkRequest{addr: brokerAddr, msg: msg, header: header}:
		return true
	default:
		slog.Warn("check transaction state request dropped, pool saturated",
			"msg_id", header.MsgID)
		return false
	}
}

func (t *TransactionProducer) checkWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case req := <-t.checkCh:
			t.processCheckRequest(req)
		}
	}
}

func (t *TransactionProducer) processCheckRequest(req checkRequest) {
	state := UnknownTransaction
	var checkErr error

	if t.listener != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					checkErr = fmt.Errorf("checkLocalTransaction panicked: %v", r)
				}
			}()
			state = t.listener.CheckLocalTransaction(req.msg)
		}()
	} else {
		slog.Warn("no transaction check listener registered, answering unknown",
			"msg_id", req.header.MsgID)
	}

	header := &protocol.EndTransactionRequestHeader{
		ProducerGroup:        t.group,
		TranStateTableOffset: req.header.TranStateTableOffset,
		CommitLogOffset:      req.header.CommitLogOffset,
		MsgID:                req.header.MsgID,
		TransactionID:        req.header.TransactionID,
		FromTransactionCheck: true,
	}
	switch state {
	case CommitMessage:
		header.CommitOrRollback = protocol.TransactionCommitType
	case RollbackMessage:
		header.CommitOrRollback = protocol.TransactionRollbackType
	default:
		header.CommitOrRollback = protocol.TransactionNotType
	}

	remark := ""
	if checkErr != nil {
		remark = "checkLocalTransactionState exception: " + checkErr.Error()
	}

	if err := t.client.EndTransactionOneway(context.Background(), req.addr,
		header, remark, 3*time.Second); err != nil {
		slog.Warn("endTransactionOneway exception", "error", err, "msg_id", req.header.MsgID)
	}
}
