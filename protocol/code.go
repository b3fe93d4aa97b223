// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// ResponseCode is the protocol-level result code carried on every broker response.
type ResponseCode int32

const (
	CodeSuccess                    ResponseCode = 0
	CodeSystemError                ResponseCode = 1
	CodeSystemBusy                 ResponseCode = 2
	CodeMessageIllegal             ResponseCode = 13
	CodeServiceNotAvailable        ResponseCode = 14
	CodeNoPermission               ResponseCode = 16
	CodeTopicNotExist              ResponseCode = 17
	CodeFlushDiskTimeout           ResponseCode = 10
	CodeSlaveNotAvailable          ResponseCode = 11
	CodeFlushSlaveTimeout          ResponseCode = 12
	CodeSubscriptionGroupNotExist  ResponseCode = 26
	CodeTransactionShouldCommit    ResponseCode = 200
	CodeTransactionShouldRollback  ResponseCode = 201
	CodeTransactionStateUnknown    ResponseCode = 202
	CodeTransactionStateGroupWrong ResponseCode = 203
	CodeNoBuyerID                  ResponseCode = 204
	CodeNotInCurrentUnit           ResponseCode = 205
)

// String returns the symbolic name of the code for remarks and logs.
func (c ResponseCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeSystemError:
		return "SYSTEM_ERROR"
	case CodeSystemBusy:
		return "SYSTEM_BUSY"
	case CodeMessageIllegal:
		return "MESSAGE_ILLEGAL"
	case CodeServiceNotAvailable:
		return "SERVICE_NOT_AVAILABLE"
	case CodeNoPermission:
		return "NO_PERMISSION"
	case CodeTopicNotExist:
		return "TOPIC_NOT_EXIST"
	case CodeFlushDiskTimeout:
		return "FLUSH_DISK_TIMEOUT"
	case CodeSlaveNotAvailable:
		return "SLAVE_NOT_AVAILABLE"
	case CodeFlushSlaveTimeout:
		return "FLUSH_SLAVE_TIMEOUT"
	case CodeSubscriptionGroupNotExist:
		return "SUBSCRIPTION_GROUP_NOT_EXIST"
	case CodeTransactionShouldCommit:
		return "TRANSACTION_SHOULD_COMMIT"
	case CodeTransactionShouldRollback:
		return "TRANSACTION_SHOULD_ROLLBACK"
	case CodeTransactionStateUnknown:
		return "TRANSACTION_STATE_UNKNOWN"
	case CodeTransactionStateGroupWrong:
		return "TRANSACTION_STATE_GROUP_WRONG"
	case CodeNoBuyerID:
		return "NO_BUYER_ID"
	case CodeNotInCurrentUnit:
		return "NOT_IN_CURRENT_UNIT"
	default:
		return fmt.Sprintf("CODE(%d)", int32(c))
	}
}
