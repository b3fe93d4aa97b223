// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// Message sys-flag bits. The transaction type occupies two bits, so it is
// read and written through the mask rather than tested bitwise.
const (
	FlagCompressed = 0x1
	FlagMultiTags  = 0x1 << 1

	TransactionNotType      = 0
	TransactionPreparedType = 0x1 << 2
	TransactionCommitType   = 0x2 << 2
	TransactionRollbackType = 0x3 << 2

	transactionMask = 0x3 << 2
)

// GetTransactionValue extracts the transaction type from a sys flag.
func GetTransactionValue(flag int) int {
	return flag & transactionMask
}

// ResetTransactionValue replaces the transaction type in a sys flag.
func ResetTransactionValue(flag int, txType int) int {
	return (flag &^ transactionMask) | txType
}

// ClearCompressedFlag drops the compressed bit.
func ClearCompressedFlag(flag int) int {
	return flag &^ FlagCompressed
}

// Topic sys-flag bits, carried on TopicConfig for unit-mode deployments.
const (
	TopicFlagUnit    = 0x1 << 0
	TopicFlagUnitSub = 0x1 << 1
)

// BuildTopicSysFlag composes a topic sys flag from the unit bits.
func BuildTopicSysFlag(unit, hasUnitSub bool) int {
	flag := 0
	if unit {
		flag |= TopicFlagUnit
	}
	if hasUnitSub {
		flag |= TopicFlagUnitSub
	}
	return flag
}

func SetUnitFlag(flag int) int      { return flag | TopicFlagUnit }
func ClearUnitFlag(flag int) int    { return flag &^ TopicFlagUnit }
func HasUnitFlag(flag int) bool     { return flag&TopicFlagUnit == TopicFlagUnit }
func SetUnitSubFlag(flag int) int   { return flag | TopicFlagUnitSub }
func ClearUnitSubFlag(flag int) int { return flag &^ TopicFlagUnitSub }
func HasUnitSubFlag(flag int) bool  { return flag&TopicFlagUnitSub == TopicFlagUnitSub }
