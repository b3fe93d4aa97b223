// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// CommunicationMode selects how the caller waits for a send outcome.
type CommunicationMode int

const (
	// Sync blocks the caller until the broker responds or the timeout fires.
	Sync CommunicationMode = iota
	// Async returns after dispatch; the result arrives on a callback.
	Async
	// Oneway returns after the write to the transport; no result at all.
	Oneway
)

func (m CommunicationMode) String() string {
	switch m {
	case Sync:
		return "SYNC"
	case Async:
		return "ASYNC"
	case Oneway:
		return "ONEWAY"
	default:
		return "UNKNOWN"
	}
}
