// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DataVersion is the monotonic stamp peers use to detect stale metadata.
// Counter increases exactly once per successful mutation; Timestamp is
// refreshed at the same time so restarts with wiped counters still compare.
type DataVersion struct {
	Timestamp int64 `json:"timestamp"`
	Counter   int64 `json:"counter"`
}

// NewDataVersion returns a version stamped with the current time.
func NewDataVersion() *DataVersion {
	return &DataVersion{Timestamp: time.Now().UnixMilli()}
}

// Next advances the version by one mutation.
func (v *DataVersion) Next() {
	atomic.StoreInt64(&v.Timestamp, time.Now().UnixMilli())
	atomic.AddInt64(&v.Counter, 1)
}

// Assign copies another version wholesale, used when loading persisted state.
func (v *DataVersion) Assign(other DataVersion) {
	atomic.StoreInt64(&v.Timestamp, other.Timestamp)
	atomic.StoreInt64(&v.Counter, other.Counter)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (v *DataVersion) Snapshot() DataVersion {
	return DataVersion{
		Timestamp: atomic.LoadInt64(&v.Timestamp),
		Counter:   atomic.LoadInt64(&v.Counter),
	}
}

func (v *DataVersion) String() string {
	return fmt.Sprintf("DataVersion{timestamp=%d, counter=%d}",
		atomic.LoadInt64(&v.Timestamp), atomic.LoadInt64(&v.Counter))
}
