// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// Topic permission bits. Inherit marks a topic config as a template that
// auto-created topics may derive from.
const (
	PermPriority = 1 << 3
	PermRead     = 1 << 2
	PermWrite    = 1 << 1
	PermInherit  = 1 << 0
)

func IsReadable(perm int) bool {
	return perm&PermRead == PermRead
}

func IsWriteable(perm int) bool {
	return perm&PermWrite == PermWrite
}

func IsInherited(perm int) bool {
	return perm&PermInherit == PermInherit
}

// Perm2String renders a permission set in the RWX-style form used in logs.
func Perm2String(perm int) string {
	s := []byte("---")
	if IsReadable(perm) {
		s[0] = 'R'
	}
	if IsWriteable(perm) {
		s[1] = 'W'
	}
	if IsInherited(perm) {
		s[2] = 'X'
	}
	return string(s)
}
