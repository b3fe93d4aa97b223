// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "strings"

// Property wire separators. Values never contain either control character.
const (
	nameValueSeparator = ""
	propertySeparator  = ""
)

// PropertiesToString serializes a property map for the wire request header.
func PropertiesToString(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	var b strings.Builder
	for name, value := range props {
		b.WriteString(name)
		b.WriteString(nameValueSeparator)
		b.WriteString(value)
		b.WriteString(propertySeparator)
	}
	return b.String()
}

// StringToProperties parses the wire form back into a map. Malformed pairs
// are skipped rather than failing the whole message.
func StringToProperties(s string) map[string]string {
	props := make(map[string]string)
	if s == "" {
		return props
	}
	for _, pair := range strings.Split(s, propertySeparator) {
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, nameValueSeparator)
		if !ok || name == "" {
			continue
		}
		props[name] = value
	}
	return props
}
