// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidMessageID reports a message id that does not decode to a store
// host and commit-log offset.
var ErrInvalidMessageID = errors.New("invalid message id")

// MessageID locates a stored message: the broker that wrote it and the
// commit-log offset it was written at.
type MessageID struct {
	Addr   string
	Offset int64
}

// CreateMessageID encodes a 16-byte id: 4-byte IPv4, 4-byte port, 8-byte
// commit-log offset, hex-encoded.
func CreateMessageID(storeHost string, offset int64) string {
	buf := make([]byte, 16)

	host, portStr, err := net.SplitHostPort(storeHost)
	if err == nil {
		if ip := net.ParseIP(host).To4(); ip != nil {
			copy(buf[0:4], ip)
		}
		port, _ := strconv.Atoi(portStr)
		binary.BigEndian.PutUint32(buf[4:8], uint32(port))
	}
	binary.BigEndian.PutUint64(buf[8:16], uint64(offset))

	return strings.ToUpper(hex.EncodeToString(buf))
}

// DecodeMessageID parses an id created by CreateMessageID.
func DecodeMessageID(msgID string) (MessageID, error) {
	buf, err := hex.DecodeString(msgID)
	if err != nil || len(buf) != 16 {
		return MessageID{}, ErrInvalidMessageID
	}

	ip := net.IPv4(buf[0], buf[1], buf[2], buf[3])
	port := binary.BigEndian.Uint32(buf[4:8])
	offset := int64(binary.BigEndian.Uint64(buf[8:16]))

	return MessageID{
		Addr:   net.JoinHostPort(ip.String(), strconv.Itoa(int(port))),
		Offset: offset,
	}, nil
}
