// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "github.com/klauspost/compress/zstd"

// Shared codec state; EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// CompressBody returns a zstd-compressed copy of body.
func CompressBody(body []byte) []byte {
	return zstdEncoder.EncodeAll(body, nil)
}

// DecompressBody inflates a body compressed with CompressBody.
func DecompressBody(body []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(body, nil)
}
