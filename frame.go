// MIT License
//
// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package wsmux multiplexes many independent, bidirectional, ordered byte
// streams ("channels") over a single preexisting full-duplex message-oriented
// carrier such as a WebSocket connection.
package wsmux

import (
	"encoding/binary"
	"fmt"
)

// protoVersion is the only wire version this package speaks.
const protoVersion uint16 = 2

// headerSize is the fixed size of a frame header in bytes.
const headerSize = 16

// msgType identifies the kind of a protocol message (spec §4.2).
type msgType uint16

const (
	msgData   msgType = 1
	msgOpen   msgType = 2
	msgAck    msgType = 3
	msgClose  msgType = 4
	msgPause  msgType = 5
	msgResume msgType = 6
)

func (t msgType) String() string {
	switch t {
	case msgData:
		return "DATA"
	case msgOpen:
		return "OPEN"
	case msgAck:
		return "ACK"
	case msgClose:
		return "CLOSE"
	case msgPause:
		return "PAUSE"
	case msgResume:
		return "RESUME"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// header is the 16-byte, big-endian frame header described in spec §3.
//
//	version:     u16
//	type:        u16
//	dst_channel: u32
//	src_channel: u32
//	length:      u32
type header struct {
	version uint16
	typ     msgType
	dst     uint32
	src     uint32
	length  uint32
}

// encodeHeader serializes a header plus the informational payload length.
// The returned array is always exactly headerSize bytes.
func encodeHeader(typ msgType, dst, src uint32, payloadLen int) [headerSize]byte {
	var buf [headerSize]byte
	binary.BigEndian.PutUint16(buf[0:2], protoVersion)
	binary.BigEndian.PutUint16(buf[2:4], uint16(typ))
	binary.BigEndian.PutUint32(buf[4:8], dst)
	binary.BigEndian.PutUint32(buf[8:12], src)
	binary.BigEndian.PutUint32(buf[12:16], uint32(payloadLen))
	return buf
}

// decodeFrame splits a raw inbound carrier message into its header and
// payload. It fails only on a truncated header; it does not validate
// version or type, which is left to the caller (the multiplexer core), per
// spec §4.1.
func decodeFrame(b []byte) (header, []byte, error) {
	if len(b) < headerSize {
		return header{}, nil, fmt.Errorf("wsmux: short frame: %d bytes, need at least %d", len(b), headerSize)
	}
	h := header{
		version: binary.BigEndian.Uint16(b[0:2]),
		typ:     msgType(binary.BigEndian.Uint16(b[2:4])),
		dst:     binary.BigEndian.Uint32(b[4:8]),
		src:     binary.BigEndian.Uint32(b[8:12]),
		length:  binary.BigEndian.Uint32(b[12:16]),
	}
	return h, b[headerSize:], nil
}
