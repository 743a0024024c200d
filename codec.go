// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
)

// DecodeError reports why a datagram could not be parsed as a CoAP message.
// It is always recoverable at the datagram level: the caller drops the
// datagram and keeps reading.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "coap: malformed datagram: " + e.Reason
}

func malformed(format string, args ...interface{}) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

const payloadMarker = 0xFF

// Decode parses a single UDP datagram into a Packet. It never panics on
// adversarial input: every failure mode returns a *DecodeError.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < 4 {
		return nil, malformed("truncated header (%d bytes)", len(buf))
	}

	version := buf[0] >> 6
	if version != 1 {
		return nil, malformed("unsupported version %d", version)
	}
	typ := udpmessage.Type((buf[0] >> 4) & 0x3)
	tkl := int(buf[0] & 0x0F)
	if tkl > MaxTokenLen {
		return nil, malformed("token length %d exceeds %d", tkl, MaxTokenLen)
	}

	code := codes.Code(buf[1])
	messageID := uint16(buf[2])<<8 | uint16(buf[3])
	pos := 4

	if len(buf) < pos+tkl {
		return nil, malformed("truncated token (want %d bytes, have %d)", tkl, len(buf)-pos)
	}
	var token message.Token
	if tkl > 0 {
		token = message.Token(append([]byte(nil), buf[pos:pos+tkl]...))
	}
	pos += tkl

	var opts Options
	lastID := message.OptionID(0)
	for pos < len(buf) {
		if buf[pos] == payloadMarker {
			pos++
			if pos >= len(buf) {
				return nil, malformed("payload marker present but payload is empty")
			}
			payload := append([]byte(nil), buf[pos:]...)
			return &Packet{
				Type:      typ,
				Code:      code,
				MessageID: messageID,
				Token:     token,
				Options:   opts,
				Payload:   payload,
			}, nil
		}

		deltaNibble := (buf[pos] >> 4) & 0x0F
		lengthNibble := buf[pos] & 0x0F
		pos++

		delta, newPos, err := readExtended(buf, pos, deltaNibble, "delta")
		if err != nil {
			return nil, err
		}
		pos = newPos

		length, newPos, err := readExtended(buf, pos, lengthNibble, "length")
		if err != nil {
			return nil, err
		}
		pos = newPos

		if len(buf) < pos+length {
			return nil, malformed("option value truncated (want %d bytes, have %d)", length, len(buf)-pos)
		}
		optID := message.OptionID(uint32(lastID) + delta)
		value := append([]byte(nil), buf[pos:pos+length]...)
		opts = append(opts, Option{ID: optID, Value: value})
		lastID = optID
		pos += length
	}

	return &Packet{
		Type:      typ,
		Code:      code,
		MessageID: messageID,
		Token:     token,
		Options:   opts,
		Payload:   nil,
	}, nil
}

// readExtended decodes a 4-bit option delta/length nibble plus its RFC 7252
// §3.1 extended form (13 -> +1 byte, 14 -> +2 bytes, 15 -> reserved/malformed
// unless this whole byte was the payload marker, which the caller already
// special-cased before getting here).
func readExtended(buf []byte, pos int, nibble byte, what string) (value, newPos int, err error) {
	switch {
	case nibble < 13:
		return int(nibble), pos, nil
	case nibble == 13:
		if pos >= len(buf) {
			return 0, pos, malformed("option %s extension truncated", what)
		}
		return int(buf[pos]) + 13, pos + 1, nil
	case nibble == 14:
		if pos+1 >= len(buf) {
			return 0, pos, malformed("option %s extension truncated", what)
		}
		ext16 := int(buf[pos])<<8 | int(buf[pos+1])
		return ext16 + 269, pos + 2, nil
	default: // nibble == 15
		return 0, pos, malformed("reserved option %s nibble 15 outside payload marker", what)
	}
}

// Encode serializes p to its wire form. It panics if p violates an encoder
// invariant (token too long, negative option delta from an unsorted caller);
// those are programmer errors, never adversarial input, per §4.1.
func Encode(p *Packet) []byte {
	if len(p.Token) > MaxTokenLen {
		panic(fmt.Sprintf("coap: token length %d exceeds %d", len(p.Token), MaxTokenLen))
	}

	opts := make(Options, len(p.Options))
	copy(opts, p.Options)
	opts.Sort()

	buf := make([]byte, 0, 4+len(p.Token)+len(p.Payload)+16)
	buf = append(buf, byte(1)<<6|byte(p.Type)<<4|byte(len(p.Token)))
	buf = append(buf, byte(p.Code))
	buf = append(buf, byte(p.MessageID>>8), byte(p.MessageID))
	buf = append(buf, p.Token...)

	lastID := message.OptionID(0)
	for _, opt := range opts {
		if opt.ID < lastID {
			panic("coap: options not sorted ascending by ID")
		}
		delta := int(opt.ID) - int(lastID)
		length := len(opt.Value)
		buf = appendExtended(buf, delta, length)
		buf = append(buf, opt.Value...)
		lastID = opt.ID
	}

	if len(p.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, p.Payload...)
	}
	return buf
}

// appendExtended writes one option header (delta/length nibbles plus any
// RFC 7252 §3.1 extended bytes) to buf.
func appendExtended(buf []byte, delta, length int) []byte {
	deltaNibble, deltaExt := splitExtended(delta)
	lengthNibble, lengthExt := splitExtended(length)
	buf = append(buf, byte(deltaNibble)<<4|byte(lengthNibble))
	buf = append(buf, deltaExt...)
	buf = append(buf, lengthExt...)
	return buf
}

func splitExtended(v int) (nibble int, ext []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		v -= 269
		return 14, []byte{byte(v >> 8), byte(v)}
	}
}
