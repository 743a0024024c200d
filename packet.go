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

// Package core implements the CoAP (RFC 7252) request/response core: a wire
// codec, a single-socket UDP transport, an RFC 7641 observer registry and the
// event-loop dispatcher that ties them together.
package core

import (
	"strings"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
)

// MaxTokenLen is RFC 7252's limit on token length.
const MaxTokenLen = 8

// Packet is a decoded CoAP message: header, token, options and payload.
//
// The option/response-code vocabulary (message.OptionID, codes.Code,
// udp/message.Type) is the same one the wider CoAP library ecosystem uses,
// so captures taken with off-the-shelf CoAP tooling decode identically here.
type Packet struct {
	Type      udpmessage.Type
	Code      codes.Code
	MessageID uint16
	Token     message.Token
	Options   Options
	Payload   []byte
}

// Option is a single CoAP option: a registry number and its raw value.
type Option struct {
	ID    message.OptionID
	Value []byte
}

// Options is an ordered list of options as they will appear (or appeared) on
// the wire. Options sharing the same ID preserve insertion order; Sort only
// reorders between distinct IDs (stable).
type Options []Option

// Sort orders options by ascending option number, as required on the wire.
// Equal-numbered options keep their relative (insertion) order.
func (o Options) Sort() {
	// insertion sort: options lists are short (single digits in practice),
	// and insertion sort is naturally stable without extra allocation.
	for i := 1; i < len(o); i++ {
		for j := i; j > 0 && o[j-1].ID > o[j].ID; j-- {
			o[j-1], o[j] = o[j], o[j-1]
		}
	}
}

// Find returns the value of the first option matching id, and whether it was
// present at all.
func (o Options) Find(id message.OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// Values returns every value for options matching id, in wire order.
func (o Options) Values(id message.OptionID) [][]byte {
	var out [][]byte
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, opt.Value)
		}
	}
	return out
}

// Add appends an option, preserving it at the end of its run; callers that
// care about wire order across distinct IDs should call Sort before Encode
// (Encode does this for them).
func (o Options) Add(id message.OptionID, value []byte) Options {
	return append(o, Option{ID: id, Value: value})
}

// UriPath concatenates the packet's Uri-Path option values into a single
// "/"-joined resource path, e.g. options ["test","echo"] -> "test/echo".
func (p *Packet) UriPath() string {
	segs := p.Options.Values(message.URIPath)
	if len(segs) == 0 {
		return ""
	}
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = string(s)
	}
	return strings.Join(parts, "/")
}

// Observe returns the packet's Observe option value and whether it was set.
func (p *Packet) Observe() (uint32, bool) {
	v, ok := p.Options.Find(message.Observe)
	if !ok {
		return 0, false
	}
	return decodeUint(v), true
}

// SetObserve sets (or overwrites) the packet's Observe option.
func (p *Packet) SetObserve(seq uint32) {
	p.Options = p.Options.withoutOption(message.Observe)
	p.Options = p.Options.Add(message.Observe, encodeUint(seq))
}

// recognizedOptions is the RFC 7252 §5.10 base option-number registry this
// core understands, reusing the go-coap message vocabulary rather than
// hand-rolling the IANA numbers (see packet.go's Packet doc comment).
var recognizedOptions = map[message.OptionID]struct{}{
	message.IfMatch:       {},
	message.URIHost:       {},
	message.ETag:          {},
	message.IfNoneMatch:   {},
	message.Observe:       {},
	message.URIPort:       {},
	message.LocationPath:  {},
	message.URIPath:       {},
	message.ContentFormat: {},
	message.MaxAge:        {},
	message.URIQuery:      {},
	message.Accept:        {},
	message.LocationQuery: {},
	message.Block2:        {},
	message.Block1:        {},
	message.Size2:         {},
	message.ProxyURI:      {},
	message.ProxyScheme:   {},
	message.Size1:         {},
	message.NoResponse:    {},
}

// FirstUnknownCritical returns the first option whose number is critical
// (odd, RFC 7252 §5.4.1) and outside the base option registry, and whether
// one was found. A request carrying such an option must be answered with
// 4.02 Bad Option rather than processed (§3).
func (o Options) FirstUnknownCritical() (message.OptionID, bool) {
	for _, opt := range o {
		if opt.ID%2 != 1 {
			continue
		}
		if _, ok := recognizedOptions[opt.ID]; !ok {
			return opt.ID, true
		}
	}
	return 0, false
}

func (o Options) withoutOption(id message.OptionID) Options {
	out := o[:0:0]
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// encodeUint encodes v in the minimal number of big-endian bytes CoAP uses
// for uint-valued options (RFC 7252 §3.2), with 0 encoded as zero bytes.
func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// IsRequest reports whether Code denotes a request. CoAP codes pack a 3-bit
// class and 5-bit detail into one byte (RFC 7252 §3); class 0 (the range
// 0.01-0.31) is requests, classes 2-5 are responses, 0.00 is Empty.
func (p *Packet) IsRequest() bool {
	return p.Code > 0 && p.Code < 32
}
