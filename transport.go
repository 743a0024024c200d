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
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// maxDatagramSize is generous for constrained-network CoAP, which almost
// always stays well under a single link MTU; the transport never fragments
// (callers are expected to keep responses under path MTU, per §4.2).
const maxDatagramSize = 64 * 1024

// AllCoAPv4 and allCoAPv6Base are the well-known CoAP multicast addresses
// (§4.2, "All-CoAP multicast" in the glossary).
var AllCoAPv4 = net.IPv4(224, 0, 1, 187)

// Transport (C2) owns a single bound UDP socket. It decodes inbound
// datagrams before handing them to the dispatcher and serializes outbound
// packets; malformed datagrams are logged and skipped without terminating
// the read loop.
type Transport struct {
	conn    *net.UDPConn
	log     Logger
	metrics *metrics
}

// NewTransport binds a UDP socket at addr (e.g. "127.0.0.1:0" for an
// ephemeral test port, "0.0.0.0:5683" for the default CoAP port on all
// interfaces).
func NewTransport(addr string, log Logger, m *metrics) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrNetwork, addr, err)
	}
	conn, err := net.ListenUDP(udpAddr.Network(), udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %q: %v", ErrNetwork, addr, err)
	}
	return &Transport{conn: conn, log: log, metrics: m}, nil
}

// LocalAddr is the Peer this transport is bound to.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Recv blocks until a well-formed datagram arrives, the socket is closed, or
// a non-recoverable I/O error occurs. Malformed datagrams are dropped
// silently from the caller's point of view (logged + counted) and do not
// terminate the stream.
func (t *Transport) Recv() (*Packet, *net.UDPAddr, error) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		pkt, derr := Decode(buf[:n])
		if derr != nil {
			errorf(t.log, "dropping malformed datagram from %s: %s", peer, derr)
			if t.metrics != nil {
				t.metrics.inboundMalformed.Inc()
			}
			continue
		}
		return pkt, peer, nil
	}
}

// Send serializes and writes a single datagram to peer. Non-fragmenting: the
// caller is responsible for keeping p under the path MTU.
func (t *Transport) Send(p *Packet, peer *net.UDPAddr) error {
	if _, err := t.conn.WriteToUDP(Encode(p), peer); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return nil
}

// Close releases the underlying socket; any blocked Recv returns promptly
// with an error.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// EnableAllCoAP is the convenience case of JoinMulticast: it joins the
// well-known All-CoAP multicast address for the transport's address family
// (224.0.1.187 for IPv4, ff0s::fd for IPv6, where s is segment).
func (t *Transport) EnableAllCoAP(segment byte) error {
	if t.LocalAddr().IP.To4() != nil {
		return t.JoinMulticast(AllCoAPv4, segment)
	}
	return t.JoinMulticast(allCoAPv6(segment), segment)
}

// allCoAPv6 builds ff0s::fd for the given segment nibble (0x0-0xf).
func allCoAPv6(segment byte) net.IP {
	ip := make(net.IP, net.IPv6len)
	ip[0] = 0xff
	ip[1] = segment
	ip[15] = 0xfd
	return ip
}

// JoinMulticast adds group to this socket's multicast membership. On IPv4 it
// joins via the kernel's default interface selection for the bound address;
// on IPv6 it joins on interface index 0 (kernel default), matching the
// original implementation (see DESIGN.md "IPv6 multicast interface
// selection" for why this is a known limitation rather than a guess).
// Cross-family combinations (e.g. an IPv6 group on an IPv4-bound socket) are
// no-ops, per §4.2.
func (t *Transport) JoinMulticast(group net.IP, segment byte) error {
	if segment > 0xf {
		return fmt.Errorf("%w: segment %#x out of range 0x0-0xf", ErrMulticastJoinFailure, segment)
	}
	if !group.IsMulticast() {
		return fmt.Errorf("%w: %s is not a multicast address", ErrMulticastJoinFailure, group)
	}

	local := t.LocalAddr()
	isV4Socket := local.IP.To4() != nil
	isV4Group := group.To4() != nil

	switch {
	case isV4Socket && isV4Group:
		pc := ipv4.NewPacketConn(t.conn)
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("%w: %v", ErrMulticastJoinFailure, err)
		}
		return nil
	case !isV4Socket && !isV4Group:
		pc := ipv6.NewPacketConn(t.conn)
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("%w: %v", ErrMulticastJoinFailure, err)
		}
		return nil
	default:
		// cross-family: no-op, per §4.2.
		return nil
	}
}
