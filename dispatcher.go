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
	"sync"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
)

// HandlerFunc is the application's request handler: given a decoded request
// and its peer, it returns an optional response. Returning nil suppresses
// any reply (NON requests, separate-response protocol), per §6.
type HandlerFunc func(req *Packet, peer *net.UDPAddr) *Packet

// OutboundItem is a single (Packet, Peer) pair awaiting socket emission.
// Enqueue order is emission order (§3, §5).
type OutboundItem struct {
	Packet *Packet
	Peer   *net.UDPAddr
}

// runState is the per-socket state machine of §4.4.
type runState int32

const (
	stateIdle runState = iota
	stateRunning
	stateDraining
	stateTerminated
)

type inboundDatagram struct {
	pkt  *Packet
	peer *net.UDPAddr
}

// Dispatcher is the event loop (C4): it owns the transport and the observer
// registry and multiplexes outbound sends, inbound datagrams, and the
// observer retransmission timer onto a single goroutine, grounded on
// original_source/src/server.rs's Server::run 3-way select! and on
// schmurfy-go-coap's blocking-read Serve loop shape for the Go idiom of
// driving that loop without an executor/reactor framework.
type Dispatcher struct {
	transport *Transport
	registry  *Registry
	outbound  chan OutboundItem

	opts    serverOptions
	metrics *metrics
	log     Logger

	running int32 // atomic bool: guards against concurrent Run (§4.4)
	state   int32 // atomic runState

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New binds a UDP socket at addr and constructs a Dispatcher ready for Run.
func New(addr string, opts ...ServerOption) (*Dispatcher, error) {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}

	m := newMetrics(o.registerer)
	transport, err := NewTransport(addr, o.logger, m)
	if err != nil {
		return nil, err
	}

	outbound := make(chan OutboundItem, 64)
	registry := NewRegistry(outbound, o.notifyN, o.ackTimeout, o.maxRetransmit, o.logger, m)

	return &Dispatcher{
		transport: transport,
		registry:  registry,
		outbound:  outbound,
		opts:      o,
		metrics:   m,
		log:       o.logger,
		state:     int32(stateIdle),
		stopCh:    make(chan struct{}),
	}, nil
}

// LocalAddr is the address the Dispatcher's socket is bound to.
func (d *Dispatcher) LocalAddr() *net.UDPAddr {
	return d.transport.LocalAddr()
}

// EnableAllCoAP joins the well-known All-CoAP multicast group (§4.2).
func (d *Dispatcher) EnableAllCoAP(segment byte) error {
	return d.transport.EnableAllCoAP(segment)
}

// JoinMulticast joins an arbitrary multicast group (§4.2).
func (d *Dispatcher) JoinMulticast(group net.IP, segment byte) error {
	return d.transport.JoinMulticast(group, segment)
}

// Registry exposes the observer registry so an application-level resource
// store can drive Observe notifications on writes (see resource.go).
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Run drives the event loop until Stop is called and the dispatcher has
// fully drained (Draining -> Terminated, §4.4), or until a socket-level
// error terminates it early. Only one Run may be active at a time;
// concurrent calls return ErrAnotherHandlerRunning.
func (d *Dispatcher) Run(handler HandlerFunc) error {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return ErrAnotherHandlerRunning
	}
	defer atomic.StoreInt32(&d.running, 0)

	atomic.StoreInt32(&d.state, int32(stateRunning))

	inboundCh := make(chan inboundDatagram)
	errCh := make(chan error, 1)
	readerDone := make(chan struct{})
	go d.readLoop(inboundCh, errCh, readerDone)
	defer func() {
		d.transport.Close()
		<-readerDone
	}()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	draining := false
	for {
		// Priority: drain whatever is already sitting in the outbound
		// queue before considering new inbound work or timers, per the
		// design note in §9 recommending against starving outbound.
		for drainedOutbound := false; !drainedOutbound; {
			select {
			case item := <-d.outbound:
				d.sendOutbound(item)
			default:
				drainedOutbound = true
			}
		}

		if draining && len(d.outbound) == 0 && !d.registry.HasPendingUnacked() {
			atomic.StoreInt32(&d.state, int32(stateTerminated))
			return nil
		}

		select {
		case item := <-d.outbound:
			d.sendOutbound(item)

		case in := <-inboundCh:
			d.handleInbound(in, handler)
			d.rearm(timer)

		case now := <-timer.C:
			deadline := d.registry.Tick(now)
			d.arm(timer, deadline)

		case err := <-errCh:
			atomic.StoreInt32(&d.state, int32(stateTerminated))
			return fmt.Errorf("%w: %v", ErrEventLoop, err)

		case <-d.stopCh:
			draining = true
			atomic.StoreInt32(&d.state, int32(stateDraining))
		}
	}
}

// Stop requests a graceful shutdown: Running -> Draining immediately, then
// Draining -> Terminated once the outbound queue is empty and every
// subscription's unacked notification is resolved (§4.4). Safe to call
// multiple times and before Run.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// State reports the dispatcher's current lifecycle state.
func (d *Dispatcher) State() string {
	switch runState(atomic.LoadInt32(&d.state)) {
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateTerminated:
		return "terminated"
	default:
		return "idle"
	}
}

func (d *Dispatcher) readLoop(out chan<- inboundDatagram, errCh chan<- error, done chan<- struct{}) {
	defer close(done)
	for {
		pkt, peer, err := d.transport.Recv()
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		select {
		case out <- inboundDatagram{pkt: pkt, peer: peer}:
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) sendOutbound(item OutboundItem) {
	if err := d.transport.Send(item.Packet, item.Peer); err != nil {
		errorf(d.log, "send to %s failed (msg %d, token %x): %s",
			item.Peer, item.Packet.MessageID, []byte(item.Packet.Token), err)
	}
}

// handleInbound implements the classification rules of §4.4.
func (d *Dispatcher) handleInbound(in inboundDatagram, handler HandlerFunc) {
	pkt := in.pkt

	if pkt.Type == udpmessage.Acknowledgement || pkt.Type == udpmessage.Reset {
		d.registry.OnReply(in.peer, pkt.MessageID, pkt.Type)
		return
	}

	if !pkt.IsRequest() {
		debugf(d.log, "ignoring non-request, non-ACK/RST packet from %s (msg %d, token %x, code %v)",
			in.peer, pkt.MessageID, []byte(pkt.Token), pkt.Code)
		return
	}

	if optID, bad := pkt.Options.FirstUnknownCritical(); bad {
		debugf(d.log, "rejecting unrecognized critical option %d from %s (msg %d, token %x, code %v)",
			optID, in.peer, pkt.MessageID, []byte(pkt.Token), pkt.Code)
		reply := piggyback(pkt, &Packet{Code: codes.BadOption})
		d.outbound <- OutboundItem{Packet: reply, Peer: in.peer}
		return
	}

	result := d.registry.Filter(pkt, in.peer, func(resource string) []byte {
		return d.materializeViaHandler(resource, pkt, in.peer, handler)
	})
	if result == Consumed {
		debugf(d.log, "observe control consumed for %s from %s (msg %d, token %x)",
			pkt.UriPath(), in.peer, pkt.MessageID, []byte(pkt.Token))
		return
	}

	resp := handler(pkt, in.peer)
	if resp == nil {
		debugf(d.log, "no-response for %s %v from %s (msg %d, token %x)",
			pkt.UriPath(), pkt.Code, in.peer, pkt.MessageID, []byte(pkt.Token))
		return
	}

	reply := piggyback(pkt, resp)
	debugf(d.log, "dispatched response %v for %s to %s (msg %d, token %x)",
		reply.Code, pkt.UriPath(), in.peer, reply.MessageID, []byte(reply.Token))
	d.outbound <- OutboundItem{Packet: reply, Peer: in.peer}
}

// materializeViaHandler invokes the application handler once, synchronously,
// to obtain the current representation of resource for a brand-new Observe
// registration (§4.3: "handler is... invoked on first registration to
// materialize current_payload").
func (d *Dispatcher) materializeViaHandler(resource string, req *Packet, peer *net.UDPAddr, handler HandlerFunc) []byte {
	resp := handler(req, peer)
	if resp == nil {
		return nil
	}
	return resp.Payload
}

// piggyback builds the wire-level reply to req: for a Confirmable request
// the reply is an Acknowledgement carrying the same message ID; for a
// Non-confirmable request the reply is itself Non-confirmable with a fresh
// message ID. The token always matches the request (RFC 7252 §5.3.1).
func piggyback(req, resp *Packet) *Packet {
	reply := clonePacket(resp)
	reply.Token = req.Token
	if req.Type == udpmessage.Confirmable {
		reply.Type = udpmessage.Acknowledgement
		reply.MessageID = req.MessageID
	} else {
		reply.Type = udpmessage.NonConfirmable
		reply.MessageID = newMessageID()
	}
	return reply
}

// arm resets timer to fire at deadline. A zero deadline disarms it (no
// subscription has a pending CON, §4.3).
func (d *Dispatcher) arm(timer *time.Timer, deadline time.Time) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if deadline.IsZero() {
		return
	}
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

// rearm re-arms timer against the registry's current earliest deadline,
// called after any event that may have changed it (a new Observe
// registration's notification, a resource write).
func (d *Dispatcher) rearm(timer *time.Timer) {
	d.arm(timer, d.registry.NextDeadline())
}
