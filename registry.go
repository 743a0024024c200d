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
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
)

// messageIDCounter hands out message IDs for server-originated datagrams
// (notifications, retransmissions) that are not direct piggybacked replies
// to an inbound request. Wraps naturally at 2^16 via the uint16 conversion.
var messageIDCounter uint32

func newMessageID() uint16 {
	return uint16(atomic.AddUint32(&messageIDCounter, 1))
}

// RFC 7641 §4.5 / RFC 7252 §4.2 retransmission parameters. ackTimeout and
// maxRetransmit are the defaults; both are overridable per-Dispatcher via
// WithAckTimeout/WithMaxRetransmit (§10.3) and carried on the Registry
// itself rather than as fixed constants.
const (
	defaultAckTimeout    = 2 * time.Second
	ackRandomFactor      = 1.5
	defaultMaxRetransmit = 4
	seqModulus           = 1 << 24
	defaultNotifyCON     = 1 // every Nth notification is confirmable; default every one.
)

// RequestKey identifies an Observe subscription: the peer that registered it
// plus the token it used, per §3.
type RequestKey struct {
	Peer  string // net.UDPAddr.String(), comparable and map-keyable
	Token string // message.Token as a string, comparable
}

func newRequestKey(peer *net.UDPAddr, token message.Token) RequestKey {
	return RequestKey{Peer: peer.String(), Token: string(token)}
}

// pendingCon is the unacked CON notification state for a subscription.
type pendingCon struct {
	packet    *Packet
	messageID uint16
	deadline  time.Time
	attempts  int
}

// Subscription is one Observe registration (§3).
type Subscription struct {
	Key              RequestKey
	Peer             *net.UDPAddr
	Resource         string
	RegisteredAt     time.Time
	NextSeq          uint32
	Unacked          *pendingCon
	ResponseTemplate *Packet
}

// ResourceState is per-resource subscriber bookkeeping (§3).
type ResourceState struct {
	Subscribers map[RequestKey]struct{}
	Payload     []byte
	ETag        []byte
	ContentFmt  []byte
}

// Registry is the Observer Registry (C3): it tracks Observe subscriptions
// per resource, drives notification sequencing, and manages confirmable
// retransmission, grounded on coap_observe.go's Observations type (map +
// mutex + registrationID keying) generalized from its Matrix-specific
// long-poll bridge to the RFC 7641 state machine proper.
type Registry struct {
	mu sync.Mutex

	resources map[string]*ResourceState
	subs      map[RequestKey]*Subscription
	index     map[RequestKey]string // secondary index: RequestKey -> resource path

	outbound      chan<- OutboundItem
	notifyN       int
	ackTimeout    time.Duration
	maxRetransmit int
	metrics       *metrics
	log           Logger
}

// NewRegistry constructs an empty Registry. outbound is the channel the
// dispatcher drains to emit datagrams; notifyN is the "every Nth
// notification is CON" parameter from §4.3 (0 or 1 both mean "every one").
// ackTimeout and maxRetransmit configure the RFC 7252 §4.2 retransmission
// schedule for confirmable notifications; a zero value for either falls back
// to its RFC-recommended default.
func NewRegistry(outbound chan<- OutboundItem, notifyN int, ackTimeout time.Duration, maxRetransmit int, log Logger, m *metrics) *Registry {
	if notifyN <= 0 {
		notifyN = defaultNotifyCON
	}
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	if maxRetransmit <= 0 {
		maxRetransmit = defaultMaxRetransmit
	}
	return &Registry{
		resources:     make(map[string]*ResourceState),
		subs:          make(map[RequestKey]*Subscription),
		index:         make(map[RequestKey]string),
		outbound:      outbound,
		notifyN:       notifyN,
		ackTimeout:    ackTimeout,
		maxRetransmit: maxRetransmit,
		metrics:       m,
		log:           log,
	}
}

// FilterResult reports what the dispatcher should do after Filter runs.
type FilterResult int

const (
	// Admit means the dispatcher should proceed to invoke the handler.
	Admit FilterResult = iota
	// Consumed means the registry has fully handled the request (and may
	// have enqueued a reply); the dispatcher does not call the handler.
	Consumed
)

// Filter inspects the Observe option on req, per §4.3. materialize is
// called (at most once, synchronously) when a new subscription needs an
// initial payload; it mirrors "handler is not invoked for subsequent
// refreshes but is invoked on first registration to materialize
// current_payload."
func (r *Registry) Filter(req *Packet, peer *net.UDPAddr, materialize func(resource string) []byte) FilterResult {
	obs, ok := req.Observe()
	if !ok {
		return Admit
	}
	if req.Code != codes.GET {
		return Admit
	}

	key := newRequestKey(peer, req.Token)
	resource := req.UriPath()

	switch obs {
	case 0:
		r.register(key, peer, resource, req, materialize)
		return Consumed
	case 1:
		r.deregister(key, dropReasonDeregistered)
		return Consumed
	default:
		return Admit
	}
}

func (r *Registry) register(key RequestKey, peer *net.UDPAddr, resource string, req *Packet, materialize func(string) []byte) {
	r.mu.Lock()
	if existing, already := r.subs[key]; already {
		payload := resourcePayloadLocked(r.resources, resource)
		seq := existing.NextSeq - 1
		r.mu.Unlock()
		r.sendRegistrationReply(existing, req.MessageID, seq, payload)
		return
	}
	r.mu.Unlock()

	// materialize invokes the application handler synchronously and must
	// never run while r.mu is held: the handler holds no lock on the
	// registry (§4.4), and a handler whose materialization path itself
	// writes-and-notifies another resource would otherwise re-enter Notify's
	// r.mu.Lock() on the same goroutine and deadlock the event loop.
	var payload []byte
	if materialize != nil {
		payload = materialize(resource)
	}

	r.mu.Lock()
	// Re-check: another registration for the same key, or a concurrent write
	// to resource's payload, may have landed while materialize ran unlocked.
	if existing, already := r.subs[key]; already {
		current := resourcePayloadLocked(r.resources, resource)
		seq := existing.NextSeq - 1
		r.mu.Unlock()
		r.sendRegistrationReply(existing, req.MessageID, seq, current)
		return
	}

	state, ok := r.resources[resource]
	if !ok {
		state = &ResourceState{Subscribers: make(map[RequestKey]struct{})}
		r.resources[resource] = state
	}
	state.Payload = payload

	sub := &Subscription{
		Key:          key,
		Peer:         peer,
		Resource:     resource,
		RegisteredAt: time.Now(),
		NextSeq:      2,
		ResponseTemplate: &Packet{
			Type:  udpmessage.Acknowledgement,
			Code:  codes.Content,
			Token: req.Token,
		},
	}
	r.subs[key] = sub
	r.index[key] = resource
	state.Subscribers[key] = struct{}{}
	if r.metrics != nil {
		r.metrics.activeSubscriptions.Inc()
	}
	replyPayload := append([]byte(nil), state.Payload...)
	r.mu.Unlock()

	// Registration (next_seq starts at 2): the reply carries seq 1.
	r.sendRegistrationReply(sub, req.MessageID, 1, replyPayload)
}

// sendRegistrationReply synthesizes the ACK/2.05 registration reply,
// piggybacked on the inbound request's message ID, with the resource's
// current payload and the subscription's pre-increment sequence number
// (next_seq-1), per §4.3.
func (r *Registry) sendRegistrationReply(sub *Subscription, requestMessageID uint16, seq uint32, payload []byte) {
	reply := clonePacket(sub.ResponseTemplate)
	reply.MessageID = requestMessageID
	reply.SetObserve(seq)
	reply.Payload = payload
	r.enqueue(reply, sub.Peer)
}

func (r *Registry) deregister(key RequestKey, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(key, reason)
}

func (r *Registry) removeLocked(key RequestKey, reason string) {
	resource, ok := r.index[key]
	if !ok {
		return
	}
	delete(r.index, key)
	delete(r.subs, key)
	if state, ok := r.resources[resource]; ok {
		delete(state.Subscribers, key)
		if len(state.Subscribers) == 0 {
			delete(r.resources, resource)
		}
	}
	if r.metrics != nil {
		r.metrics.activeSubscriptions.Dec()
		r.metrics.subscriptionsDropped.WithLabelValues(reason).Inc()
	}
}

// Notify fans a resource write out to every subscriber of resource, per
// §4.3. It is called by the resource store on every write.
func (r *Registry) Notify(resource string, payload []byte) {
	r.mu.Lock()
	state, ok := r.resources[resource]
	if !ok {
		r.mu.Unlock()
		return
	}
	state.Payload = append([]byte(nil), payload...)

	type pending struct {
		sub *Subscription
		pkt *Packet
		con bool
	}
	var batch []pending

	for key := range state.Subscribers {
		sub := r.subs[key]
		if sub == nil {
			continue
		}
		seq := sub.NextSeq
		sub.NextSeq = (sub.NextSeq + 1) % seqModulus

		con := int(seq)%r.notifyN == 0
		typ := udpmessage.NonConfirmable
		if con {
			typ = udpmessage.Confirmable
		}

		pkt := clonePacket(sub.ResponseTemplate)
		pkt.Type = typ
		pkt.MessageID = newMessageID()
		pkt.SetObserve(seq)
		pkt.Payload = append([]byte(nil), payload...)

		if con {
			sub.Unacked = &pendingCon{
				packet:    pkt,
				messageID: pkt.MessageID,
				deadline:  time.Now().Add(r.jitteredTimeout(0)),
				attempts:  0,
			}
		}
		batch = append(batch, pending{sub: sub, pkt: pkt, con: con})
	}
	r.mu.Unlock()

	for _, p := range batch {
		r.enqueue(p.pkt, p.sub.Peer)
		if r.metrics != nil {
			r.metrics.notificationsSent.Inc()
		}
	}
}

// Tick scans subscriptions for elapsed retransmission deadlines, per §4.3.
// It returns the earliest future deadline across all subscriptions, or the
// zero Time if no subscription has a pending CON (disarmed timer).
func (r *Registry) Tick(now time.Time) time.Time {
	r.mu.Lock()

	var toDrop []RequestKey
	var toResend []struct {
		sub *Subscription
		pkt *Packet
	}
	var earliest time.Time

	for key, sub := range r.subs {
		p := sub.Unacked
		if p == nil {
			continue
		}
		if !p.deadline.After(now) {
			if p.attempts >= r.maxRetransmit {
				toDrop = append(toDrop, key)
				continue
			}
			p.attempts++
			p.deadline = now.Add(r.jitteredTimeout(p.attempts))
			toResend = append(toResend, struct {
				sub *Subscription
				pkt *Packet
			}{sub, p.packet})
			continue
		}
		if earliest.IsZero() || p.deadline.Before(earliest) {
			earliest = p.deadline
		}
	}

	for _, key := range toDrop {
		r.removeLocked(key, dropReasonRetransmitExhausted)
	}
	// Dropped subscriptions no longer contribute a deadline; resends
	// already advanced, so recompute earliest including their new deadlines.
	for key, sub := range r.subs {
		_ = key
		if sub.Unacked == nil {
			continue
		}
		if earliest.IsZero() || sub.Unacked.deadline.Before(earliest) {
			earliest = sub.Unacked.deadline
		}
	}
	r.mu.Unlock()

	for _, rs := range toResend {
		r.enqueue(rs.pkt, rs.sub.Peer)
		if r.metrics != nil {
			r.metrics.retransmits.Inc()
		}
	}
	return earliest
}

// NextDeadline returns the earliest pending CON retransmission deadline
// across all subscriptions without mutating anything, or the zero Time if
// none is pending. Used by the dispatcher to (re)arm its timer outside of a
// Tick call, e.g. right after Notify creates a fresh pending CON.
func (r *Registry) NextDeadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	var earliest time.Time
	for _, sub := range r.subs {
		if sub.Unacked == nil {
			continue
		}
		if earliest.IsZero() || sub.Unacked.deadline.Before(earliest) {
			earliest = sub.Unacked.deadline
		}
	}
	return earliest
}

// HasPendingUnacked reports whether any subscription still has an
// outstanding CON notification, used by the dispatcher's Draining ->
// Terminated transition (§4.4).
func (r *Registry) HasPendingUnacked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.Unacked != nil {
			return true
		}
	}
	return false
}

// OnReply correlates an inbound ACK/RST with a subscription's pending CON
// notification, per §4.3. ackType must be udpmessage.Acknowledgement or
// udpmessage.Reset; any other type is ignored.
func (r *Registry) OnReply(peer *net.UDPAddr, messageID uint16, typ udpmessage.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, sub := range r.subs {
		if sub.Peer.String() != peer.String() {
			continue
		}
		if sub.Unacked == nil || sub.Unacked.messageID != messageID {
			continue
		}
		switch typ {
		case udpmessage.Acknowledgement:
			sub.Unacked = nil
		case udpmessage.Reset:
			sub.Unacked = nil
			r.removeLocked(key, dropReasonReset)
		}
		return
	}
}

func (r *Registry) enqueue(p *Packet, peer *net.UDPAddr) {
	if r.outbound == nil {
		return
	}
	r.outbound <- OutboundItem{Packet: p, Peer: peer}
}

// resourcePayloadLocked copies the current payload for resource, or nil if
// resource has never been written. Caller must hold r.mu.
func resourcePayloadLocked(resources map[string]*ResourceState, resource string) []byte {
	state, ok := resources[resource]
	if !ok {
		return nil
	}
	return append([]byte(nil), state.Payload...)
}

func clonePacket(p *Packet) *Packet {
	cp := *p
	cp.Options = append(Options(nil), p.Options...)
	cp.Payload = append([]byte(nil), p.Payload...)
	return &cp
}

// jitteredTimeout returns the retransmission delay for the given attempt
// number (0 = first send), following RFC 7252 §4.2's exponential backoff:
// ACK_TIMEOUT * ACK_RANDOM_FACTOR jittered, doubling per attempt.
func (r *Registry) jitteredTimeout(attempt int) time.Duration {
	base := float64(r.ackTimeout)
	jittered := base + rand.Float64()*base*(ackRandomFactor-1)
	for i := 0; i < attempt; i++ {
		jittered *= 2
	}
	return time.Duration(jittered)
}
