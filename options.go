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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// serverOptions holds the configurable knobs of a Dispatcher. Zero value is
// not meaningful on its own; defaultServerOptions fills it in.
type serverOptions struct {
	logger        Logger
	registerer    prometheus.Registerer
	notifyN       int
	ackTimeout    time.Duration
	maxRetransmit int
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		notifyN:       defaultNotifyCON,
		ackTimeout:    defaultAckTimeout,
		maxRetransmit: defaultMaxRetransmit,
	}
}

// ServerOption configures a Dispatcher at construction time, following the
// functional-options pattern used throughout the wider go-coap ecosystem
// (e.g. schmurfy's udp server ServerOption/WithXxx helpers).
type ServerOption interface {
	apply(*serverOptions)
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) apply(o *serverOptions) { f(o) }

// WithLogger attaches a Logger; nil (the default) makes logging a no-op.
func WithLogger(l Logger) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.logger = l })
}

// WithMetrics registers the core's Prometheus collectors on reg. Omit this
// option to run without metrics.
func WithMetrics(reg prometheus.Registerer) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.registerer = reg })
}

// WithNotifyEveryNthCON sets how often an Observe notification is sent
// Confirmable rather than Non-confirmable (§4.3). n=1 (the default) makes
// every notification CON; n=3 makes every third one CON with NON in between,
// the RFC 7641 §4.5 "periodic CON" pattern.
func WithNotifyEveryNthCON(n int) ServerOption {
	return serverOptionFunc(func(o *serverOptions) {
		if n > 0 {
			o.notifyN = n
		}
	})
}

// WithAckTimeout overrides RFC 7252 §4.2's ACK_TIMEOUT (default 2s), the base
// delay before a confirmable Observe notification is first retransmitted.
func WithAckTimeout(d time.Duration) ServerOption {
	return serverOptionFunc(func(o *serverOptions) {
		if d > 0 {
			o.ackTimeout = d
		}
	})
}

// WithMaxRetransmit overrides RFC 7252 §4.2's MAX_RETRANSMIT (default 4), the
// number of retransmissions attempted before a subscription's confirmable
// notification is given up on and the subscription is dropped.
func WithMaxRetransmit(n int) ServerOption {
	return serverOptionFunc(func(o *serverOptions) {
		if n > 0 {
			o.maxRetransmit = n
		}
	})
}
