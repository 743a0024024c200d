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

import "github.com/prometheus/client_golang/prometheus"

// metrics is the optional Prometheus instrumentation for the observer
// registry and dispatcher. It is constructed lazily: a Dispatcher built
// without WithMetrics has a metrics value whose methods are all no-ops.
type metrics struct {
	notificationsSent    prometheus.Counter
	retransmits          prometheus.Counter
	subscriptionsDropped *prometheus.CounterVec
	activeSubscriptions  prometheus.Gauge
	inboundMalformed     prometheus.Counter
}

// newMetrics registers the core's counters/gauges on reg and returns the
// handle used internally. Panics if reg already has conflicting
// collectors registered (mirrors prometheus.MustRegister's contract).
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		notificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_notifications_sent_total",
			Help: "Observe notifications enqueued for transmission.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_retransmits_total",
			Help: "Confirmable notification retransmissions sent.",
		}),
		subscriptionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coap_subscriptions_dropped_total",
			Help: "Subscriptions removed from the observer registry, by reason.",
		}, []string{"reason"}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coap_active_subscriptions",
			Help: "Number of subscriptions currently tracked by the observer registry.",
		}),
		inboundMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_inbound_malformed_total",
			Help: "Inbound datagrams dropped for failing to decode.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.notificationsSent,
			m.retransmits,
			m.subscriptionsDropped,
			m.activeSubscriptions,
			m.inboundMalformed,
		)
	}
	return m
}

// Drop reasons used with subscriptionsDropped.
const (
	dropReasonDeregistered        = "deregistered"
	dropReasonReset               = "reset"
	dropReasonRetransmitExhausted = "retransmit_exhausted"
)
