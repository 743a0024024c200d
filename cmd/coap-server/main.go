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

// Command coap-server runs a standalone CoAP core server exposing a single
// observable resource tree rooted at /res/{name}.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	core "github.com/coap-go/core"
)

var (
	flagListen        string
	flagMetricsAddr   string
	flagAllCoAP       bool
	flagSegment       uint
	flagNotifyN       int
	flagAckTimeout    time.Duration
	flagMaxRetransmit int
	flagLogLevel      string
	flagMulticasts    stringFlags
)

// stringFlags collects a repeatable flag into a slice, the same idiom the
// teacher's cmd/coap client uses for repeated -H header flags.
type stringFlags []string

func (f *stringFlags) String() string {
	return fmt.Sprintf("%v", *f)
}

func (f *stringFlags) Set(value string) error {
	*f = append(*f, strings.TrimSpace(value))
	return nil
}

func init() {
	flag.StringVar(&flagListen, "listen", "0.0.0.0:5683", "UDP address to bind the CoAP server on")
	flag.StringVar(&flagMetricsAddr, "metrics", "", "optional TCP address to serve Prometheus /metrics on, e.g. :9090")
	flag.BoolVar(&flagAllCoAP, "all-coap", false, "join the well-known All-CoAP multicast group on startup")
	flag.UintVar(&flagSegment, "segment", 0, "All-CoAP multicast segment (0x0-0xf)")
	flag.IntVar(&flagNotifyN, "notify-every", 1, "send every Nth Observe notification as Confirmable")
	flag.DurationVar(&flagAckTimeout, "ack-timeout", 2*time.Second, "RFC 7252 ACK_TIMEOUT before the first notification retransmit")
	flag.IntVar(&flagMaxRetransmit, "max-retransmit", 4, "RFC 7252 MAX_RETRANSMIT before a subscription is dropped")
	flag.StringVar(&flagLogLevel, "log-level", "info", "logrus level: debug, info, warn, error")
	flag.Var(&flagMulticasts, "multicast", "additional multicast group to join (repeatable), e.g. 224.0.1.200")
}

type logger struct{ l *logrus.Logger }

func (l *logger) Printf(format string, v ...interface{}) {
	l.l.Infof(format, v...)
}

func main() {
	flag.Parse()

	logrusLogger := logrus.New()
	level, err := logrus.ParseLevel(flagLogLevel)
	if err != nil {
		logrusLogger.WithError(err).Fatalf("invalid -log-level %q", flagLogLevel)
	}
	logrusLogger.SetLevel(level)
	log := &logger{l: logrusLogger}

	var registerer prometheus.Registerer
	if flagMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		registerer = reg
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logrusLogger.Infof("serving metrics on %s/metrics", flagMetricsAddr)
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
				logrusLogger.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	dispatcher, err := core.New(flagListen,
		core.WithLogger(log),
		core.WithMetrics(registerer),
		core.WithNotifyEveryNthCON(flagNotifyN),
		core.WithAckTimeout(flagAckTimeout),
		core.WithMaxRetransmit(flagMaxRetransmit),
	)
	if err != nil {
		logrusLogger.WithError(err).Fatal("failed to bind CoAP server")
	}

	if flagAllCoAP {
		if err := dispatcher.EnableAllCoAP(byte(flagSegment)); err != nil {
			logrusLogger.WithError(err).Fatal("failed to join All-CoAP multicast group")
		}
	}
	for _, addr := range flagMulticasts {
		ip := net.ParseIP(addr)
		if ip == nil {
			logrusLogger.Fatalf("invalid -multicast address %q", addr)
		}
		if err := dispatcher.JoinMulticast(ip, byte(flagSegment)); err != nil {
			logrusLogger.WithError(err).Fatalf("failed to join multicast group %s", addr)
		}
	}

	store := core.NewStore(dispatcher.Registry())
	router := core.NewRouter()
	if err := router.Handle("res/{name}", resourceHandler(store)); err != nil {
		logrusLogger.WithError(err).Fatal("failed to register route")
	}

	logrusLogger.Infof("listening on %s", dispatcher.LocalAddr())

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(router.AsHandler()) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			logrusLogger.WithError(err).Error("event loop exited")
			os.Exit(1)
		}
	case <-sigCh:
		logrusLogger.Info("received interrupt, draining")
		dispatcher.Stop()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			logrusLogger.Warn("drain timed out, exiting anyway")
		}
	}
}

// resourceHandler serves GET (read current value) and PUT (write + notify
// observers) against /res/{name}, driving the Observe update scenario the
// core's registry implements.
func resourceHandler(store *core.Store) core.RouteHandler {
	return func(req *core.Packet, peer *net.UDPAddr, vars map[string]string) *core.Packet {
		name := vars["name"]
		switch req.Code {
		case codes.PUT:
			store.Put(name, req.Payload)
			return &core.Packet{Code: codes.Changed}
		default: // GET, including Observe registrations materializing current state.
			payload, ok := store.Get(name)
			if !ok {
				return &core.Packet{Code: codes.NotFound}
			}
			return &core.Packet{Code: codes.Content, Payload: payload}
		}
	}
}
