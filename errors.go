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

import "errors"

// Sentinel loop-level errors, matching the granularity of the original
// Rust core's CoAPServerError enum (NetworkError, EventLoopError,
// AnotherHandlerIsRunning, EventSendError) so callers can errors.Is against
// them instead of pattern-matching an enum.
var (
	// ErrNetwork wraps an I/O error surfaced from the UDP socket.
	ErrNetwork = errors.New("coap: network error")
	// ErrEventLoop is returned when the dispatcher's event loop exits
	// because one of its readiness sources failed unrecoverably.
	ErrEventLoop = errors.New("coap: event loop error")
	// ErrAnotherHandlerRunning is returned by Run if called while a
	// previous Run call on the same Dispatcher is still active.
	ErrAnotherHandlerRunning = errors.New("coap: another handler is already running")
	// ErrEventSend is returned when an outbound item cannot be queued
	// because the dispatcher has already stopped.
	ErrEventSend = errors.New("coap: event loop is no longer accepting sends")
	// ErrMulticastJoinFailure is returned by JoinMulticast/EnableAllCoAP
	// setup failures.
	ErrMulticastJoinFailure = errors.New("coap: multicast join failed")
)
