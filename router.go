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
	"bytes"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// RouteHandler handles a request matched against a registered template; vars
// holds the named path segments extracted from the request's Uri-Path.
type RouteHandler func(req *Packet, peer *net.UDPAddr, vars map[string]string) *Packet

// Router maps a CoAP request's Uri-Path (e.g. "sensors/{id}/temperature")
// against a set of registered templates and dispatches to the first match,
// in registration order. It is a generalization of the path-template engine
// the teacher uses to fold Matrix HTTP routes down onto CoAP path enums:
// here it routes CoAP paths directly to resource handlers instead of cross-
// mapping to HTTP.
type Router struct {
	routes []*route
}

type route struct {
	template string
	rx       *routeRegexp
	handler  RouteHandler
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers handler for template, a "/"-joined path whose segments
// may contain "{name}" or "{name:pattern}" placeholders, matched against the
// Uri-Path a decoded Packet carries (see Packet.UriPath).
func (r *Router) Handle(template string, handler RouteHandler) error {
	rx, err := newRouteRegexp(template)
	if err != nil {
		return fmt.Errorf("coap: bad route template %q: %w", template, err)
	}
	r.routes = append(r.routes, &route{template: template, rx: rx, handler: handler})
	return nil
}

// Dispatch finds the first registered template matching req's Uri-Path and
// invokes its handler, or returns nil if nothing matches (caller should
// respond 4.04, per convention of a HandlerFunc wrapping a Router).
func (r *Router) Dispatch(req *Packet, peer *net.UDPAddr) *Packet {
	path := req.UriPath()
	for _, rt := range r.routes {
		vars, ok := rt.rx.match(path)
		if !ok {
			continue
		}
		return rt.handler(req, peer, vars)
	}
	return nil
}

// AsHandler adapts the Router to a plain HandlerFunc for direct use with
// Dispatcher.Run.
func (r *Router) AsHandler() HandlerFunc {
	return func(req *Packet, peer *net.UDPAddr) *Packet {
		return r.Dispatch(req, peer)
	}
}

// ==================================================================
// Path template engine, adapted from gorilla/mux's route regexp compiler
// (https://github.com/gorilla/mux/blob/v1.8.0/regexp.go) down to just the
// path-template-to-regexp compilation: no host matching, no HTTP method
// matching, no reverse-URL building.
// ==================================================================

// routeRegexp compiles a "{name}"/"{name:pattern}" path template into a
// regexp plus its variable names, for matching CoAP Uri-Path strings.
type routeRegexp struct {
	template string
	regexp   *regexp.Regexp
	varsN    []string
}

// match reports whether path satisfies the template, returning the named
// variables bound from it.
func (rr *routeRegexp) match(path string) (map[string]string, bool) {
	matches := rr.regexp.FindStringSubmatchIndex(path)
	if matches == nil {
		return nil, false
	}
	vars := make(map[string]string, len(rr.varsN))
	for i, name := range rr.varsN {
		start, end := matches[2+2*i], matches[2+2*i+1]
		if start < 0 {
			continue
		}
		vars[name] = path[start:end]
	}
	return vars, true
}

// newRouteRegexp parses a path template and compiles it to a routeRegexp.
// Variable names and patterns can be anything non-empty save a colon in the
// name; the default pattern for a bare "{name}" is "[^/]+" (one segment).
func newRouteRegexp(tpl string) (*routeRegexp, error) {
	idxs, err := braceIndices(tpl)
	if err != nil {
		return nil, err
	}
	template := tpl

	const defaultPattern = "[^/]+"
	varsN := make([]string, len(idxs)/2)
	pattern := bytes.NewBufferString("")
	pattern.WriteByte('^')

	var end int
	for i := 0; i < len(idxs); i += 2 {
		raw := tpl[end:idxs[i]]
		end = idxs[i+1]
		parts := strings.SplitN(tpl[idxs[i]+1:end-1], ":", 2)
		name := parts[0]
		patt := defaultPattern
		if len(parts) == 2 {
			patt = parts[1]
		}
		if name == "" || patt == "" {
			return nil, fmt.Errorf("missing name or pattern in %q", tpl[idxs[i]:end])
		}
		fmt.Fprintf(pattern, "%s(?P<%s>%s)", regexp.QuoteMeta(raw), varGroupName(i/2), patt)
		varsN[i/2] = name
	}
	pattern.WriteString(regexp.QuoteMeta(tpl[end:]))
	pattern.WriteString("$")

	reg, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, err
	}
	if reg.NumSubexp() != len(idxs)/2 {
		return nil, fmt.Errorf("route %q contains capturing groups; use (?:pattern) instead of (pattern)", template)
	}

	return &routeRegexp{template: template, regexp: reg, varsN: varsN}, nil
}

// braceIndices returns the first-level curly brace index pairs in s, or an
// error on unbalanced braces.
func braceIndices(s string) ([]int, error) {
	var level, idx int
	var idxs []int
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			if level++; level == 1 {
				idx = i
			}
		case '}':
			if level--; level == 0 {
				idxs = append(idxs, idx, i+1)
			} else if level < 0 {
				return nil, fmt.Errorf("unbalanced braces in %q", s)
			}
		}
	}
	if level != 0 {
		return nil, fmt.Errorf("unbalanced braces in %q", s)
	}
	return idxs, nil
}

// varGroupName builds a capturing group name for the indexed template
// variable; Go's regexp group names must be valid identifiers, so the
// user-facing variable name (which may contain characters regexp group
// names disallow) is never used directly as the group name.
func varGroupName(idx int) string {
	return "v" + strconv.Itoa(idx)
}
