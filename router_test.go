package core

import (
	"net"
	"strings"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message"
)

func packetForPath(path string) *Packet {
	p := &Packet{}
	for _, seg := range strings.Split(path, "/") {
		p.Options = p.Options.Add(message.URIPath, []byte(seg))
	}
	return p
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter()
	var gotName, gotID string
	if err := r.Handle("res/{name}", func(req *Packet, peer *net.UDPAddr, vars map[string]string) *Packet {
		gotName = vars["name"]
		return &Packet{Payload: []byte("res")}
	}); err != nil {
		t.Fatalf("Handle res/{name}: %v", err)
	}
	if err := r.Handle("sensors/{id}/temperature", func(req *Packet, peer *net.UDPAddr, vars map[string]string) *Packet {
		gotID = vars["id"]
		return &Packet{Payload: []byte("temp")}
	}); err != nil {
		t.Fatalf("Handle sensors/.../temperature: %v", err)
	}

	cases := []struct {
		path      string
		wantMatch bool
		wantName  string
		wantID    string
	}{
		{path: "res/living-room", wantMatch: true, wantName: "living-room"},
		{path: "sensors/42/temperature", wantMatch: true, wantID: "42"},
		{path: "unknown/path", wantMatch: false},
	}

	for _, tc := range cases {
		gotName, gotID = "", ""
		resp := r.Dispatch(packetForPath(tc.path), nil)
		if tc.wantMatch && resp == nil {
			t.Errorf("path %q: expected a match, got none", tc.path)
			continue
		}
		if !tc.wantMatch && resp != nil {
			t.Errorf("path %q: expected no match, got one", tc.path)
			continue
		}
		if tc.wantName != "" && gotName != tc.wantName {
			t.Errorf("path %q: name var = %q, want %q", tc.path, gotName, tc.wantName)
		}
		if tc.wantID != "" && gotID != tc.wantID {
			t.Errorf("path %q: id var = %q, want %q", tc.path, gotID, tc.wantID)
		}
	}
}

func TestRouterFirstMatchWins(t *testing.T) {
	r := NewRouter()
	var which string
	_ = r.Handle("a/{x}", func(req *Packet, peer *net.UDPAddr, vars map[string]string) *Packet {
		which = "first"
		return &Packet{}
	})
	_ = r.Handle("{x}/{y}", func(req *Packet, peer *net.UDPAddr, vars map[string]string) *Packet {
		which = "second"
		return &Packet{}
	})

	if resp := r.Dispatch(packetForPath("a/b"), nil); resp == nil {
		t.Fatal("expected a match")
	}
	if which != "first" {
		t.Errorf("expected first registered template to win, got %q", which)
	}
}

func TestRouteRegexpUnbalancedBraces(t *testing.T) {
	if _, err := newRouteRegexp("res/{name"); err == nil {
		t.Error("expected an error for an unbalanced brace template")
	}
}

func TestRouteRegexpCustomPattern(t *testing.T) {
	rx, err := newRouteRegexp(`sensors/{id:[0-9]+}`)
	if err != nil {
		t.Fatalf("newRouteRegexp: %v", err)
	}
	if _, ok := rx.match("sensors/abc"); ok {
		t.Error("expected non-numeric id to be rejected by the custom pattern")
	}
	vars, ok := rx.match("sensors/7")
	if !ok {
		t.Fatal("expected numeric id to match")
	}
	if vars["id"] != "7" {
		t.Errorf("id = %q, want %q", vars["id"], "7")
	}
}
