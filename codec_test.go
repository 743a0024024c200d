package core

import (
	"bytes"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "GET with token and Uri-Path",
			pkt: &Packet{
				Type:      udpmessage.Confirmable,
				Code:      codes.GET,
				MessageID: 1,
				Token:     message.Token{0x51, 0x55, 0x77, 0xE8},
				Options: Options{
					{ID: message.URIPath, Value: []byte("test-echo")},
				},
			},
		},
		{
			name: "no token",
			pkt: &Packet{
				Type:      udpmessage.Confirmable,
				Code:      codes.GET,
				MessageID: 2,
				Options: Options{
					{ID: message.URIPath, Value: []byte("test-echo")},
				},
			},
		},
		{
			name: "with payload",
			pkt: &Packet{
				Type:      udpmessage.Acknowledgement,
				Code:      codes.Content,
				MessageID: 3,
				Token:     message.Token{0x01},
				Payload:   []byte("data1"),
			},
		},
		{
			name: "Observe option with multi-byte extended length option",
			pkt: &Packet{
				Type:      udpmessage.NonConfirmable,
				Code:      codes.Content,
				MessageID: 4,
				Options: Options{
					{ID: message.Observe, Value: []byte{0x00, 0x01, 0x02}},
					{ID: message.URIPath, Value: bytes.Repeat([]byte("x"), 300)},
				},
			},
		},
		{
			name: "max token length",
			pkt: &Packet{
				Type:      udpmessage.Confirmable,
				Code:      codes.GET,
				MessageID: 5,
				Token:     message.Token{1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := Encode(tc.pkt)
			got, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode(Encode(p)) failed: %v", err)
			}
			if got.Type != tc.pkt.Type {
				t.Errorf("Type = %v, want %v", got.Type, tc.pkt.Type)
			}
			if got.Code != tc.pkt.Code {
				t.Errorf("Code = %v, want %v", got.Code, tc.pkt.Code)
			}
			if got.MessageID != tc.pkt.MessageID {
				t.Errorf("MessageID = %v, want %v", got.MessageID, tc.pkt.MessageID)
			}
			if !bytes.Equal(got.Token, tc.pkt.Token) {
				t.Errorf("Token = %x, want %x", got.Token, tc.pkt.Token)
			}
			if !bytes.Equal(got.Payload, tc.pkt.Payload) {
				t.Errorf("Payload = %q, want %q", got.Payload, tc.pkt.Payload)
			}
			if len(got.Options) != len(tc.pkt.Options) {
				t.Fatalf("Options length = %d, want %d", len(got.Options), len(tc.pkt.Options))
			}
			wantSorted := append(Options(nil), tc.pkt.Options...)
			wantSorted.Sort()
			for i := range got.Options {
				if got.Options[i].ID != wantSorted[i].ID || !bytes.Equal(got.Options[i].Value, wantSorted[i].Value) {
					t.Errorf("Options[%d] = %+v, want %+v", i, got.Options[i], wantSorted[i])
				}
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
	}{
		{name: "too short", buf: []byte{0x40, 0x01}},
		{name: "bad version", buf: []byte{0x00, 0x01, 0x00, 0x01}},
		{name: "token length exceeds 8", buf: []byte{0x4F, 0x01, 0x00, 0x01}},
		{name: "truncated token", buf: []byte{0x42, 0x01, 0x00, 0x01, 0xAA}},
		{
			name: "option length extension truncated",
			buf:  []byte{0x40, 0x01, 0x00, 0x01, 0xDD},
		},
		{
			name: "payload marker with empty payload",
			buf:  []byte{0x40, 0x01, 0x00, 0x01, 0xFF},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.buf)
			if err == nil {
				t.Fatalf("Decode(%x) succeeded, want error", tc.buf)
			}
			var decodeErr *DecodeError
			if !isDecodeError(err, &decodeErr) {
				t.Errorf("error is not a *DecodeError: %v", err)
			}
		})
	}
}

func isDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}

func TestEncodePanicsOnOversizeToken(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Encode to panic on a >8 byte token")
		}
	}()
	Encode(&Packet{Token: message.Token{1, 2, 3, 4, 5, 6, 7, 8, 9}})
}

func TestOptionsSortStable(t *testing.T) {
	opts := Options{
		{ID: message.URIPath, Value: []byte("b")},
		{ID: message.URIPath, Value: []byte("a")},
		{ID: message.ContentFormat, Value: []byte{0}},
	}
	opts.Sort()
	if opts[0].ID != message.ContentFormat {
		t.Errorf("expected Content-Format first after sort, got %v", opts[0].ID)
	}
	if string(opts[1].Value) != "b" || string(opts[2].Value) != "a" {
		t.Error("expected equal-ID options to keep insertion order after a stable sort")
	}
}

func TestFirstUnknownCritical(t *testing.T) {
	recognized := Options{
		{ID: message.URIPath, Value: []byte("test")},
		{ID: message.Observe, Value: []byte{0}},
		{ID: message.ContentFormat, Value: []byte{0}},
	}
	if _, bad := recognized.FirstUnknownCritical(); bad {
		t.Error("expected no unknown critical option among recognized base options")
	}

	withUnknownCritical := append(Options{}, recognized...)
	withUnknownCritical = append(withUnknownCritical, Option{ID: message.OptionID(9), Value: []byte{1}})
	id, bad := withUnknownCritical.FirstUnknownCritical()
	if !bad || id != message.OptionID(9) {
		t.Errorf("FirstUnknownCritical() = (%v, %v), want (9, true)", id, bad)
	}

	withUnknownElective := append(Options{}, recognized...)
	withUnknownElective = append(withUnknownElective, Option{ID: message.OptionID(2), Value: []byte{1}})
	if _, bad := withUnknownElective.FirstUnknownCritical(); bad {
		t.Error("an unrecognized even-numbered (elective) option must not be rejected")
	}
}

func TestPacketUriPath(t *testing.T) {
	p := &Packet{Options: Options{
		{ID: message.URIPath, Value: []byte("sensors")},
		{ID: message.URIPath, Value: []byte("42")},
		{ID: message.URIPath, Value: []byte("temperature")},
	}}
	if got, want := p.UriPath(), "sensors/42/temperature"; got != want {
		t.Errorf("UriPath() = %q, want %q", got, want)
	}
}
