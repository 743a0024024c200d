package core

import (
	"net"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// echoHandler implements scenarios 1/2 (§8): copy the first Uri-Path
// segment into the response payload.
func echoHandler(req *Packet, peer *net.UDPAddr) *Packet {
	segs := req.Options.Values(message.URIPath)
	var payload []byte
	if len(segs) > 0 {
		payload = append([]byte(nil), segs[0]...)
	}
	return &Packet{Code: codes.Content, Payload: payload}
}

func startTestDispatcher(t *testing.T, opts ...ServerOption) (*Dispatcher, chan error) {
	t.Helper()
	d, err := New("127.0.0.1:0", opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(echoHandler) }()
	t.Cleanup(func() {
		d.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not terminate after Stop")
		}
	})
	return d, done
}

func readReply(t *testing.T, conn *net.UDPConn) *Packet {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	pkt, err := Decode(buf[:n])
	require.NoError(t, err)
	return pkt
}

// TestEchoScenario covers scenario 1 (§8): CON GET with a token echoes the
// Uri-Path segment back as the payload.
func TestEchoScenario(t *testing.T) {
	d, _ := startTestDispatcher(t)

	conn, err := net.DialUDP("udp", nil, d.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	req := &Packet{
		Type:      udpmessage.Confirmable,
		Code:      codes.GET,
		MessageID: 1,
		Token:     message.Token{0x51, 0x55, 0x77, 0xE8},
		Options:   Options{{ID: message.URIPath, Value: []byte("test-echo")}},
	}
	_, err = conn.Write(Encode(req))
	require.NoError(t, err)

	reply := readReply(t, conn)
	require.Equal(t, []byte("test-echo"), reply.Payload)
	require.Equal(t, message.Token{0x51, 0x55, 0x77, 0xE8}, reply.Token)
	require.Equal(t, udpmessage.Acknowledgement, reply.Type)
	require.Equal(t, req.MessageID, reply.MessageID)
}

// TestEchoScenarioNoToken covers scenario 2 (§8).
func TestEchoScenarioNoToken(t *testing.T) {
	d, _ := startTestDispatcher(t)

	conn, err := net.DialUDP("udp", nil, d.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	req := &Packet{
		Type:      udpmessage.Confirmable,
		Code:      codes.GET,
		MessageID: 2,
		Options:   Options{{ID: message.URIPath, Value: []byte("test-echo")}},
	}
	_, err = conn.Write(Encode(req))
	require.NoError(t, err)

	reply := readReply(t, conn)
	require.Equal(t, []byte("test-echo"), reply.Payload)
	require.Empty(t, reply.Token)
}

// TestObserveUpdateScenario covers scenario 3 (§8): PUT a value, Observe it,
// then a second PUT produces a notification within 5s.
func TestObserveUpdateScenario(t *testing.T) {
	d, err := New("127.0.0.1:0")
	require.NoError(t, err)

	store := NewStore(d.Registry())
	router := NewRouter()
	require.NoError(t, router.Handle("test", func(req *Packet, peer *net.UDPAddr, vars map[string]string) *Packet {
		switch req.Code {
		case codes.PUT:
			store.Put("test", req.Payload)
			return &Packet{Code: codes.Changed}
		default:
			payload, _ := store.Get("test")
			return &Packet{Code: codes.Content, Payload: payload}
		}
	}))

	done := make(chan error, 1)
	go func() { done <- d.Run(router.AsHandler()) }()
	t.Cleanup(func() {
		d.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not terminate after Stop")
		}
	})

	conn, err := net.DialUDP("udp", nil, d.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	put1 := &Packet{
		Type:      udpmessage.Confirmable,
		Code:      codes.PUT,
		MessageID: 10,
		Token:     message.Token{0x01},
		Options:   Options{{ID: message.URIPath, Value: []byte("test")}},
		Payload:   []byte("data1"),
	}
	_, err = conn.Write(Encode(put1))
	require.NoError(t, err)
	ack1 := readReply(t, conn)
	require.Equal(t, codes.Changed, ack1.Code)

	observeReq := &Packet{
		Type:      udpmessage.Confirmable,
		Code:      codes.GET,
		MessageID: 11,
		Token:     message.Token{0x02},
		Options:   Options{{ID: message.URIPath, Value: []byte("test")}},
	}
	observeReq.SetObserve(0)
	_, err = conn.Write(Encode(observeReq))
	require.NoError(t, err)
	registered := readReply(t, conn)
	require.Equal(t, []byte("data1"), registered.Payload)

	put2 := &Packet{
		Type:      udpmessage.Confirmable,
		Code:      codes.PUT,
		MessageID: 12,
		Token:     message.Token{0x01},
		Options:   Options{{ID: message.URIPath, Value: []byte("test")}},
		Payload:   []byte("data2"),
	}
	_, err = conn.Write(Encode(put2))
	require.NoError(t, err)

	// The PUT's own ack and the fan-out notification are both enqueued
	// before either is flushed to the wire; don't assume which one the
	// client reads first.
	first := readReply(t, conn)
	second := readReply(t, conn)
	var notification *Packet
	if len(first.Payload) > 0 {
		notification = first
	} else {
		notification = second
	}
	require.Equal(t, []byte("data2"), notification.Payload)
}

// TestRegisterDeregisterSymmetryEndToEnd covers scenario 6 (§8) through the
// dispatcher rather than the registry directly.
func TestRegisterDeregisterSymmetryEndToEnd(t *testing.T) {
	d, err := New("127.0.0.1:0")
	require.NoError(t, err)

	store := NewStore(d.Registry())
	router := NewRouter()
	require.NoError(t, router.Handle("test", func(req *Packet, peer *net.UDPAddr, vars map[string]string) *Packet {
		payload, _ := store.Get("test")
		return &Packet{Code: codes.Content, Payload: payload}
	}))

	done := make(chan error, 1)
	go func() { done <- d.Run(router.AsHandler()) }()
	t.Cleanup(func() {
		d.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not terminate after Stop")
		}
	})

	conn, err := net.DialUDP("udp", nil, d.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	register := &Packet{
		Type:      udpmessage.Confirmable,
		Code:      codes.GET,
		MessageID: 20,
		Token:     message.Token{0x09},
		Options:   Options{{ID: message.URIPath, Value: []byte("test")}},
	}
	register.SetObserve(0)
	_, err = conn.Write(Encode(register))
	require.NoError(t, err)
	readReply(t, conn)

	deregister := &Packet{
		Type:      udpmessage.Confirmable,
		Code:      codes.GET,
		MessageID: 21,
		Token:     message.Token{0x09},
		Options:   Options{{ID: message.URIPath, Value: []byte("test")}},
	}
	deregister.SetObserve(1)
	_, err = conn.Write(Encode(deregister))
	require.NoError(t, err)
	readReply(t, conn)

	require.False(t, d.Registry().HasPendingUnacked())
	d.Registry().Notify("test", []byte("x"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 64)
	_, _, err = conn.ReadFromUDP(buf)
	require.Error(t, err, "expected no datagram after deregistration")
}

// TestDispatcherStopLeavesNoGoroutine checks the event-loop and reader
// goroutines are gone after Stop() returns, per §4.4's Draining ->
// Terminated transition.
func TestDispatcherStopLeavesNoGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, err := New("127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(echoHandler) }()

	// give the loop a moment to start before stopping it.
	time.Sleep(50 * time.Millisecond)

	d.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not terminate after Stop")
	}
}

// TestRejectsUnknownCriticalOption covers §3's Packet invariant: a request
// carrying a critical (odd-numbered) option this core doesn't recognize is
// answered 4.02 Bad Option without reaching the application handler.
func TestRejectsUnknownCriticalOption(t *testing.T) {
	d, _ := startTestDispatcher(t)

	conn, err := net.DialUDP("udp", nil, d.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	req := &Packet{
		Type:      udpmessage.Confirmable,
		Code:      codes.GET,
		MessageID: 3,
		Options: Options{
			{ID: message.URIPath, Value: []byte("test-echo")},
			{ID: message.OptionID(9), Value: []byte{0x01}}, // odd, unrecognized
		},
	}
	_, err = conn.Write(Encode(req))
	require.NoError(t, err)

	reply := readReply(t, conn)
	require.Equal(t, codes.BadOption, reply.Code)
	require.Equal(t, req.MessageID, reply.MessageID)
}

// TestAnotherHandlerRunning covers the Run concurrency guard (§4.4).
func TestAnotherHandlerRunning(t *testing.T) {
	d, done := startTestDispatcher(t)
	time.Sleep(50 * time.Millisecond) // let the background Run claim the guard first

	err := d.Run(echoHandler)
	require.ErrorIs(t, err, ErrAnotherHandlerRunning)
	_ = done
}
