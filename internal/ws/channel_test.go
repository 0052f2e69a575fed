package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"boatd/internal/protocol"
)

// fakeRelay accepts device connections and hands them to the test.
type fakeRelay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	relay.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay.conns <- conn
	}))
	t.Cleanup(relay.srv.Close)
	return relay
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/device/{device_id}"
}

func (f *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no device connection")
		return nil
	}
}

func newTestChannel(t *testing.T, relay *fakeRelay) *Channel {
	t.Helper()
	ch := New(Options{
		ServerURL:     relay.url(),
		DeviceID:      "boat-test",
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		ReadTimeout:   5 * time.Second,
	})
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannel_ConnectAndReceiveFIFO(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay(t)
	ch := newTestChannel(t, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)
	defer ch.Close()

	server := relay.accept(t)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })
	if ch.Epoch() != 1 {
		t.Fatalf("epoch=%d", ch.Epoch())
	}

	for seq := 1; seq <= 3; seq++ {
		env := protocol.Envelope{Type: protocol.TypePing, Seq: uint64(seq)}
		if err := server.WriteJSON(env); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	for seq := 1; seq <= 3; seq++ {
		select {
		case env := <-ch.Inbound():
			if env.Seq != uint64(seq) {
				t.Fatalf("out of order: got seq %d, want %d", env.Seq, seq)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("missing frame %d", seq)
		}
	}
}

func TestChannel_SendFailsWhenNotConnected(t *testing.T) {
	t.Parallel()

	ch := New(Options{ServerURL: "ws://127.0.0.1:1/ws/device/{device_id}", DeviceID: "boat-test"})
	if err := ch.Send(protocol.TypeTelemetry, nil); err != ErrNotConnected {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
}

func TestChannel_SendAssignsSequence(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay(t)
	ch := newTestChannel(t, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)
	defer ch.Close()

	server := relay.accept(t)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	for i := 0; i < 3; i++ {
		if err := ch.Send(protocol.TypePong, protocol.PongPayload{Timestamp: int64(i)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for want := uint64(1); want <= 3; want++ {
		var env protocol.Envelope
		if err := server.ReadJSON(&env); err != nil {
			t.Fatalf("server read: %v", err)
		}
		if env.Seq != want {
			t.Fatalf("seq=%d, want %d", env.Seq, want)
		}
	}
}

func TestChannel_MalformedFrameDroppedConnectionKept(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay(t)
	ch := newTestChannel(t, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)
	defer ch.Close()

	server := relay.accept(t)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	if err := server.WriteMessage(websocket.TextMessage, []byte(`{broken`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := server.WriteJSON(protocol.Envelope{Type: protocol.TypePing, Seq: 42}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case env := <-ch.Inbound():
		if env.Seq != 42 {
			t.Fatalf("got seq %d, want the valid frame", env.Seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid frame not delivered")
	}
	if ch.State() != StateConnected {
		t.Fatalf("state=%v after malformed frame", ch.State())
	}
}

func TestChannel_ReconnectStartsNewEpoch(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay(t)
	ch := newTestChannel(t, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)
	defer ch.Close()

	first := relay.accept(t)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })
	if err := ch.Send(protocol.TypePong, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	first.Close()

	second := relay.accept(t)
	waitFor(t, "reconnected", func() bool {
		return ch.Epoch() == 2 && ch.State() == StateConnected
	})

	// Fresh epoch: sequence space resets.
	if err := ch.Send(protocol.TypePong, nil); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	var env protocol.Envelope
	if err := second.ReadJSON(&env); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if env.Seq != 1 {
		t.Fatalf("seq=%d after reconnect, want 1", env.Seq)
	}
}

func TestChannel_CloseIsTerminal(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay(t)
	ch := newTestChannel(t, relay)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	relay.accept(t)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	ch.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit")
	}
	if ch.State() != StateClosed {
		t.Fatalf("state=%v", ch.State())
	}
	if err := ch.Send(protocol.TypeTelemetry, nil); err != ErrClosed {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestChannel_RetriesUntilServerAppears(t *testing.T) {
	t.Parallel()

	// Point at a dead port first; the channel must keep retrying
	// without giving up, and cancel cleanly.
	ch := New(Options{
		ServerURL:     "ws://127.0.0.1:1/ws/device/{device_id}",
		DeviceID:      "boat-test",
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	if st := ch.State(); st != StateConnecting && st != StateReconnecting {
		t.Fatalf("state=%v, want a retrying state", st)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit on cancel")
	}
}

func TestChannel_StateChangesCoalesceToLatest(t *testing.T) {
	t.Parallel()

	ch := New(Options{ServerURL: "ws://127.0.0.1:1/ws/device/{device_id}", DeviceID: "boat-test"})

	// No reader while a burst of transitions goes by: the observer
	// must still get the newest one.
	ch.setState(StateConnecting)
	ch.setState(StateConnected)
	ch.setState(StateReconnecting)

	select {
	case st := <-ch.StateChanges():
		if st != StateReconnecting {
			t.Fatalf("state=%v, want the latest transition", st)
		}
	default:
		t.Fatal("no state notification pending")
	}
}

func TestChannel_EnvelopeJSONShape(t *testing.T) {
	t.Parallel()

	env, err := protocol.NewEnvelope(protocol.TypeTelemetry, 3, map[string]int{"x": 1})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"telemetry","seq":3,"payload":{"x":1}}`
	if string(data) != want {
		t.Fatalf("wire shape %s, want %s", data, want)
	}
}
