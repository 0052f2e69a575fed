package device

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"boatd/internal/command"
	"boatd/internal/protocol"
	"boatd/internal/telemetry"
	"boatd/internal/ws"
)

type sentMsg struct {
	Type    protocol.Type
	Payload any
}

type fakeChannel struct {
	mu      sync.Mutex
	state   ws.State
	sent    []sentMsg
	sendErr error
	closed  bool

	inbound chan protocol.Envelope
	states  chan ws.State
}

func newFakeChannel(state ws.State) *fakeChannel {
	return &fakeChannel{
		state:   state,
		inbound: make(chan protocol.Envelope, 16),
		states:  make(chan ws.State, 16),
	}
}

func (c *fakeChannel) Run(ctx context.Context) { <-ctx.Done() }

func (c *fakeChannel) Inbound() <-chan protocol.Envelope { return c.inbound }

func (c *fakeChannel) StateChanges() <-chan ws.State { return c.states }

func (c *fakeChannel) State() ws.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) setState(st ws.State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.states <- st
}

func (c *fakeChannel) Send(t protocol.Type, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMsg{Type: t, Payload: payload})
	return nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeChannel) sentOfType(t protocol.Type) []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMsg
	for _, m := range c.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeExec struct {
	mu       sync.Mutex
	calls    []protocol.CommandPayload
	outcome  command.Outcome
	blockCtx bool // execute holds until ctx is cancelled
}

func (e *fakeExec) Execute(ctx context.Context, cmd protocol.CommandPayload) command.Outcome {
	e.mu.Lock()
	e.calls = append(e.calls, cmd)
	e.mu.Unlock()
	if e.blockCtx {
		<-ctx.Done()
		return command.Failed("interrupted")
	}
	return e.outcome
}

func (e *fakeExec) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeMedia struct {
	mu         sync.Mutex
	offers     []protocol.SessionOfferPayload
	answers    []protocol.SessionAnswerPayload
	candidates []protocol.ICECandidatePayload
	created    []string
	closes     int
	err        error
}

func (m *fakeMedia) HandleOffer(p protocol.SessionOfferPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, p)
	return m.err
}

func (m *fakeMedia) HandleAnswer(p protocol.SessionAnswerPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, p)
	return m.err
}

func (m *fakeMedia) HandleCandidate(p protocol.ICECandidatePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, p)
	return m.err
}

func (m *fakeMedia) CreateOffer(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, sessionID)
	return m.err
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
}

func (m *fakeMedia) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type fixedSource struct{ rec telemetry.Record }

func (s fixedSource) Sample(ctx context.Context) telemetry.Record { return s.rec }

func envelope(t *testing.T, typ protocol.Type, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, 1, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func startOrchestrator(t *testing.T, opts Options, ch *fakeChannel, exec *fakeExec, media *fakeMedia) (cancel func(), done chan struct{}) {
	t.Helper()
	orch := New(opts, ch, exec, media, fixedSource{rec: telemetry.Record{Heading: 42}}, nil)
	ctx, cancelCtx := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancelCtx()
		<-done
	})
	return cancelCtx, done
}

func TestCommandProducesResult(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	exec := &fakeExec{outcome: command.Completed(map[string]any{"rudderDegrees": 12.0})}
	media := &fakeMedia{}
	startOrchestrator(t, Options{TelemetryInterval: time.Hour, DrainGrace: time.Second}, ch, exec, media)

	ch.inbound <- envelope(t, protocol.TypeCommand, protocol.CommandPayload{ID: "cmd-1", Kind: "setRudder"})

	waitFor(t, func() bool { return len(ch.sentOfType(protocol.TypeCommandResult)) == 1 }, "command result")

	res := ch.sentOfType(protocol.TypeCommandResult)[0].Payload.(protocol.CommandResultPayload)
	if res.ID != "cmd-1" || res.Outcome != protocol.OutcomeCompleted {
		t.Fatalf("result=%+v", res)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor called %d times", exec.callCount())
	}
}

func TestMalformedCommandDropped(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	exec := &fakeExec{}
	media := &fakeMedia{}
	startOrchestrator(t, Options{TelemetryInterval: time.Hour, DrainGrace: time.Second}, ch, exec, media)

	ch.inbound <- protocol.Envelope{Type: protocol.TypeCommand, Payload: json.RawMessage(`[1,2]`)}
	// A well-formed follow-up proves the loop survived.
	ch.inbound <- envelope(t, protocol.TypeCommand, protocol.CommandPayload{ID: "ok", Kind: "status"})

	waitFor(t, func() bool { return exec.callCount() == 1 }, "follow-up command")
}

func TestTelemetryCadence(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	startOrchestrator(t, Options{TelemetryInterval: 20 * time.Millisecond, DrainGrace: time.Second}, ch, &fakeExec{}, &fakeMedia{})

	waitFor(t, func() bool { return len(ch.sentOfType(protocol.TypeTelemetry)) >= 3 }, "telemetry records")

	rec := ch.sentOfType(protocol.TypeTelemetry)[0].Payload.(telemetry.Record)
	if rec.Heading != 42 {
		t.Fatalf("record=%+v", rec)
	}
}

func TestTelemetrySkippedWhileDisconnected(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateReconnecting)
	startOrchestrator(t, Options{TelemetryInterval: 10 * time.Millisecond, DrainGrace: time.Second}, ch, &fakeExec{}, &fakeMedia{})

	time.Sleep(80 * time.Millisecond)
	if n := len(ch.sentOfType(protocol.TypeTelemetry)); n != 0 {
		t.Fatalf("%d telemetry records sent while disconnected", n)
	}
}

func TestDisconnectClosesMediaSession(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	media := &fakeMedia{}
	startOrchestrator(t, Options{TelemetryInterval: time.Hour, DrainGrace: time.Second}, ch, &fakeExec{}, media)

	ch.setState(ws.StateReconnecting)

	waitFor(t, func() bool { return media.closeCount() >= 1 }, "media close")
}

func TestPingAnsweredWithPong(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	startOrchestrator(t, Options{TelemetryInterval: time.Hour, DrainGrace: time.Second}, ch, &fakeExec{}, &fakeMedia{})

	ch.inbound <- envelope(t, protocol.TypePing, protocol.PingPayload{Timestamp: 123})

	waitFor(t, func() bool { return len(ch.sentOfType(protocol.TypePong)) == 1 }, "pong")

	pong := ch.sentOfType(protocol.TypePong)[0].Payload.(protocol.PongPayload)
	if pong.Timestamp == 0 {
		t.Fatalf("pong carries no timestamp")
	}
}

func TestMediaMessagesRouted(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	media := &fakeMedia{}
	startOrchestrator(t, Options{TelemetryInterval: time.Hour, DrainGrace: time.Second}, ch, &fakeExec{}, media)

	ch.inbound <- envelope(t, protocol.TypeSessionOffer, protocol.SessionOfferPayload{SessionID: "s1"})
	ch.inbound <- envelope(t, protocol.TypeICECandidate, protocol.ICECandidatePayload{SessionID: "s1"})
	ch.inbound <- envelope(t, protocol.TypeOfferRequest, protocol.OfferRequestPayload{SessionID: "s2"})
	ch.inbound <- envelope(t, protocol.TypeSessionClose, protocol.SessionClosePayload{SessionID: "s1"})

	waitFor(t, func() bool { return media.closeCount() >= 1 }, "session close")

	media.mu.Lock()
	defer media.mu.Unlock()
	if len(media.offers) != 1 || media.offers[0].SessionID != "s1" {
		t.Fatalf("offers=%+v", media.offers)
	}
	if len(media.candidates) != 1 {
		t.Fatalf("candidates=%+v", media.candidates)
	}
	if len(media.created) != 1 || media.created[0] != "s2" {
		t.Fatalf("created=%+v", media.created)
	}
}

func TestMediaNegotiationErrorReported(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	media := &fakeMedia{err: context.DeadlineExceeded}
	startOrchestrator(t, Options{TelemetryInterval: time.Hour, DrainGrace: time.Second}, ch, &fakeExec{}, media)

	ch.inbound <- envelope(t, protocol.TypeSessionOffer, protocol.SessionOfferPayload{SessionID: "s1"})

	waitFor(t, func() bool { return len(ch.sentOfType(protocol.TypeError)) == 1 }, "error report")

	p := ch.sentOfType(protocol.TypeError)[0].Payload.(protocol.ErrorPayload)
	if p.Code != "media_negotiation_failed" {
		t.Fatalf("code=%q", p.Code)
	}
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	exec := &fakeExec{}
	startOrchestrator(t, Options{TelemetryInterval: time.Hour, DrainGrace: time.Second}, ch, exec, &fakeMedia{})

	ch.inbound <- protocol.Envelope{Type: "weatherReport", Payload: json.RawMessage(`{}`)}
	// A known type the server should never send is dropped the same way.
	ch.inbound <- protocol.Envelope{Type: protocol.TypeCommandResult, Payload: json.RawMessage(`{}`)}
	ch.inbound <- envelope(t, protocol.TypeCommand, protocol.CommandPayload{ID: "ok", Kind: "status"})

	waitFor(t, func() bool { return exec.callCount() == 1 }, "loop alive after unknown type")
}

func TestShutdownFailsInterruptedCommand(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	exec := &fakeExec{blockCtx: true}
	media := &fakeMedia{}
	cancel, done := startOrchestrator(t, Options{TelemetryInterval: time.Hour, DrainGrace: time.Second}, ch, exec, media)

	ch.inbound <- envelope(t, protocol.TypeCommand, protocol.CommandPayload{ID: "slow", Kind: "setThrottle"})
	waitFor(t, func() bool { return exec.callCount() == 1 }, "command started")

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
	}

	waitFor(t, func() bool { return len(ch.sentOfType(protocol.TypeCommandResult)) == 1 }, "result after drain")
	res := ch.sentOfType(protocol.TypeCommandResult)[0].Payload.(protocol.CommandResultPayload)
	if res.Outcome != protocol.OutcomeFailed || res.Reason != "shutdown" {
		t.Fatalf("result=%+v", res)
	}
	if media.closeCount() == 0 {
		t.Fatalf("media not closed at shutdown")
	}
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if !closed {
		t.Fatalf("channel not closed at shutdown")
	}
}

func TestFlightRecorderFedAndSummarised(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	recorder, err := telemetry.OpenRecorder(filepath.Join(t.TempDir(), "flight.csv"))
	if err != nil {
		t.Fatalf("OpenRecorder: %v", err)
	}
	defer recorder.Close()

	orch := New(Options{TelemetryInterval: 15 * time.Millisecond, DrainGrace: time.Second},
		ch, &fakeExec{}, &fakeMedia{}, fixedSource{rec: telemetry.Record{Speed: 3, Battery: 80}}, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()

	waitFor(t, func() bool { return len(ch.sentOfType(protocol.TypeTelemetry)) >= 3 }, "telemetry sends")
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
	}

	sum := recorder.Summary(time.Time{})
	if sum.Count < 3 {
		t.Fatalf("summary count=%d, flight log not fed", sum.Count)
	}
	if sum.MaxSpeed != 3 || sum.MinBattery != 80 {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestDroppedResultDoesNotStallLoop(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(ws.StateConnected)
	ch.sendErr = ws.ErrNotConnected
	exec := &fakeExec{outcome: command.Completed(nil)}
	startOrchestrator(t, Options{TelemetryInterval: time.Hour, DrainGrace: time.Second}, ch, exec, &fakeMedia{})

	ch.inbound <- envelope(t, protocol.TypeCommand, protocol.CommandPayload{ID: "a", Kind: "status"})
	ch.inbound <- envelope(t, protocol.TypeCommand, protocol.CommandPayload{ID: "b", Kind: "status"})

	waitFor(t, func() bool { return exec.callCount() == 2 }, "both commands executed")
}
