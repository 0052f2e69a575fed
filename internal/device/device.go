// Package device runs the boat's session orchestrator: it supervises
// the control channel, routes inbound messages to the command
// executor and media manager, and emits telemetry on a fixed cadence.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"boatd/internal/command"
	"boatd/internal/log"
	"boatd/internal/protocol"
	"boatd/internal/telemetry"
	"boatd/internal/ws"
)

// ControlChannel is the transport contract the orchestrator drives.
// Implemented by ws.Channel; faked in tests.
type ControlChannel interface {
	Run(ctx context.Context)
	Inbound() <-chan protocol.Envelope
	StateChanges() <-chan ws.State
	State() ws.State
	Send(t protocol.Type, payload any) error
	Close()
}

// CommandRunner executes one command to a terminal outcome.
type CommandRunner interface {
	Execute(ctx context.Context, cmd protocol.CommandPayload) command.Outcome
}

// MediaSession is the media negotiation contract.
type MediaSession interface {
	HandleOffer(p protocol.SessionOfferPayload) error
	HandleAnswer(p protocol.SessionAnswerPayload) error
	HandleCandidate(p protocol.ICECandidatePayload) error
	CreateOffer(sessionID string) error
	Close()
}

// TelemetrySource produces one record per tick, never blocking past
// its budget.
type TelemetrySource interface {
	Sample(ctx context.Context) telemetry.Record
}

// Options configures the orchestrator.
type Options struct {
	TelemetryInterval time.Duration
	// DrainGrace bounds the wait for in-flight commands at shutdown.
	DrainGrace time.Duration
}

// Orchestrator wires the control channel, command executor, media
// manager and telemetry source together and runs them for the
// process lifetime.
type Orchestrator struct {
	opts     Options
	ch       ControlChannel
	exec     CommandRunner
	media    MediaSession
	source   TelemetrySource
	recorder *telemetry.Recorder // optional flight log
	logg     zerolog.Logger

	inflight sync.WaitGroup
}

// New creates an orchestrator. recorder may be nil.
func New(opts Options, ch ControlChannel, exec CommandRunner, media MediaSession, source TelemetrySource, recorder *telemetry.Recorder) *Orchestrator {
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = time.Second
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 5 * time.Second
	}
	return &Orchestrator{
		opts:     opts,
		ch:       ch,
		exec:     exec,
		media:    media,
		source:   source,
		recorder: recorder,
		logg:     log.WithComponent("device"),
	}
}

// Run drives the device until ctx is cancelled. It never returns
// early because of a child failure: everything below it resolves into
// an outcome message or a logged, dropped event.
func (o *Orchestrator) Run(ctx context.Context) error {
	var chWG sync.WaitGroup
	chWG.Add(1)
	go func() {
		defer chWG.Done()
		o.ch.Run(ctx)
	}()

	ticker := time.NewTicker(o.opts.TelemetryInterval)
	defer ticker.Stop()

	inbound := o.ch.Inbound()
	states := o.ch.StateChanges()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			chWG.Wait()
			return nil

		case <-ticker.C:
			o.emitTelemetry(ctx)

		case env, ok := <-inbound:
			if !ok {
				// Channel run loop exited; only happens on shutdown.
				inbound = nil
				continue
			}
			o.dispatch(ctx, env)

		case st := <-states:
			o.onStateChange(st)
		}
	}
}

// emitTelemetry samples and sends one record. Ticks while not
// connected are skipped, never queued.
func (o *Orchestrator) emitTelemetry(ctx context.Context) {
	if o.ch.State() != ws.StateConnected {
		o.logg.Debug().Msg("telemetry tick skipped, not connected")
		return
	}

	rec := o.source.Sample(ctx)
	if err := o.ch.Send(protocol.TypeTelemetry, rec); err != nil {
		o.logg.Warn().Err(err).Msg("telemetry send dropped")
		return
	}
	if o.recorder != nil {
		if err := o.recorder.Append(rec); err != nil {
			o.logg.Warn().Err(err).Msg("flight log append failed")
		}
	}
}

// dispatch demultiplexes one inbound message. Unrecognised kinds are
// logged and dropped.
func (o *Orchestrator) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCommand:
		var p protocol.CommandPayload
		if err := env.DecodePayload(&p); err != nil {
			o.logg.Warn().Err(err).Msg("dropping malformed command")
			return
		}
		o.inflight.Add(1)
		go func() {
			defer o.inflight.Done()
			o.runCommand(ctx, p)
		}()

	case protocol.TypeSessionOffer:
		var p protocol.SessionOfferPayload
		if err := env.DecodePayload(&p); err != nil {
			o.logg.Warn().Err(err).Msg("dropping malformed offer")
			return
		}
		if err := o.media.HandleOffer(p); err != nil {
			o.reportMediaError(p.SessionID, err)
		}

	case protocol.TypeSessionAnswer:
		var p protocol.SessionAnswerPayload
		if err := env.DecodePayload(&p); err != nil {
			o.logg.Warn().Err(err).Msg("dropping malformed answer")
			return
		}
		if err := o.media.HandleAnswer(p); err != nil {
			o.reportMediaError(p.SessionID, err)
		}

	case protocol.TypeICECandidate:
		var p protocol.ICECandidatePayload
		if err := env.DecodePayload(&p); err != nil {
			o.logg.Warn().Err(err).Msg("dropping malformed candidate")
			return
		}
		if err := o.media.HandleCandidate(p); err != nil {
			o.logg.Warn().Err(err).Msg("ice candidate rejected")
		}

	case protocol.TypeSessionClose:
		o.media.Close()

	case protocol.TypeOfferRequest:
		var p protocol.OfferRequestPayload
		// Payload is optional here; an empty request gets a fresh ID.
		_ = env.DecodePayload(&p)
		if err := o.media.CreateOffer(p.SessionID); err != nil {
			o.reportMediaError(p.SessionID, err)
		}

	case protocol.TypePing:
		pong := protocol.PongPayload{Timestamp: time.Now().UnixMilli()}
		if err := o.ch.Send(protocol.TypePong, pong); err != nil {
			o.logg.Debug().Err(err).Msg("pong dropped")
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = env.DecodePayload(&p)
		o.logg.Warn().Str("code", p.Code).Str("message", p.Message).Msg("server error")

	default:
		if protocol.Known(env.Type) {
			o.logg.Warn().Str("type", string(env.Type)).Msg("dropping message the device only sends")
		} else {
			o.logg.Warn().Str("type", string(env.Type)).Msg("dropping unrecognised message")
		}
	}
}

// runCommand executes one command and reports the outcome. Execution
// is independent of the connection: a command that outlives its epoch
// still completes locally, and its unreportable result is dropped.
func (o *Orchestrator) runCommand(ctx context.Context, p protocol.CommandPayload) {
	outcome := o.exec.Execute(ctx, p)
	if ctx.Err() != nil && outcome.Status != protocol.OutcomeCompleted {
		outcome = command.Failed("shutdown")
	}

	result := protocol.CommandResultPayload{
		ID:      p.ID,
		Outcome: outcome.Status,
		Result:  outcome.Result,
		Reason:  outcome.Reason,
	}
	if err := o.ch.Send(protocol.TypeCommandResult, result); err != nil {
		o.logg.Warn().Err(err).Str("command_id", p.ID).Msg("command result dropped")
	}
}

// onStateChange reacts to control-channel transitions. Losing the
// connection ends the epoch: the media session closes and must be
// renegotiated after reconnect.
func (o *Orchestrator) onStateChange(st ws.State) {
	o.logg.Info().Str("state", st.String()).Msg("connection state")
	if st != ws.StateConnected {
		o.media.Close()
	}
}

func (o *Orchestrator) reportMediaError(sessionID string, err error) {
	o.logg.Warn().Err(err).Str("session", sessionID).Msg("media negotiation error")
	sendErr := o.ch.Send(protocol.TypeError, protocol.ErrorPayload{
		Code:    "media_negotiation_failed",
		Message: err.Error(),
	})
	if sendErr != nil {
		o.logg.Debug().Err(sendErr).Msg("media error report dropped")
	}
}

// shutdown tears everything down: media first, then the channel, then
// a bounded drain of in-flight commands.
func (o *Orchestrator) shutdown() {
	o.media.Close()
	o.ch.Close()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.opts.DrainGrace):
		o.logg.Warn().Dur("grace", o.opts.DrainGrace).Msg("abandoning in-flight commands")
	}

	if o.recorder != nil {
		sum := o.recorder.Summary(time.Time{})
		if sum.Count > 0 {
			o.logg.Info().Int("records", sum.Count).
				Float64("avg_speed", sum.AvgSpeed).
				Float64("max_speed", sum.MaxSpeed).
				Float64("min_battery", sum.MinBattery).
				Msg("flight summary")
		}
	}
	o.logg.Info().Msg("device stopped")
}
