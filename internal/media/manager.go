// Package media owns the WebRTC session lifecycle: offer/answer and
// ICE exchange over the control channel, and pumping frames from the
// video supplier into the peer connection once the session is live.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"

	"boatd/internal/log"
	"boatd/internal/protocol"
)

// SessionState is the media session lifecycle state.
type SessionState string

const (
	StateNegotiating SessionState = "negotiating"
	StateActive      SessionState = "active"
	StateClosed      SessionState = "closed"
	StateFailed      SessionState = "failed"
)

// SendFunc sends one control message to the server. Matches the
// control channel's Send signature.
type SendFunc func(t protocol.Type, payload any) error

// Options configures the manager.
type Options struct {
	STUNServers []string
	VideoFPS    int
	// NegotiationTimeout bounds the time from first offer to ICE
	// connectivity; expiry fails the session.
	NegotiationTimeout time.Duration
}

// Manager holds at most one media session at a time. A new offer
// received while a session exists closes the old one first.
type Manager struct {
	opts   Options
	frames FrameSource
	send   SendFunc
	logg   zerolog.Logger

	mu   sync.Mutex
	sess *session
}

// session is one peer connection and its append-only remote
// candidate set.
type session struct {
	id         string
	state      SessionState
	pc         *webrtc.PeerConnection
	track      *webrtc.TrackLocalStaticSample
	candidates []webrtc.ICECandidateInit
	stopPump   context.CancelFunc
	negTimer   *time.Timer
}

// NewManager creates a manager. frames supplies outbound video; send
// carries generated signaling back to the server.
func NewManager(opts Options, frames FrameSource, send SendFunc) *Manager {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = 30 * time.Second
	}
	if opts.VideoFPS <= 0 {
		opts.VideoFPS = 30
	}
	return &Manager{
		opts:   opts,
		frames: frames,
		send:   send,
		logg:   log.WithComponent("media"),
	}
}

// State returns the current session state, or StateClosed when no
// session exists.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateClosed
	}
	return m.sess.state
}

// SessionID returns the current session ID, empty when none.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.id
}

// HandleOffer answers an operator's SDP offer. The newest offer
// always wins: any existing session is closed first, so there is
// never more than one Negotiating or Active session.
func (m *Manager) HandleOffer(p protocol.SessionOfferPayload) error {
	if p.SDP == nil {
		return fmt.Errorf("offer missing sdp")
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil {
		m.logg.Info().Str("old_session", m.sess.id).Str("new_session", sessionID).
			Msg("new offer supersedes existing session")
		m.closeLocked(m.sess, StateClosed)
	}

	sess, err := m.newSessionLocked(sessionID)
	if err != nil {
		return err
	}

	if err := sess.pc.SetRemoteDescription(*p.SDP); err != nil {
		m.closeLocked(sess, StateFailed)
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		m.closeLocked(sess, StateFailed)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		m.closeLocked(sess, StateFailed)
		return fmt.Errorf("set local answer: %w", err)
	}

	local := sess.pc.LocalDescription()
	if err := m.send(protocol.TypeSessionAnswer, protocol.SessionAnswerPayload{
		SessionID: sess.id,
		SDP:       local,
	}); err != nil {
		m.logg.Warn().Err(err).Msg("answer send failed")
	}
	m.logg.Info().Str("session", sess.id).Msg("sent answer")
	return nil
}

// CreateOffer starts a device-initiated session in response to a
// requestOffer message. The remote answer arrives via HandleAnswer.
func (m *Manager) CreateOffer(sessionID string) error {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil {
		m.closeLocked(m.sess, StateClosed)
	}

	sess, err := m.newSessionLocked(sessionID)
	if err != nil {
		return err
	}

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		m.closeLocked(sess, StateFailed)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		m.closeLocked(sess, StateFailed)
		return fmt.Errorf("set local offer: %w", err)
	}

	local := sess.pc.LocalDescription()
	if err := m.send(protocol.TypeSessionOffer, protocol.SessionOfferPayload{
		SessionID: sess.id,
		SDP:       local,
	}); err != nil {
		m.logg.Warn().Err(err).Msg("offer send failed")
	}
	return nil
}

// HandleAnswer applies the remote answer for a device-initiated
// session.
func (m *Manager) HandleAnswer(p protocol.SessionAnswerPayload) error {
	if p.SDP == nil {
		return fmt.Errorf("answer missing sdp")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sess
	if sess == nil || (p.SessionID != "" && p.SessionID != sess.id) {
		return fmt.Errorf("answer for unknown session %q", p.SessionID)
	}
	if sess.state != StateNegotiating {
		return fmt.Errorf("answer in state %s", sess.state)
	}
	if err := sess.pc.SetRemoteDescription(*p.SDP); err != nil {
		m.closeLocked(sess, StateFailed)
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// HandleCandidate adds a remote ICE candidate to the current session.
// The candidate set is append-only until the session closes.
func (m *Manager) HandleCandidate(p protocol.ICECandidatePayload) error {
	if p.Candidate == nil {
		return fmt.Errorf("candidate missing")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sess
	if sess == nil || (p.SessionID != "" && p.SessionID != sess.id) {
		return fmt.Errorf("candidate for unknown session %q", p.SessionID)
	}
	if sess.state == StateClosed || sess.state == StateFailed {
		return fmt.Errorf("candidate after session %s", sess.state)
	}

	sess.candidates = append(sess.candidates, *p.Candidate)
	if err := sess.pc.AddICECandidate(*p.Candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close tears down the current session, if any. Called on operator
// request, control-channel disconnect and shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		m.closeLocked(m.sess, StateClosed)
	}
}

// newSessionLocked builds a peer connection with the outbound video
// track attached. Caller holds m.mu and has cleared any old session.
func (m *Manager) newSessionLocked(sessionID string) (*session, error) {
	var iceServers []webrtc.ICEServer
	for _, s := range m.opts.STUNServers {
		url := s
		if len(url) < 5 || url[:5] != "stun:" {
			url = "stun:" + url
		}
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "boatd")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("new video track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}
	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	sess := &session{
		id:    sessionID,
		state: StateNegotiating,
		pc:    pc,
		track: track,
	}
	sess.negTimer = time.AfterFunc(m.opts.NegotiationTimeout, func() {
		m.failIfNegotiating(sess)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := m.send(protocol.TypeICECandidate, protocol.ICECandidatePayload{
			SessionID: sessionID,
			Candidate: &init,
		}); err != nil {
			m.logg.Debug().Err(err).Msg("ice candidate send failed")
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateConnected:
			m.activate(sess)
		case webrtc.ICEConnectionStateFailed:
			m.fail(sess, "ice failed")
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
			m.closeSession(sess)
		}
	})

	m.sess = sess
	m.logg.Info().Str("session", sessionID).Msg("session negotiating")
	return sess, nil
}

// activate moves a negotiating session to Active and starts the frame
// pump. Stale callbacks from superseded sessions are ignored.
func (m *Manager) activate(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != sess || sess.state != StateNegotiating {
		return
	}
	sess.state = StateActive
	sess.negTimer.Stop()

	pumpCtx, cancel := context.WithCancel(context.Background())
	sess.stopPump = cancel
	go m.pump(pumpCtx, sess)
	m.logg.Info().Str("session", sess.id).Msg("session active")
}

func (m *Manager) fail(sess *session, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != sess {
		return
	}
	m.logg.Warn().Str("session", sess.id).Str("reason", reason).Msg("session failed")
	m.closeLocked(sess, StateFailed)
}

func (m *Manager) failIfNegotiating(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != sess || sess.state != StateNegotiating {
		return
	}
	m.logg.Warn().Str("session", sess.id).Msg("negotiation timed out")
	m.closeLocked(sess, StateFailed)
}

func (m *Manager) closeSession(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != sess {
		return
	}
	m.closeLocked(sess, StateClosed)
}

// closeLocked tears a session down into a terminal state. Caller
// holds m.mu.
func (m *Manager) closeLocked(sess *session, terminal SessionState) {
	if sess.state == StateClosed || sess.state == StateFailed {
		if m.sess == sess {
			m.sess = nil
		}
		return
	}
	sess.state = terminal
	sess.negTimer.Stop()
	if sess.stopPump != nil {
		sess.stopPump()
	}
	if err := sess.pc.Close(); err != nil {
		m.logg.Debug().Err(err).Str("session", sess.id).Msg("peer connection close")
	}
	if m.sess == sess {
		m.sess = nil
	}
	m.logg.Info().Str("session", sess.id).Str("state", string(terminal)).Msg("session ended")
}

// pump copies frames from the supplier into the track until the
// session ends.
func (m *Manager) pump(ctx context.Context, sess *session) {
	frameDuration := time.Second / time.Duration(m.opts.VideoFPS)
	for {
		frame, err := m.frames.NextFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logg.Warn().Err(err).Msg("frame source ended")
				m.closeSession(sess)
			}
			return
		}
		d := frame.Duration
		if d <= 0 {
			d = frameDuration
		}
		if err := sess.track.WriteSample(media.Sample{Data: frame.Data, Duration: d}); err != nil {
			if ctx.Err() == nil {
				m.logg.Warn().Err(err).Msg("sample write failed")
			}
			return
		}
	}
}
