// Package ws owns the WebSocket control channel to the relay server:
// connect, reconnect with backoff, framed message IO and connection
// state publication.
package ws

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"boatd/internal/log"
	"boatd/internal/protocol"
)

// State is the connection lifecycle state. Written only by the
// channel's run loop; read concurrently by everyone else.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrNotConnected is returned by Send when the channel has no live
// connection. Callers decide whether to drop or regenerate.
var ErrNotConnected = errors.New("control channel not connected")

// ErrClosed is returned after Close has been called.
var ErrClosed = errors.New("control channel closed")

const writeTimeout = 10 * time.Second

// Options configures a Channel.
type Options struct {
	// ServerURL is a template; "{device_id}" is substituted.
	ServerURL string
	DeviceID  string

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// ReadTimeout bounds silence on the wire; server pings refresh it.
	ReadTimeout time.Duration
}

// Channel maintains one logical connection to the server across any
// number of physical reconnects. Each successful connect starts a new
// epoch with a fresh outbound sequence space.
type Channel struct {
	url  string
	opts Options
	logg zerolog.Logger

	state atomic.Int32
	epoch atomic.Uint64
	seq   atomic.Uint64

	mu   sync.Mutex // serialises writes and guards conn
	conn *websocket.Conn

	inbound chan protocol.Envelope
	states  chan State

	closed    chan struct{}
	closeOnce sync.Once

	rnd func() float64
}

// ResolveURL substitutes the device ID into a server URL template.
func ResolveURL(template, deviceID string) string {
	return strings.ReplaceAll(template, "{device_id}", deviceID)
}

// New creates a channel. Run must be called to start it.
func New(opts Options) *Channel {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}
	return &Channel{
		url:     ResolveURL(opts.ServerURL, opts.DeviceID),
		opts:    opts,
		logg:    log.WithComponent("ws").With().Str("device_id", opts.DeviceID).Logger(),
		inbound: make(chan protocol.Envelope, 64),
		states:  make(chan State, 1),
		closed:  make(chan struct{}),
		rnd:     rand.Float64,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Epoch returns the current connection epoch. Zero means the channel
// has never connected.
func (c *Channel) Epoch() uint64 {
	return c.epoch.Load()
}

// Inbound returns the stream of messages received from the server,
// in arrival order.
func (c *Channel) Inbound() <-chan protocol.Envelope {
	return c.inbound
}

// StateChanges returns a notification stream of state transitions.
// A slow consumer sees intermediate transitions coalesced into the
// most recent one; the latest state is never dropped.
func (c *Channel) StateChanges() <-chan State {
	return c.states
}

// Send frames and writes one message. It fails immediately with
// ErrNotConnected when the channel is not connected; nothing is
// queued during outages.
func (c *Channel) Send(t protocol.Type, payload any) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(t, c.seq.Add(1), payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

// Close shuts the channel down. Terminal: the run loop exits and no
// further reconnects are attempted.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
}

// Run drives the connect/reconnect loop until ctx is cancelled or
// Close is called. Connection failures are never returned; the loop
// retries forever.
func (c *Channel) Run(ctx context.Context) {
	defer c.setState(StateClosed)
	defer close(c.inbound)

	attempt := 0
	connectedOnce := false

	for {
		if c.stopped(ctx) {
			return
		}
		if connectedOnce {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateConnecting)
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			delay := backoffDelay(attempt, c.opts.ReconnectBase, c.opts.ReconnectMax, c.rnd)
			attempt++
			c.logg.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).
				Msg("connect failed")
			if !c.sleep(ctx, delay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.seq.Store(0)
		epoch := c.epoch.Add(1)
		attempt = 0
		connectedOnce = true
		c.setState(StateConnected)
		c.logg.Info().Str("url", c.url).Uint64("epoch", epoch).Msg("connected")

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}
}

// readLoop pumps inbound frames until the connection dies.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	resetDeadline := func() error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	_ = resetDeadline()
	conn.SetPingHandler(func(appData string) error {
		_ = resetDeadline()
		deadline := time.Now().Add(writeTimeout)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})
	conn.SetPongHandler(func(string) error { return resetDeadline() })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.stopped(ctx) {
				c.logg.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		_ = resetDeadline()

		env, err := protocol.Decode(data)
		if err != nil {
			// Protocol error: drop the frame, keep the connection.
			c.logg.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		select {
		case c.inbound <- env:
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

// setState publishes a transition. The notification slot holds one
// pending state; an unread older transition is replaced, never the
// newest. Single writer: the run loop.
func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	for {
		select {
		case c.states <- s:
			return
		default:
			select {
			case <-c.states:
			default:
			}
		}
	}
}

func (c *Channel) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.closed:
		return true
	default:
		return false
	}
}

// sleep waits for d, interruptible by shutdown. Returns false when
// interrupted.
func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.closed:
		return false
	}
}
