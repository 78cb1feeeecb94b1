// Package realtime implements webcall.RemoteClient over a WebSocket.
//
// Each call opens one connection authorized by the call's access token. The
// server pushes JSON events ({"event": "call_started"}, {"event": "update",
// "transcript": {...}}, ...) which are decoded with webcall.DecodeEvent and
// dispatched to the handlers registered with On.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/enesunal-m/webcall"
)

// DefaultPingInterval is used when Config.PingInterval is zero.
const DefaultPingInterval = 20 * time.Second

// Config configures the WebSocket transport.
type Config struct {
	// Endpoint is the real-time server URL. http(s) schemes are rewritten to ws(s).
	// Required: Yes
	Endpoint string

	// DialTimeout bounds connection establishment.
	// Required: No (no timeout beyond the caller's context)
	DialTimeout time.Duration

	// HandshakeHeaders are added to the WebSocket handshake request.
	// Required: No
	HandshakeHeaders http.Header

	// PingInterval between keepalive pings.
	// Required: No (default 20s)
	PingInterval time.Duration

	// Logger is called for significant events.
	// Required: No
	Logger func(event string, fields map[string]any)

	// StructuredLogger takes precedence over Logger when both are set.
	// Required: No
	StructuredLogger *webcall.Logger
}

// Client is a reusable WebSocket RemoteClient. It holds at most one call
// connection at a time and is safe for concurrent use.
type Client struct {
	cfg      Config
	endpoint *url.URL

	handlerMu sync.RWMutex
	handlers  map[webcall.EventKind][]func(webcall.Event)

	mu   sync.Mutex
	call *callConn
}

// callConn is the state of one call's connection.
type callConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	cancel    context.CancelFunc
	closedCh  chan struct{}
	done      chan struct{} // closed after call_ended and release of the slot
	closeOnce sync.Once
	endOnce   sync.Once
	stopped   atomic.Bool
	rawAudio  bool
}

// startMessage is sent once after the connection opens.
type startMessage struct {
	Type                string `json:"type"`
	SampleRate          int    `json:"sample_rate,omitempty"`
	CaptureDeviceID     string `json:"capture_device_id,omitempty"`
	PlaybackDeviceID    string `json:"playback_device_id,omitempty"`
	EmitRawAudioSamples bool   `json:"emit_raw_audio_samples,omitempty"`
}

// New validates cfg and returns an idle client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, webcall.NewConfigError("Endpoint", "", "cannot be empty")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return nil, webcall.NewConfigError("Endpoint", cfg.Endpoint, "invalid URL format")
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws" // mainly for testing
	default:
		return nil, webcall.NewConfigError("Endpoint", cfg.Endpoint, "unsupported scheme")
	}
	if cfg.DialTimeout < 0 {
		return nil, webcall.NewConfigError("DialTimeout", cfg.DialTimeout.String(), "cannot be negative")
	}

	return &Client{
		cfg:      cfg,
		endpoint: u,
		handlers: make(map[webcall.EventKind][]func(webcall.Event)),
	}, nil
}

// On registers a handler for one event kind. Handlers are called in
// registration order on the connection's read goroutine.
func (c *Client) On(kind webcall.EventKind, fn func(webcall.Event)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], fn)
}

// StartCall dials the endpoint with the access token and starts the read and
// ping loops. It returns once the connection is open; call_started arrives
// as an event.
func (c *Client) StartCall(ctx context.Context, opts webcall.StartCallOptions) error {
	if err := webcall.ValidateStartCallOptions(opts); err != nil {
		return err
	}

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	h := http.Header{}
	for k, vals := range c.cfg.HandshakeHeaders {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set("Authorization", "Bearer "+opts.AccessToken.Value())

	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	u := c.endpoint.String()
	ws, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return webcall.NewConnectionError(u, "dial", err)
	}

	rcCtx, cancel := context.WithCancel(context.Background())
	cc := &callConn{
		conn:     ws,
		cancel:   cancel,
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
		rawAudio: opts.EmitRawAudioSamples,
	}

	if err := c.send(ctx, cc, startMessage{
		Type:                "start_call",
		SampleRate:          opts.SampleRate,
		CaptureDeviceID:     opts.CaptureDeviceID,
		PlaybackDeviceID:    opts.PlaybackDeviceID,
		EmitRawAudioSamples: opts.EmitRawAudioSamples,
	}); err != nil {
		cancel()
		_ = ws.Close(websocket.StatusInternalError, "start_failed")
		return webcall.NewConnectionError(u, "start", err)
	}

	c.call = cc
	c.log("ws_connected", map[string]any{"url": u})

	go c.readLoop(rcCtx, cc)
	go c.pingLoop(cc)
	return nil
}

// acquire locks c.mu with no call in the slot. A previous call that was
// stopped but has not delivered call_ended yet is waited for, so its events
// never interleave with the next call's. On success c.mu is held.
func (c *Client) acquire(ctx context.Context) error {
	for {
		c.mu.Lock()
		prev := c.call
		if prev == nil {
			return nil
		}
		c.mu.Unlock()

		if !prev.stopped.Load() {
			return errors.New("realtime: call already in progress")
		}
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StopCall closes the current call's connection. The read loop then emits
// call_ended. It is a no-op when no call is open.
func (c *Client) StopCall() {
	c.mu.Lock()
	cc := c.call
	c.mu.Unlock()
	if cc == nil {
		return
	}

	cc.stopped.Store(true)
	_ = cc.conn.Close(websocket.StatusNormalClosure, "stop_call")
	c.log("ws_stop_requested", nil)
}

// Close stops any open call.
func (c *Client) Close() error {
	c.StopCall()
	return nil
}

// readLoop reads events until the connection fails or is closed.
func (c *Client) readLoop(ctx context.Context, cc *callConn) {
	var readErr error
	defer func() { c.finish(cc, readErr) }()

	for {
		typ, data, err := cc.conn.Read(ctx)
		if err != nil {
			readErr = err
			return
		}

		// Only text messages carry events
		if typ != websocket.MessageText {
			continue
		}

		ev, err := webcall.DecodeEvent(data)
		if err != nil {
			c.logError("bad_event", map[string]any{"err": err, "raw_data": string(data)})
			continue
		}

		switch ev.Kind {
		case webcall.EventCallEnded:
			// the server ended the call; nothing after it belongs to this call
			cc.stopped.Store(true)
			cc.endOnce.Do(func() { c.dispatch(ev) })
			return
		case webcall.EventAudio:
			if cc.rawAudio {
				c.dispatch(ev)
			}
		default:
			c.dispatch(ev)
		}
	}
}

// finish runs once when the read loop exits. A connection that dropped
// without a local stop or a normal close is reported as an error first.
func (c *Client) finish(cc *callConn, readErr error) {
	cc.cancel()
	cc.closeOnce.Do(func() { close(cc.closedCh) })

	status := websocket.CloseStatus(readErr)
	if !cc.stopped.Load() && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
		c.logError("ws_connection_lost", map[string]any{"err": readErr})
		c.dispatch(webcall.Event{
			Kind:  webcall.EventError,
			Error: &webcall.RemoteError{Code: "connection_lost", Message: fmt.Sprint(readErr)},
		})
	}
	cc.endOnce.Do(func() { c.dispatch(webcall.Event{Kind: webcall.EventCallEnded}) })

	_ = cc.conn.Close(websocket.StatusNormalClosure, "reader_exit")

	c.mu.Lock()
	if c.call == cc {
		c.call = nil
	}
	c.mu.Unlock()
	close(cc.done)
	c.log("ws_closed", map[string]any{"status": int(status)})
}

func (c *Client) pingLoop(cc *callConn) {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-cc.closedCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_ = cc.conn.Ping(ctx)
			cancel()
		}
	}
}

func (c *Client) dispatch(ev webcall.Event) {
	c.handlerMu.RLock()
	handlers := append([]func(webcall.Event){}, c.handlers[ev.Kind]...)
	c.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (c *Client) send(ctx context.Context, cc *callConn, payload any) error {
	select {
	case <-cc.closedCh:
		return webcall.ErrClosed
	default:
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return cc.conn.Write(ctx, websocket.MessageText, b)
}

func (c *Client) log(event string, fields map[string]any) {
	if c.cfg.StructuredLogger != nil {
		c.cfg.StructuredLogger.Info(event, fields)
	} else if c.cfg.Logger != nil {
		c.cfg.Logger(event, fields)
	}
}

func (c *Client) logError(event string, fields map[string]any) {
	if c.cfg.StructuredLogger != nil {
		c.cfg.StructuredLogger.Error(event, fields)
	} else if c.cfg.Logger != nil {
		c.cfg.Logger("ERROR: "+event, fields)
	}
}
