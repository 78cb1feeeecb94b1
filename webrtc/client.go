// Package webrtc implements webcall.RemoteClient over a WebRTC peer
// connection. Signaling is a single HTTP exchange: the local SDP offer is
// POSTed to the signaling URL with the call's access token and the response
// body is the SDP answer. Events arrive as JSON on the "events" data channel;
// agent audio arrives on a receive-only audio track.
package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v3"

	"github.com/enesunal-m/webcall"
)

// EventsChannel is the label of the data channel carrying events.
const EventsChannel = "events"

// DefaultSignalTimeout bounds the SDP exchange when Config.SignalTimeout is zero.
const DefaultSignalTimeout = 20 * time.Second

// maxAnswerSize caps the SDP answer read from the signaling server.
const maxAnswerSize = 1 << 20

// Config configures the WebRTC transport.
type Config struct {
	// SignalURL receives the SDP offer and returns the answer.
	// Required: Yes
	SignalURL string

	// ICEServers used by the peer connection.
	// Required: No
	ICEServers []pion.ICEServer

	// API builds peer connections, for callers that need a custom
	// SettingEngine or MediaEngine.
	// Required: No (defaults to pion's package-level API)
	API *pion.API

	// HTTPClient performs the SDP exchange.
	// Required: No (defaults to a client with SignalTimeout)
	HTTPClient *http.Client

	// SignalTimeout bounds ICE gathering plus the SDP exchange.
	// Required: No (default 20s)
	SignalTimeout time.Duration

	// OnAudioRTP is called every 200 received audio packets with the running count.
	// Required: No
	OnAudioRTP func(pkts uint64)

	// Logger is called for significant events.
	// Required: No
	Logger func(event string, fields map[string]any)

	// StructuredLogger takes precedence over Logger when both are set.
	// Required: No
	StructuredLogger *webcall.Logger
}

// Client is a reusable WebRTC RemoteClient holding at most one peer
// connection at a time.
type Client struct {
	cfg    Config
	client *http.Client

	handlerMu sync.RWMutex
	handlers  map[webcall.EventKind][]func(webcall.Event)

	mu   sync.Mutex
	call *peerCall
}

// peerCall is the state of one call's peer connection.
type peerCall struct {
	pc       *pion.PeerConnection
	endOnce  sync.Once
	rawAudio bool

	mu      sync.Mutex
	started bool // set once StartCall returned nil
	stopped bool // set by StopCall
}

func (p *peerCall) markStarted() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
}

func (p *peerCall) markStopped() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// status reports whether the call was started and whether it was stopped locally.
func (p *peerCall) status() (started, stopped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started, p.stopped
}

// New validates cfg and returns an idle client.
func New(cfg Config) (*Client, error) {
	if cfg.SignalURL == "" {
		return nil, webcall.NewConfigError("SignalURL", "", "cannot be empty")
	}
	u, err := url.Parse(cfg.SignalURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, webcall.NewConfigError("SignalURL", cfg.SignalURL, "must be an http(s) URL")
	}
	if cfg.SignalTimeout < 0 {
		return nil, webcall.NewConfigError("SignalTimeout", cfg.SignalTimeout.String(), "cannot be negative")
	}
	if cfg.SignalTimeout == 0 {
		cfg.SignalTimeout = DefaultSignalTimeout
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.SignalTimeout}
	}

	return &Client{
		cfg:      cfg,
		client:   hc,
		handlers: make(map[webcall.EventKind][]func(webcall.Event)),
	}, nil
}

// On registers a handler for one event kind.
func (c *Client) On(kind webcall.EventKind, fn func(webcall.Event)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], fn)
}

// StartCall builds the peer connection, exchanges SDP with the signaling
// server and applies the answer. call_started arrives on the data channel.
func (c *Client) StartCall(ctx context.Context, opts webcall.StartCallOptions) error {
	if err := webcall.ValidateStartCallOptions(opts); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call != nil {
		return errors.New("webrtc: call already in progress")
	}

	pc, err := c.newPeerConnection()
	if err != nil {
		return webcall.NewConnectionError(c.cfg.SignalURL, "peer_connection", err)
	}
	call := &peerCall{pc: pc, rawAudio: opts.EmitRawAudioSamples}

	if err := c.setup(call); err != nil {
		_ = pc.Close()
		return webcall.NewConnectionError(c.cfg.SignalURL, "peer_connection", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SignalTimeout)
	defer cancel()

	answer, err := c.negotiate(ctx, pc, opts.AccessToken)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		_ = pc.Close()
		return webcall.NewConnectionError(c.cfg.SignalURL, "answer", err)
	}

	call.markStarted()
	c.call = call
	c.log("webrtc_connecting", map[string]any{"signal_url": c.cfg.SignalURL})
	return nil
}

func (c *Client) newPeerConnection() (*pion.PeerConnection, error) {
	cfg := pion.Configuration{ICEServers: c.cfg.ICEServers}
	if c.cfg.API != nil {
		return c.cfg.API.NewPeerConnection(cfg)
	}
	return pion.NewPeerConnection(cfg)
}

// setup creates the data channel and audio transceiver and installs the
// peer connection callbacks.
func (c *Client) setup(call *peerCall) error {
	pc := call.pc

	dc, err := pc.CreateDataChannel(EventsChannel, nil)
	if err != nil {
		return fmt.Errorf("data channel: %w", err)
	}
	dc.OnMessage(func(m pion.DataChannelMessage) {
		if !m.IsString {
			return
		}
		if started, _ := call.status(); !started {
			return
		}
		c.handleMessage(call, m.Data)
	})

	_, err = pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("audio transceiver: %w", err)
	}

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		c.log("webrtc_track", map[string]any{"codec": track.Codec().MimeType})
		var pkts uint64
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
			pkts++
			if pkts%200 == 0 && c.cfg.OnAudioRTP != nil {
				c.cfg.OnAudioRTP(pkts)
			}
		}
	})

	// A call that never got past StartCall reports its failure through the
	// returned error, not through events.
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		c.log("webrtc_state", map[string]any{"state": s.String()})
		started, stopped := call.status()
		if !started {
			return
		}
		switch s {
		case pion.PeerConnectionStateFailed:
			if !stopped {
				c.dispatch(webcall.Event{
					Kind:  webcall.EventError,
					Error: &webcall.RemoteError{Code: "connection_failed", Message: "peer connection failed"},
				})
			}
			c.end(call)
		case pion.PeerConnectionStateClosed:
			c.end(call)
		}
	})
	return nil
}

// negotiate creates the offer, waits for ICE gathering and performs the
// SDP exchange.
func (c *Client) negotiate(ctx context.Context, pc *pion.PeerConnection, token webcall.AccessToken) (pion.SessionDescription, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return pion.SessionDescription{}, webcall.NewConnectionError(c.cfg.SignalURL, "offer", err)
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return pion.SessionDescription{}, webcall.NewConnectionError(c.cfg.SignalURL, "offer", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return pion.SessionDescription{}, webcall.NewConnectionError(c.cfg.SignalURL, "ice_gathering", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return pion.SessionDescription{}, webcall.NewConnectionError(c.cfg.SignalURL, "offer", errors.New("no local description"))
	}

	sdp, err := c.signal(ctx, local.SDP, token)
	if err != nil {
		return pion.SessionDescription{}, err
	}
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp}, nil
}

// signal POSTs the offer and returns the answer SDP.
func (c *Client) signal(ctx context.Context, offer string, token webcall.AccessToken) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SignalURL, bytes.NewBufferString(offer))
	if err != nil {
		return "", webcall.NewConnectionError(c.cfg.SignalURL, "signal", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Value())
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", webcall.NewConnectionError(c.cfg.SignalURL, "signal", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return "", webcall.NewConnectionError(c.cfg.SignalURL, "signal", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", webcall.NewConnectionError(c.cfg.SignalURL, "signal",
			fmt.Errorf("SDP exchange failed: %d: %s", resp.StatusCode, string(b)))
	}
	if len(b) == 0 {
		return "", webcall.NewConnectionError(c.cfg.SignalURL, "signal", errors.New("empty SDP answer"))
	}
	return string(b), nil
}

func (c *Client) handleMessage(call *peerCall, data []byte) {
	ev, err := webcall.DecodeEvent(data)
	if err != nil {
		c.logError("bad_event", map[string]any{"err": err, "raw_data": string(data)})
		return
	}
	switch ev.Kind {
	case webcall.EventCallEnded:
		call.markStopped()
		call.endOnce.Do(func() { c.dispatch(ev) })
		c.end(call)
		// not from the data channel's own callback
		go func() { _ = call.pc.Close() }()
	case webcall.EventAudio:
		if call.rawAudio {
			c.dispatch(ev)
		}
	default:
		c.dispatch(ev)
	}
}

// end emits call_ended once and releases the call slot.
func (c *Client) end(call *peerCall) {
	call.endOnce.Do(func() { c.dispatch(webcall.Event{Kind: webcall.EventCallEnded}) })

	c.mu.Lock()
	if c.call == call {
		c.call = nil
	}
	c.mu.Unlock()
}

// StopCall closes the peer connection and emits call_ended. It is a no-op
// when no call is open.
func (c *Client) StopCall() {
	c.mu.Lock()
	call := c.call
	c.mu.Unlock()
	if call == nil {
		return
	}

	call.markStopped()
	if err := call.pc.Close(); err != nil {
		c.logError("webrtc_close", map[string]any{"err": err})
	}
	// Closed state changes are delivered asynchronously; end is idempotent.
	c.end(call)
	c.log("webrtc_stopped", nil)
}

// Close stops any open call.
func (c *Client) Close() error {
	c.StopCall()
	return nil
}

func (c *Client) dispatch(ev webcall.Event) {
	c.handlerMu.RLock()
	handlers := append([]func(webcall.Event){}, c.handlers[ev.Kind]...)
	c.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
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
