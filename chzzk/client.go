package chzzk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyeonlog/streamfeed/platform"
	"github.com/hyeonlog/streamfeed/telemetry"
)

const (
	connectTimeout     = 10 * time.Second
	writeTimeout       = 5 * time.Second
	keepaliveInterval  = 20 * time.Second
	viewerPollInterval = 30 * time.Second
)

// route holds the connection-routing facts resolved per connect() call.
// Immutable for the connection's lifetime; rediscovered on every reconnect.
type route struct {
	chatChannelID string
	accessToken   string
	liveID        int
}

// Options configures a Client. Zero values get tested defaults.
type Options struct {
	Discovery *Discovery
	Sink      platform.Sink
	Policy    platform.ReconnectPolicy

	// WSURL overrides the chat endpoint, for tests against a local server.
	WSURL string
}

// Client is the Chzzk adapter for one channel: it owns exactly one chat
// WebSocket connection, drives the CONNECT/CONNECTED handshake, keepalive,
// viewer polling, and the reconnect contract.
type Client struct {
	channelID string
	disc      *Discovery
	sink      platform.Sink
	policy    platform.ReconnectPolicy
	wsURL     string

	state  atomic.Int32
	closed atomic.Bool
	done   chan struct{}

	dialMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	stop    chan struct{}
	wg      sync.WaitGroup
	writeMu sync.Mutex

	reconnectSignals atomic.Int64
}

// New builds a Client for channelID. The sink is required; discovery and the
// reconnect policy default when nil.
func New(channelID string, opts Options) *Client {
	disc := opts.Discovery
	if disc == nil {
		disc = &Discovery{}
	}
	policy := opts.Policy
	if policy == nil {
		policy = platform.DefaultReconnectPolicy()
	}
	return &Client{
		channelID: channelID,
		disc:      disc,
		sink:      opts.Sink,
		policy:    policy,
		wsURL:     opts.WSURL,
		done:      make(chan struct{}),
	}
}

func (c *Client) setState(s platform.ConnState) { c.state.Store(int32(s)) }

// State returns the current lifecycle state.
func (c *Client) State() platform.ConnState { return platform.ConnState(c.state.Load()) }

// IsConnected reports whether the handshake has completed and the connection
// is live.
func (c *Client) IsConnected() bool { return c.State() == platform.StateConnected }

// ReconnectSignals reports how many unexpected closes have triggered the
// reconnection path.
func (c *Client) ReconnectSignals() int64 { return c.reconnectSignals.Load() }

// Connect resolves the chat route, dials the chat server, and completes the
// handshake. It returns once the connection is usable, or fails with the
// connect-time taxonomy (ErrChannelNotFound, ErrChannelNotLive,
// ErrConnectTimeout). The whole phase is bounded by a 10 s timeout.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return platform.ErrClosed
	}
	// One dial at a time: a concurrent Connect waits here and then sees the
	// installed connection instead of starting a second generation.
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "chzzk", "connect",
		telemetry.PlatformAttr(string(platform.PlatformChzzk)),
		telemetry.ChannelAttr(c.channelID))
	defer span.End()

	c.setState(platform.StateResolving)
	rt, err := c.resolveRoute(ctx)
	if err != nil {
		c.setState(platform.StateDisconnected)
		telemetry.CountConnectFailure(string(platform.PlatformChzzk))
		telemetry.RecordError(span, err)
		return err
	}

	c.setState(platform.StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.endpoint(rt), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(platform.StateDisconnected)
		telemetry.CountConnectFailure(string(platform.PlatformChzzk))
		telemetry.RecordError(span, err)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", platform.ErrConnectTimeout, err)
		}
		return fmt.Errorf("dial chat server: %w", err)
	}

	c.setState(platform.StateHandshaking)
	if err := c.handshake(ctx, conn, rt); err != nil {
		_ = conn.Close()
		c.setState(platform.StateDisconnected)
		telemetry.CountConnectFailure(string(platform.PlatformChzzk))
		telemetry.RecordError(span, err)
		return err
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return platform.ErrClosed
	}
	c.conn = conn
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.setState(platform.StateConnected)
	telemetry.ConnectionUp(string(platform.PlatformChzzk))
	if telemetry.ConnectDuration != nil {
		telemetry.ConnectDuration.Observe(time.Since(start).Seconds())
	}
	telemetry.SetSpanSuccess(span)
	slog.Info("chzzk connected",
		slog.String("channel", c.channelID),
		slog.String("chat_channel", rt.chatChannelID))

	// Timers start only after a successful handshake.
	c.wg.Add(3)
	go c.readLoop(conn, stop, rt)
	go c.pingLoop(conn, stop)
	go c.viewerLoop(stop, rt)
	return nil
}

// resolveRoute fetches the live detail and a fresh chat access token. Stale
// routes are never reused across reconnects.
func (c *Client) resolveRoute(ctx context.Context) (route, error) {
	ld, err := c.disc.LiveDetail(ctx, c.channelID)
	if err != nil {
		return route{}, err
	}
	if !ld.Live() || ld.ChatChannelID == "" {
		return route{}, platform.ErrChannelNotLive
	}
	tok, err := c.disc.AccessToken(ctx, ld.ChatChannelID)
	if err != nil {
		return route{}, fmt.Errorf("resolve access token: %w", err)
	}
	return route{chatChannelID: ld.ChatChannelID, accessToken: tok, liveID: ld.LiveID}, nil
}

// endpoint picks the chat server for a chat channel. The server shard is
// derived from the chat channel id the same way the web player does it.
func (c *Client) endpoint(rt route) string {
	if c.wsURL != "" {
		return c.wsURL
	}
	sum := 0
	for _, r := range rt.chatChannelID {
		sum += int(r)
	}
	return fmt.Sprintf("wss://kr-ss%d.chat.naver.com/chat", sum%9+1)
}

// handshake sends the CONNECT envelope and waits for CONNECTED (cmd 10100).
// Only then is the connection usable.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, rt route) error {
	payload, err := connectEnvelope(rt.chatChannelID, rt.accessToken)
	if err != nil {
		return fmt.Errorf("build connect envelope: %w", err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(connectTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return platform.ErrConnectTimeout
			}
			return fmt.Errorf("handshake read: %w", err)
		}
		env, err := decodeEnvelope(msg)
		if err != nil {
			// Garbage during handshake is dropped like anywhere else.
			continue
		}
		if env.Cmd == cmdConnected {
			break
		}
	}
	// Steady state has no read timeout; silence is detected via keepalive.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	return conn.SetWriteDeadline(time.Time{})
}

// send serializes concurrent writers (ping loop vs pong replies).
func (c *Client) send(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop decodes and normalizes frames strictly in arrival order. An
// unexpected close while connected enters the reconnection path; a
// caller-initiated stop does not.
func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}, rt route) {
	defer c.wg.Done()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			c.teardown(stop)
			if !c.closed.Load() {
				c.setState(platform.StateReconnecting)
				c.reconnectSignals.Add(1)
				telemetry.CountReconnect(string(platform.PlatformChzzk))
				slog.Warn("chzzk connection lost",
					slog.String("channel", c.channelID), slog.Any("err", err))
				go c.reconnectLoop()
			}
			return
		}
		c.handleFrame(conn, msg, rt)
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, msg []byte, rt route) {
	env, err := decodeEnvelope(msg)
	if err != nil {
		telemetry.CountDecodeFailure(string(platform.PlatformChzzk))
		slog.Warn("chzzk undecodable frame",
			slog.String("channel", c.channelID),
			slog.String("raw", truncate(string(msg), 200)),
			slog.Any("err", err))
		return
	}
	switch env.kind() {
	case kindPing:
		if err := c.send(conn, pongEnvelope()); err != nil {
			slog.Debug("chzzk pong write failed", slog.Any("err", err))
		}
	case kindPong, kindConnected:
		// Control acknowledgements, nothing to emit.
	case kindChat, kindRecentChat, kindDonation, kindSubscription, kindSystem:
		for _, ev := range normalizeBatch(c.channelID, rt.chatChannelID, env.kind(), env) {
			telemetry.CountEvent(string(platform.PlatformChzzk))
			c.sink.Event(ev)
		}
	default:
		// Unknown command codes are logged and dropped, never errors.
		slog.Debug("chzzk unknown cmd", slog.Int("cmd", env.Cmd), slog.String("channel", c.channelID))
	}
}

// pingLoop keeps the connection alive. The server times silent clients out.
func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(conn, pingEnvelope()); err != nil {
				slog.Debug("chzzk ping write failed", slog.String("channel", c.channelID), slog.Any("err", err))
			}
		}
	}
}

// viewerLoop polls live detail for concurrent viewer counts, since the chat
// stream itself never carries them. Fires once immediately, then on the
// fixed interval; stops with the connection like every other timer.
func (c *Client) viewerLoop(stop chan struct{}, rt route) {
	defer c.wg.Done()
	poll := func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		ld, err := c.disc.LiveDetail(ctx, c.channelID)
		if err != nil {
			slog.Debug("chzzk viewer poll failed", slog.String("channel", c.channelID), slog.Any("err", err))
			return
		}
		telemetry.SetViewerCount(string(platform.PlatformChzzk), c.channelID, ld.ConcurrentUserCount)
		telemetry.CountEvent(string(platform.PlatformChzzk))
		c.sink.Event(viewerUpdateEvent(c.channelID, rt.chatChannelID, ld.ConcurrentUserCount))
	}
	// A teardown racing goroutine startup must win over the first poll.
	select {
	case <-stop:
		return
	default:
	}
	poll()
	ticker := time.NewTicker(viewerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			poll()
		}
	}
}

// teardown cancels this generation's timers and closes the transport. Safe
// against double invocation across the read loop and Disconnect.
func (c *Client) teardown(stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != stop || c.stop == nil {
		return
	}
	close(c.stop)
	c.stop = nil
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(platform.StateDisconnected)
	telemetry.ConnectionDown(string(platform.PlatformChzzk))
}

// reconnectLoop re-resolves the route and reconnects per the injected policy.
func (c *Client) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		delay, retry := c.policy.Next(attempt)
		if !retry {
			c.setState(platform.StateDisconnected)
			err := fmt.Errorf("chzzk %s: reconnect attempts exhausted", c.channelID)
			slog.Error("chzzk giving up on reconnect", slog.String("channel", c.channelID))
			if c.sink != nil {
				c.sink.Error(err)
			}
			return
		}
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}
		err := c.Connect(context.Background())
		if err == nil {
			slog.Info("chzzk reconnected", slog.String("channel", c.channelID), slog.Int("attempt", attempt))
			return
		}
		if errors.Is(err, platform.ErrClosed) {
			return
		}
		lvl := slog.LevelWarn
		if platform.IsFatalConnect(err) {
			// Channel going offline mid-retry is expected, not exceptional.
			lvl = slog.LevelInfo
		}
		slog.Log(context.Background(), lvl, "chzzk reconnect attempt failed",
			slog.String("channel", c.channelID), slog.Int("attempt", attempt), slog.Any("err", err))
	}
}

// Disconnect is the caller-initiated teardown: timers cancelled first,
// transport closed second, no reconnection. Idempotent.
func (c *Client) Disconnect() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	c.mu.Lock()
	stop := c.stop
	conn := c.conn
	c.stop = nil
	c.conn = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
		telemetry.ConnectionDown(string(platform.PlatformChzzk))
	}
	c.wg.Wait()
	c.setState(platform.StateClosed)
	slog.Info("chzzk disconnected", slog.String("channel", c.channelID))
	return nil
}

// Info reports channel status for external reporting.
func (c *Client) Info(ctx context.Context) (platform.ChannelInfo, error) {
	info := platform.ChannelInfo{
		Platform:  platform.PlatformChzzk,
		ChannelID: c.channelID,
		State:     c.State(),
		StateName: c.State().String(),
	}
	meta, err := c.disc.ChannelInfo(ctx, c.channelID)
	if err != nil {
		return info, err
	}
	info.ChannelName = meta.ChannelName
	if ld, err := c.disc.LiveDetail(ctx, c.channelID); err == nil {
		info.Live = ld.Live()
		info.Title = ld.LiveTitle
		info.ViewerCount = ld.ConcurrentUserCount
	}
	return info, nil
}

var _ platform.Adapter = (*Client)(nil)
