package soop

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
	connectTimeout    = 10 * time.Second
	writeTimeout      = 5 * time.Second
	keepaliveInterval = 60 * time.Second

	// The chat server rejects a JOIN that lands too soon after CONNECT.
	joinDelay = 500 * time.Millisecond
)

// route holds the connection-routing facts resolved per connect() call.
// Immutable for the connection's lifetime; rediscovered on every reconnect.
type route struct {
	host        string
	port        int
	chatRoom    string
	broadcastNo string
	ticket      string
}

// Options configures a Client. Zero values get tested defaults.
type Options struct {
	Discovery *Discovery
	Sink      platform.Sink
	Policy    platform.ReconnectPolicy

	// WSURL overrides the chat endpoint, for tests against a local server.
	WSURL string
}

// Client is the SOOP adapter for one channel: it owns exactly one chat
// WebSocket connection, drives the CONNECT/JOIN handshake, keepalive, and the
// reconnect contract. Viewer counts arrive in-band, so there is no polling
// loop.
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

// Connect resolves the chat route through the player API, dials the chat
// server, and completes the CONNECT/JOIN handshake. It returns once the
// connection is usable, or fails with the connect-time taxonomy
// (ErrChannelNotFound, ErrChannelNotLive, ErrConnectTimeout). The whole
// phase is bounded by a 10 s timeout.
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

	ctx, span := telemetry.StartSpan(ctx, "soop", "connect",
		telemetry.PlatformAttr(string(platform.PlatformSoop)),
		telemetry.ChannelAttr(c.channelID))
	defer span.End()

	c.setState(platform.StateResolving)
	rt, err := c.resolveRoute(ctx)
	if err != nil {
		c.setState(platform.StateDisconnected)
		telemetry.CountConnectFailure(string(platform.PlatformSoop))
		telemetry.RecordError(span, err)
		return err
	}

	c.setState(platform.StateConnecting)
	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout,
		Subprotocols:     []string{"chat"},
	}
	conn, resp, err := dialer.DialContext(ctx, c.endpoint(rt), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(platform.StateDisconnected)
		telemetry.CountConnectFailure(string(platform.PlatformSoop))
		telemetry.RecordError(span, err)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", platform.ErrConnectTimeout, err)
		}
		return fmt.Errorf("dial chat server: %w", err)
	}

	c.setState(platform.StateHandshaking)
	pending, err := c.handshake(ctx, conn, rt)
	if err != nil {
		_ = conn.Close()
		c.setState(platform.StateDisconnected)
		telemetry.CountConnectFailure(string(platform.PlatformSoop))
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
	telemetry.ConnectionUp(string(platform.PlatformSoop))
	if telemetry.ConnectDuration != nil {
		telemetry.ConnectDuration.Observe(time.Since(start).Seconds())
	}
	telemetry.SetSpanSuccess(span)
	slog.Info("soop connected",
		slog.String("channel", c.channelID),
		slog.String("chat_room", rt.chatRoom))

	// Frames that rode in with the handshake confirmation are real traffic.
	for _, f := range pending {
		c.dispatch(f, rt)
	}

	// Timers start only after a successful handshake.
	c.wg.Add(2)
	go c.readLoop(conn, stop, rt)
	go c.pingLoop(conn, stop)
	return nil
}

// resolveRoute resolves the chat host, port, room, and ticket through the
// player API. Stale routes are never reused across reconnects.
func (c *Client) resolveRoute(ctx context.Context) (route, error) {
	ld, err := c.disc.LiveDetail(ctx, c.channelID)
	if err != nil {
		return route{}, err
	}
	return route{
		host:        ld.ChatHost,
		port:        ld.ChatPort,
		chatRoom:    ld.ChatRoom,
		broadcastNo: ld.BroadcastNo,
		ticket:      ld.Ticket,
	}, nil
}

func (c *Client) endpoint(rt route) string {
	if c.wsURL != "" {
		return c.wsURL
	}
	return fmt.Sprintf("wss://%s:%d/Websocket/%s", rt.host, rt.port, c.channelID)
}

// handshake runs the two-step join: CONNECT, a mandatory pause, then JOIN
// with the room number and ticket. The connection counts as established on
// the JOIN acknowledgement or, failing that, on the first substantive frame.
// Non-control frames seen while waiting are returned for dispatch so nothing
// is dropped.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, rt route) ([]frame, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(connectTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, connectPacket()); err != nil {
		return nil, fmt.Errorf("send connect: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, platform.ErrConnectTimeout
	case <-time.After(joinDelay):
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, joinPacket(rt.chatRoom, rt.ticket)); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	var pending []frame
	confirmed := false
	for !confirmed {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, platform.ErrConnectTimeout
			}
			return nil, fmt.Errorf("handshake read: %w", err)
		}
		for _, f := range parseFrames(msg) {
			if f.Action == actJoin {
				confirmed = true
				continue
			}
			if !f.Action.control() {
				confirmed = true
				pending = append(pending, f)
			}
		}
	}
	// Steady state has no read timeout; silence is detected via keepalive.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return pending, nil
}

// send serializes concurrent writers.
func (c *Client) send(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// readLoop parses and normalizes frames strictly in arrival order. An
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
				telemetry.CountReconnect(string(platform.PlatformSoop))
				slog.Warn("soop connection lost",
					slog.String("channel", c.channelID), slog.Any("err", err))
				go c.reconnectLoop()
			}
			return
		}
		for _, f := range parseFrames(msg) {
			c.dispatch(f, rt)
		}
	}
}

func (c *Client) dispatch(f frame, rt route) {
	if f.Action.control() {
		return
	}
	ev, ok := normalizeFrame(c.channelID, rt.broadcastNo, f)
	if !ok {
		return
	}
	if ev.Type == platform.EventViewerUpdate {
		telemetry.SetViewerCount(string(platform.PlatformSoop), c.channelID, ev.Content.ViewerCount)
	}
	telemetry.CountEvent(string(platform.PlatformSoop))
	c.sink.Event(ev)
}

// pingLoop keeps the connection alive. The server drops silent clients.
func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(conn, pingPacket()); err != nil {
				slog.Debug("soop ping write failed", slog.String("channel", c.channelID), slog.Any("err", err))
			}
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
	telemetry.ConnectionDown(string(platform.PlatformSoop))
}

// reconnectLoop re-resolves the route and reconnects per the injected policy.
func (c *Client) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		delay, retry := c.policy.Next(attempt)
		if !retry {
			c.setState(platform.StateDisconnected)
			err := fmt.Errorf("soop %s: reconnect attempts exhausted", c.channelID)
			slog.Error("soop giving up on reconnect", slog.String("channel", c.channelID))
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
			slog.Info("soop reconnected", slog.String("channel", c.channelID), slog.Int("attempt", attempt))
			return
		}
		if errors.Is(err, platform.ErrClosed) {
			return
		}
		lvl := slog.LevelWarn
		if platform.IsFatalConnect(err) {
			// Broadcast ending mid-retry is expected, not exceptional.
			lvl = slog.LevelInfo
		}
		slog.Log(context.Background(), lvl, "soop reconnect attempt failed",
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
		telemetry.ConnectionDown(string(platform.PlatformSoop))
	}
	c.wg.Wait()
	c.setState(platform.StateClosed)
	slog.Info("soop disconnected", slog.String("channel", c.channelID))
	return nil
}

// Info reports channel status for external reporting.
func (c *Client) Info(ctx context.Context) (platform.ChannelInfo, error) {
	info := platform.ChannelInfo{
		Platform:  platform.PlatformSoop,
		ChannelID: c.channelID,
		State:     c.State(),
		StateName: c.State().String(),
	}
	meta, err := c.disc.ChannelInfo(ctx, c.channelID)
	if err != nil {
		return info, err
	}
	info.ChannelName = meta.UserNick
	if ld, err := c.disc.LiveDetail(ctx, c.channelID); err == nil {
		info.Live = true
		info.Title = ld.Title
		info.ViewerCount = ld.ViewerCount
	}
	return info, nil
}

var _ platform.Adapter = (*Client)(nil)
