package platform

import (
	"context"
	"time"
)

// ConnState is the lifecycle state of one channel connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateResolving
	StateConnecting
	StateHandshaking
	StateConnected
	StateDisconnected
	StateReconnecting
	// StateClosed is terminal and only reachable via a caller-initiated
	// disconnect. An unexpected close re-enters StateReconnecting instead.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives normalized events and asynchronous errors from an adapter.
// Implementations must be safe for use from the adapter's read loop goroutine.
type Sink interface {
	Event(ev NormalizedEvent)
	Error(err error)
}

// ChannelInfo is the external status snapshot an adapter exposes.
type ChannelInfo struct {
	Platform    Platform  `json:"platform"`
	ChannelID   string    `json:"channelId"`
	ChannelName string    `json:"channelName,omitempty"`
	Live        bool      `json:"live"`
	Title       string    `json:"title,omitempty"`
	ViewerCount int       `json:"viewerCount,omitempty"`
	State       ConnState `json:"-"`
	StateName   string    `json:"state"`
}

// Adapter is the per-platform capability contract. Each platform implements it
// independently; there is no shared base with inherited mutable state.
type Adapter interface {
	// Connect resolves routing facts, dials the chat transport, and completes
	// the platform handshake. It returns only after the connection is usable
	// or has failed. A bounded connect timeout applies.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down: timers first, transport second.
	// It is idempotent and never triggers the reconnection path.
	Disconnect() error

	// Info reports current channel status for external reporting.
	Info(ctx context.Context) (ChannelInfo, error)

	IsConnected() bool
	State() ConnState
}

// ReconnectPolicy decides whether and when to retry after an unexpected close.
// The attempt counter starts at 1 for the first retry and resets once a
// connection is re-established.
type ReconnectPolicy interface {
	Next(attempt int) (delay time.Duration, retry bool)
}

// FixedDelay retries every Delay up to MaxAttempts times (0 = unlimited).
// This is the default policy; callers owning smarter backoff inject their own.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p FixedDelay) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	d := p.Delay
	if d <= 0 {
		d = 5 * time.Second
	}
	return d, true
}

// DefaultReconnectPolicy is used when an adapter is constructed without one.
func DefaultReconnectPolicy() ReconnectPolicy {
	return FixedDelay{Delay: 5 * time.Second, MaxAttempts: 10}
}
