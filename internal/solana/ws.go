package solana

import "context"

// WSClient defines the provider WebSocket subscription interface. The relay
// holds exactly one program-level subscription per process; per-pool relevance
// filtering happens downstream, never at the provider.
type WSClient interface {
	// SubscribeProgram subscribes to the program's log stream. It may be
	// called at most once per client.
	SubscribeProgram(ctx context.Context, programID string) (<-chan LogNotification, error)

	// Unavailable reports whether the socket has exhausted its reconnect
	// attempts. Consumers should prefer the HTTP polling backstop while set.
	Unavailable() bool

	// Close closes the WebSocket connection.
	Close() error
}

// ConnState is the socket lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// LogNotification represents one logs subscription message.
type LogNotification struct {
	Signature string
	Slot      int64
	Logs      []string
	Err       interface{}
}
