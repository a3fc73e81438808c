package relay

import (
	"encoding/json"
	"fmt"

	"solana-pool-relay/internal/domain"
)

// Wire message types. The protocol is a small closed tagged union; anything
// that does not parse into one of these is answered with an error message.
const (
	TypeConnected   = "connected"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubscribed  = "subscribed"
	TypeTransaction = "transaction"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// ConnectedMessage is sent once when a client connection is accepted.
type ConnectedMessage struct {
	Type                string `json:"type"`
	MaxPools            int    `json:"maxPools"`
	HeartbeatSec        int    `json:"heartbeatSec"`
	UpstreamUnavailable bool   `json:"upstreamUnavailable"`
}

// SubscribedMessage acks a subscribe request with the pool ids actually
// accepted, annotated with catalog data where available.
type SubscribedMessage struct {
	Type    string            `json:"type"`
	PoolIDs []string          `json:"poolIds"`
	Pools   []domain.PoolInfo `json:"pools,omitempty"`
}

// TransactionMessage carries one live or backfilled transaction event.
type TransactionMessage struct {
	Type string `json:"type"`
	domain.TransactionRecord
}

// ErrorMessage answers a malformed or unknown inbound message. The connection
// stays open.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ControlMessage is a bare typed message (ping/pong).
type ControlMessage struct {
	Type string `json:"type"`
}

// NewTransactionMessage wraps a record for the wire.
func NewTransactionMessage(rec domain.TransactionRecord) TransactionMessage {
	return TransactionMessage{Type: TypeTransaction, TransactionRecord: rec}
}

// SubscribeMessage is the client-to-server subscribe/unsubscribe frame.
type SubscribeMessage struct {
	Type    string   `json:"type"`
	PoolIDs []string `json:"poolIds"`
}

// ClientMessage is the parsed form of an inbound client message.
type ClientMessage struct {
	Kind    string
	PoolIDs []string
}

// clientEnvelope is the raw inbound shape before validation.
type clientEnvelope struct {
	Type    string   `json:"type"`
	PoolIDs []string `json:"poolIds"`
}

// ParseClientMessage validates an inbound frame against the closed set of
// client message kinds.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch env.Type {
	case TypeSubscribe, TypeUnsubscribe:
		return &ClientMessage{Kind: env.Type, PoolIDs: env.PoolIDs}, nil
	case TypePing, TypePong:
		return &ClientMessage{Kind: env.Type}, nil
	case "":
		return nil, fmt.Errorf("missing message type")
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
