// Package realtime maintains the live-update channel: one logical WebSocket
// session multiplexing entity-type subscriptions, with heartbeats and
// automatic reconnection.
package realtime

import "encoding/json"

// Wildcard subscribes a handler to every entity type.
const Wildcard = "*"

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
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
	default:
		return "unknown"
	}
}

// Message is an inbound entity update.
type Message struct {
	Type   string          `json:"type"`
	Entity string          `json:"entity"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data"`
	TS     string          `json:"ts"`
}

// Handler receives inbound messages for a subscription.
type Handler func(Message)

// controlMessage covers every outbound frame: subscribe/unsubscribe controls
// and heartbeat pings.
type controlMessage struct {
	Action string `json:"action,omitempty"`
	Entity string `json:"entity,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Conn is the minimal socket surface the manager needs.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a socket session. Swapped for a fake in tests.
type Dialer interface {
	Dial(rawURL string) (Conn, error)
}
