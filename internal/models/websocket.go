package models

import (
	"encoding/json"
	"time"
)

// WSMessageType defines change feed message types.
type WSMessageType string

const (
	// Server to client
	WSTypeHello   WSMessageType = "hello"
	WSTypeChanged WSMessageType = "changed"
	WSTypeError   WSMessageType = "error"

	// Client to server
	WSTypePing WSMessageType = "ping"
)

// WSMessage is the envelope of every change feed message.
type WSMessage struct {
	Type      WSMessageType   `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloMessage greets a subscriber after the upgrade.
type HelloMessage struct {
	Server   string    `json:"server"`
	ServerAt time.Time `json:"server_at"`
}

// ChangedMessage announces records written to the remote store.
type ChangedMessage struct {
	Keys []Key `json:"keys"`
}

// ErrorMessage reports a server-side failure on the feed.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWSMessage wraps data in an envelope.
func NewWSMessage(t WSMessageType, seq int64, data interface{}) (WSMessage, error) {
	msg := WSMessage{Type: t, Seq: seq, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return WSMessage{}, err
		}
		msg.Data = raw
	}
	return msg, nil
}
