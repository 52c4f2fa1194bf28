// Package events provides structured event emission for diagnostics.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	EventSessionOpened   EventType = "session_opened"
	EventSessionClosed   EventType = "session_closed"
	EventPortInUse       EventType = "port_in_use"
	EventPeerConnected   EventType = "peer_connected"
	EventHandshakeFailed EventType = "handshake_failed"
	EventStats           EventType = "stats"
)

// Envelope wraps every emitted event with type and timestamp.
type Envelope struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SessionOpenedData is the payload for session_opened events, emitted by
// the server when a client's handshake succeeds.
type SessionOpenedData struct {
	ClientAddr string `json:"client_addr"`
	Port       uint16 `json:"port"`
}

// SessionClosedData is the payload for session_closed events.
type SessionClosedData struct {
	ClientAddr string `json:"client_addr"`
	Reason     string `json:"reason"`
}

// PortInUseData is the payload for port_in_use events, emitted by the
// server when a requested forward port is already bound.
type PortInUseData struct {
	ClientAddr string `json:"client_addr"`
	Port       uint16 `json:"port"`
}

// PeerConnectedData is the payload for peer_connected events, emitted by
// the client the first time a given external peer address is observed.
type PeerConnectedData struct {
	PeerAddr string `json:"peer_addr"`
}

// HandshakeFailedData is the payload for handshake_failed events.
type HandshakeFailedData struct {
	ServerEndpoint string `json:"server_endpoint"`
	Reason         string `json:"reason"`
}

// StatsData is the payload for stats events. The client and server stats
// loops write a log line only; neither emits this event.
type StatsData struct {
	TxFrames uint64 `json:"tx_frames"`
	TxBytes  uint64 `json:"tx_bytes"`
	RxFrames uint64 `json:"rx_frames"`
	RxBytes  uint64 `json:"rx_bytes"`
	Active   int    `json:"active"` // sessions (server) or peer sockets (client)
}

// Emitter is the interface for emitting structured events.
type Emitter interface {
	Emit(eventType EventType, data interface{})
	Close() error
}
