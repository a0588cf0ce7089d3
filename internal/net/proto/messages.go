// Package proto defines the websocket wire protocol between devices and
// the server, and the envelope relayed between sibling instances.
package proto

import (
	"resonance-field/server/internal/field"
	"resonance-field/server/internal/room"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Client message type identifiers.
const (
	TypeEvent       = "event"
	TypeOfflineSync = "offline_sync"
	TypeQuantum     = "quantum_field"
	TypePing        = "ping"
	TypeRoomJoin    = "room_join"
	TypeRoomLeave   = "room_leave"
	TypeRoomSync    = "room_sync"
	TypeRoomBloom   = "room_bloom"
	TypeEntangle    = "entangle"
)

// Server message type identifiers.
const (
	TypeSnapshot    = "snapshot"
	TypeFieldDelta  = "field_delta"
	TypeEventAck    = "event_ack"
	TypeEventReject = "event_reject"
	TypePong        = "pong"
	TypeNodeCount   = "node_count"
	TypePresence    = "presence"
	TypeRoomState   = "room_state"
	TypeEntangled   = "entangled"
)

// ClientMessage is the single inbound envelope. Type selects which payload
// field is meaningful.
type ClientMessage struct {
	Ver    int             `json:"ver,omitempty"`
	Type   string          `json:"type"`
	Seq    uint64          `json:"seq,omitempty"`
	SentAt int64           `json:"sentAt,omitempty"`
	Event  *EventPayload   `json:"event,omitempty"`
	Events []EventPayload  `json:"events,omitempty"`
	Room   *RoomPayload    `json:"room,omitempty"`
	Link   *LinkPayload    `json:"link,omitempty"`
	Field  *QuantumPayload `json:"field,omitempty"`
}

// EventPayload carries one consciousness event from a device. Pointer
// fields distinguish absent from zero.
type EventPayload struct {
	Type       string         `json:"type"`
	Intensity  *float64       `json:"intensity,omitempty"`
	X          *float64       `json:"x,omitempty"`
	Y          *float64       `json:"y,omitempty"`
	Phrase     string         `json:"phrase,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// RoomPayload drives the Room64 join/leave/sync/bloom operations.
type RoomPayload struct {
	RoomID         string   `json:"roomId"`
	BreathingPhase *float64 `json:"breathingPhase,omitempty"`
	Resonance      *float64 `json:"resonance,omitempty"`
	Phrase         string   `json:"phrase,omitempty"`
}

// LinkPayload requests an entanglement. An empty target means collective.
type LinkPayload struct {
	Target    string  `json:"target,omitempty"`
	Type      string  `json:"type"`
	Intensity float64 `json:"intensity"`
}

// QuantumPayload upserts a quantum field grid.
type QuantumPayload struct {
	ID        string      `json:"id,omitempty"`
	Grid      [][]float64 `json:"fieldData"`
	Intensity float64     `json:"intensity"`
}

// SnapshotMessage pushes the full field state, tagged with the tier that
// served it.
type SnapshotMessage struct {
	Ver        int         `json:"ver"`
	Type       string      `json:"type"`
	State      field.State `json:"state"`
	Tier       string      `json:"tier"`
	ServerTime int64       `json:"serverTime"`
}

// FieldDeltaMessage fans an accepted event out to the global group and, via
// the relay envelope, to sibling instances.
type FieldDeltaMessage struct {
	Ver            int     `json:"ver"`
	Type           string  `json:"type"`
	DeviceID       string  `json:"deviceId"`
	EventID        string  `json:"eventId"`
	EventType      string  `json:"eventType"`
	Intensity      float64 `json:"intensity"`
	ResonanceDelta float64 `json:"resonanceDelta"`
	ServerTime     int64   `json:"serverTime"`
}

// AckMessage confirms an accepted client message.
type AckMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	Seq        uint64 `json:"seq,omitempty"`
	EventID    string `json:"eventId,omitempty"`
	Count      int    `json:"count,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

// RejectMessage refuses a client message with a typed reason. Retry marks
// backpressure-style rejections worth retrying.
type RejectMessage struct {
	Ver    int    `json:"ver"`
	Type   string `json:"type"`
	Seq    uint64 `json:"seq,omitempty"`
	Reason string `json:"reason"`
	Retry  bool   `json:"retry,omitempty"`
}

// PongMessage answers a ping with no side effects.
type PongMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	RTTMillis  int64  `json:"rtt"`
}

// NodeCountMessage announces the active-node count.
type NodeCountMessage struct {
	Ver         int    `json:"ver"`
	Type        string `json:"type"`
	ActiveNodes int    `json:"activeNodes"`
	ServerTime  int64  `json:"serverTime"`
}

// PresenceMessage announces a device joining or leaving the global group.
type PresenceMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	Joined     bool   `json:"joined"`
	ServerTime int64  `json:"serverTime"`
}

// RoomStateMessage returns a room snapshot after a room operation.
type RoomStateMessage struct {
	Ver        int          `json:"ver"`
	Type       string       `json:"type"`
	Op         string       `json:"op"`
	Room       room.Session `json:"room"`
	ServerTime int64        `json:"serverTime"`
}

// EntangledMessage confirms a recorded entanglement.
type EntangledMessage struct {
	Ver        int               `json:"ver"`
	Type       string            `json:"type"`
	Link       room.Entanglement `json:"link"`
	ServerTime int64             `json:"serverTime"`
}

// RelayEnvelope wraps a server message published on the cross-instance
// broadcast channel. Instances skip their own envelopes and relay the
// payload verbatim to locally-connected devices without re-persisting.
type RelayEnvelope struct {
	Instance string `json:"instance"`
	Kind     string `json:"kind"`
	Payload  []byte `json:"payload"`
}
