// Package server owns the connection hub: the registry of live websocket
// sessions, the broadcast groups they belong to, and the cross-instance
// relay that keeps sibling instances' devices in the same field.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"resonance-field/server/internal/batch"
	"resonance-field/server/internal/field"
	"resonance-field/server/internal/net/proto"
	"resonance-field/server/internal/store"
)

// writeWait bounds every outbound frame so a stalled client cannot wedge a
// broadcast.
const writeWait = 10 * time.Second

// Broadcast group names. Every connection joins the global group plus its
// platform and device groups.
const (
	GroupGlobal         = "global"
	GroupPlatformPrefix = "platform:"
	GroupDevicePrefix   = "device:"
)

// Conn is one live websocket session. Writes are serialized through the
// mutex so broadcast fan-out and per-session replies never interleave
// frames.
type Conn struct {
	DeviceID string
	Platform string

	conn *websocket.Conn
	mu   sync.Mutex
}

// NewConn wraps an upgraded websocket connection.
func NewConn(deviceID, platform string, ws *websocket.Conn) *Conn {
	return &Conn{DeviceID: deviceID, Platform: platform, conn: ws}
}

// WriteMessage sends one text frame under the write deadline.
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON marshals v and sends it as one frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

// ReadMessage blocks for the next client frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close tears the underlying socket down.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Hub tracks live connections and fans server messages out to broadcast
// groups, locally and across instances through the store's pub/sub relay.
type Hub struct {
	log       *zap.Logger
	instance  string
	store     *store.Tiered
	field     *field.Manager
	telemetry *Telemetry

	mu       sync.Mutex
	sessions map[string]*Conn
	groups   map[string]map[string]*Conn
}

// NewHub returns an empty hub bound to this instance id.
func NewHub(instance string, st *store.Tiered, fm *field.Manager, telemetry *Telemetry, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if telemetry == nil {
		telemetry = NewTelemetry()
	}
	return &Hub{
		log:       log,
		instance:  instance,
		store:     st,
		field:     fm,
		telemetry: telemetry,
		sessions:  make(map[string]*Conn),
		groups:    make(map[string]map[string]*Conn),
	}
}

// Register adds the connection to the session table and its groups. A
// duplicate device id evicts the previous session; the eviction counts as
// that session's departure, so the replacement's join keeps the node count
// balanced. The evicted connection's own exit path becomes a no-op in Drop.
func (h *Hub) Register(ctx context.Context, c *Conn) {
	h.mu.Lock()
	previous := h.sessions[c.DeviceID]
	h.sessions[c.DeviceID] = c
	h.joinLocked(GroupGlobal, c)
	if c.Platform != "" {
		h.joinLocked(GroupPlatformPrefix+c.Platform, c)
	}
	h.joinLocked(GroupDevicePrefix+c.DeviceID, c)
	count := len(h.sessions)
	h.mu.Unlock()

	if previous != nil && previous != c {
		previous.Close()
		h.field.ApplyDelta(ctx, 0, 0, -1)
		h.log.Info("evicted duplicate session", zap.String("device", c.DeviceID))
	}
	h.telemetry.SetConnections(count)
}

func (h *Hub) joinLocked(group string, c *Conn) {
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*Conn)
		h.groups[group] = members
	}
	members[c.DeviceID] = c
}

// Drop tears down one connection. Only the connection that still owns the
// device's session entry removes it, decrements the node count, and
// announces the departure; a session evicted by a reconnect exits without
// touching its replacement.
func (h *Hub) Drop(ctx context.Context, c *Conn) {
	deviceID := c.DeviceID
	h.mu.Lock()
	current := h.sessions[deviceID] == c
	if current {
		delete(h.sessions, deviceID)
		for group, members := range h.groups {
			if members[deviceID] == c {
				delete(members, deviceID)
				if len(members) == 0 {
					delete(h.groups, group)
				}
			}
		}
	}
	count := len(h.sessions)
	h.mu.Unlock()

	c.Close()
	if !current {
		return
	}
	h.telemetry.SetConnections(count)
	state := h.field.ApplyDelta(ctx, 0, 0, -1)
	h.announcePresence(ctx, deviceID, false, state.ActiveNodes)
	h.log.Info("device disconnected", zap.String("device", deviceID))
}

// AnnounceJoin increments the active-node count and tells everyone else the
// device arrived.
func (h *Hub) AnnounceJoin(ctx context.Context, deviceID string) field.State {
	state := h.field.ApplyDelta(ctx, 0, 0, 1)
	h.announcePresence(ctx, deviceID, true, state.ActiveNodes)
	return state
}

func (h *Hub) announcePresence(ctx context.Context, deviceID string, joined bool, nodes int) {
	now := time.Now().UnixMilli()
	presence, err := json.Marshal(proto.PresenceMessage{
		Ver: proto.Version, Type: proto.TypePresence,
		DeviceID: deviceID, Joined: joined, ServerTime: now,
	})
	if err == nil {
		h.BroadcastGroup(ctx, GroupGlobal, deviceID, presence)
		h.publishRelay(proto.TypePresence, presence)
	}
	counts, err := json.Marshal(proto.NodeCountMessage{
		Ver: proto.Version, Type: proto.TypeNodeCount,
		ActiveNodes: nodes, ServerTime: now,
	})
	if err == nil {
		h.BroadcastGroup(ctx, GroupGlobal, "", counts)
	}
}

// BroadcastGroup fans data out to every member of group except the named
// device. Members are copied under the lock and written outside it; a
// failed write drops the session asynchronously so one dead socket cannot
// stall the rest of the group.
func (h *Hub) BroadcastGroup(ctx context.Context, group, except string, data []byte) {
	h.mu.Lock()
	members := h.groups[group]
	targets := make([]*Conn, 0, len(members))
	for deviceID, c := range members {
		if deviceID == except {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.WriteMessage(data); err != nil {
			h.log.Debug("broadcast write failed, dropping session",
				zap.String("device", c.DeviceID), zap.Error(err))
			go h.Drop(context.Background(), c)
		}
	}
	h.telemetry.RecordBroadcast(len(data), len(targets))
}

// BroadcastEvent fans an accepted event out as a field delta, locally and
// to sibling instances.
func (h *Hub) BroadcastEvent(ctx context.Context, e field.Event, except string) {
	msg := proto.FieldDeltaMessage{
		Ver:            proto.Version,
		Type:           proto.TypeFieldDelta,
		DeviceID:       e.DeviceID,
		EventID:        e.ID,
		EventType:      string(e.Type),
		Intensity:      e.Intensity,
		ResonanceDelta: batch.Weight(e.Type) * e.Intensity,
		ServerTime:     time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.BroadcastGroup(ctx, GroupGlobal, except, data)
	h.publishRelay(proto.TypeFieldDelta, data)
}

// BroadcastSnapshot pushes the full state to the global group. With relay
// set the snapshot also reaches devices on sibling instances.
func (h *Hub) BroadcastSnapshot(ctx context.Context, state field.State, tier store.Tier, relay bool) {
	data, err := json.Marshal(proto.SnapshotMessage{
		Ver:        proto.Version,
		Type:       proto.TypeSnapshot,
		State:      state,
		Tier:       tier.String(),
		ServerTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	h.BroadcastGroup(ctx, GroupGlobal, "", data)
	if relay {
		h.publishRelay(proto.TypeSnapshot, data)
	}
}

// publishRelay wraps an already-marshalled server message in a relay
// envelope and publishes it for sibling instances. Fire and forget; relay
// loss degrades to per-instance broadcast, never to an error.
func (h *Hub) publishRelay(kind string, payload []byte) {
	envelope, err := json.Marshal(proto.RelayEnvelope{
		Instance: h.instance,
		Kind:     kind,
		Payload:  payload,
	})
	if err != nil {
		return
	}
	h.telemetry.RelayPublished()
	go h.store.Publish(context.Background(), store.ChannelBroadcast, envelope)
}

// RunRelay consumes sibling instances' broadcast envelopes and fans their
// payloads out verbatim to local devices. Events were already persisted by
// the origin instance, so the relay never writes back to the store.
func (h *Hub) RunRelay(ctx context.Context) {
	for raw := range h.store.Subscribe(ctx, store.ChannelBroadcast) {
		var envelope proto.RelayEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			h.log.Debug("dropping malformed relay envelope", zap.Error(err))
			continue
		}
		if envelope.Instance == h.instance || len(envelope.Payload) == 0 {
			continue
		}
		h.telemetry.RelayReceived()
		h.BroadcastGroup(ctx, GroupGlobal, "", envelope.Payload)
	}
}

// SendToDevice writes data to one device's group, reaching only that
// device's live session.
func (h *Hub) SendToDevice(ctx context.Context, deviceID string, data []byte) {
	h.BroadcastGroup(ctx, GroupDevicePrefix+deviceID, "", data)
}

// HasLocalConnection reports whether the device holds a live session on
// this instance.
func (h *Hub) HasLocalConnection(deviceID string) bool {
	h.mu.Lock()
	_, ok := h.sessions[deviceID]
	h.mu.Unlock()
	return ok
}

// ActiveConnections returns the live session count on this instance.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
