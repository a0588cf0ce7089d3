// Package ws terminates device websocket connections: auth, upgrade,
// initial snapshot, then a read loop that dispatches the wire protocol.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	server "resonance-field/server"
	"resonance-field/server/internal/auth"
	"resonance-field/server/internal/batch"
	"resonance-field/server/internal/field"
	"resonance-field/server/internal/net/intake"
	"resonance-field/server/internal/net/proto"
	"resonance-field/server/internal/ratelimit"
	"resonance-field/server/internal/room"
)

// maxOfflineBatch caps one offline_sync message. An oversized backlog is
// rejected whole so the client splits it into multiple messages; nothing
// is silently dropped.
const maxOfflineBatch = 100

// Handler owns one websocket endpoint.
type Handler struct {
	hub     *server.Hub
	field   *field.Manager
	batcher *batch.Processor
	rooms   *room.Service
	auth    auth.Validator
	limits  *ratelimit.Limiter
	log     *zap.Logger

	telemetry *server.Telemetry
	upgrader  websocket.Upgrader
}

// NewHandler wires the connection handler.
func NewHandler(hub *server.Hub, fm *field.Manager, batcher *batch.Processor, rooms *room.Service, validator auth.Validator, limits *ratelimit.Limiter, telemetry *server.Telemetry, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		hub:       hub,
		field:     fm,
		batcher:   batcher,
		rooms:     rooms,
		auth:      validator,
		limits:    limits,
		log:       log,
		telemetry: telemetry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handle authenticates and upgrades the request, pushes the snapshot, and
// runs the read loop until the client goes away.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}
	platform := r.URL.Query().Get("platform")

	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if h.auth != nil && !h.auth.ValidateConnection(deviceID, token) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx := context.Background()
	conn := server.NewConn(deviceID, platform, ws)
	h.hub.Register(ctx, conn)

	state, tier := h.field.GlobalState(ctx)
	if err := conn.WriteJSON(proto.SnapshotMessage{
		Ver:        proto.Version,
		Type:       proto.TypeSnapshot,
		State:      state,
		Tier:       tier.String(),
		ServerTime: time.Now().UnixMilli(),
	}); err != nil {
		h.hub.Drop(ctx, conn)
		return
	}

	h.hub.AnnounceJoin(ctx, deviceID)
	h.log.Info("device connected",
		zap.String("device", deviceID), zap.String("platform", platform),
		zap.String("tier", tier.String()))

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.dispatch(ctx, conn, raw)
	}
	h.hub.Drop(ctx, conn)
}

func (h *Handler) dispatch(ctx context.Context, conn *server.Conn, raw []byte) {
	var msg proto.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reject(conn, 0, server.RejectBadRequest)
		return
	}

	switch msg.Type {
	case proto.TypeEvent:
		h.handleEvent(ctx, conn, msg)
	case proto.TypeOfflineSync:
		h.handleOfflineSync(ctx, conn, msg)
	case proto.TypeQuantum:
		h.handleQuantum(ctx, conn, msg)
	case proto.TypePing:
		h.handlePing(conn, msg)
	case proto.TypeRoomJoin, proto.TypeRoomLeave, proto.TypeRoomSync, proto.TypeRoomBloom:
		h.handleRoom(ctx, conn, msg)
	case proto.TypeEntangle:
		h.handleEntangle(ctx, conn, msg)
	default:
		h.reject(conn, msg.Seq, server.RejectBadRequest)
	}
}

func (h *Handler) handleEvent(ctx context.Context, conn *server.Conn, msg proto.ClientMessage) {
	if msg.Event == nil {
		h.reject(conn, msg.Seq, server.RejectBadRequest)
		return
	}

	event, ok, reason := intake.StageEvent(h.stageContext(), conn.DeviceID, *msg.Event)
	if !ok {
		h.reject(conn, msg.Seq, reason)
		return
	}

	h.ack(conn, proto.AckMessage{
		Ver: proto.Version, Type: proto.TypeEventAck,
		Seq: msg.Seq, EventID: event.ID,
		ServerTime: time.Now().UnixMilli(),
	})

	if event.Type == field.EventTouch || event.Type == field.EventSacredPhrase {
		h.field.AddMemoryParticle(ctx, particleFrom(event))
	}
	h.hub.BroadcastEvent(ctx, event, conn.DeviceID)
}

// handleOfflineSync replays a backlog captured while the device was
// offline. The whole message consumes one batch-sync token; the per-event
// budget is not charged again.
func (h *Handler) handleOfflineSync(ctx context.Context, conn *server.Conn, msg proto.ClientMessage) {
	if len(msg.Events) == 0 || len(msg.Events) > maxOfflineBatch {
		h.reject(conn, msg.Seq, server.RejectBadRequest)
		return
	}
	if h.limits != nil && !h.limits.Allow(conn.DeviceID, ratelimit.ClassBatchSync) {
		h.reject(conn, msg.Seq, server.RejectRateLimited)
		return
	}

	events := msg.Events
	stage := h.stageContext()
	stage.Allow = nil
	accepted := 0
	for _, payload := range events {
		event, ok, reason := intake.StageEvent(stage, conn.DeviceID, payload)
		if !ok {
			if h.telemetry != nil {
				h.telemetry.EventRejected(reason)
			}
			continue
		}
		accepted++
		h.hub.BroadcastEvent(ctx, event, conn.DeviceID)
	}

	h.ack(conn, proto.AckMessage{
		Ver: proto.Version, Type: proto.TypeEventAck,
		Seq: msg.Seq, Count: accepted,
		ServerTime: time.Now().UnixMilli(),
	})
}

func (h *Handler) handleQuantum(ctx context.Context, conn *server.Conn, msg proto.ClientMessage) {
	if msg.Field == nil {
		h.reject(conn, msg.Seq, server.RejectBadRequest)
		return
	}
	if h.limits != nil && !h.limits.Allow(conn.DeviceID, ratelimit.ClassFieldUpdate) {
		h.reject(conn, msg.Seq, server.RejectRateLimited)
		return
	}

	state, tier, err := h.field.UpdateQuantumField(ctx, msg.Field.ID, msg.Field.Grid, msg.Field.Intensity)
	if err != nil {
		if !errors.Is(err, field.ErrInvalidGrid) {
			h.log.Warn("quantum field update failed", zap.Error(err))
		}
		h.reject(conn, msg.Seq, server.RejectInvalidEvent)
		return
	}

	h.ack(conn, proto.AckMessage{
		Ver: proto.Version, Type: proto.TypeEventAck,
		Seq: msg.Seq, ServerTime: time.Now().UnixMilli(),
	})
	h.hub.BroadcastSnapshot(ctx, state, tier, true)
}

func (h *Handler) handlePing(conn *server.Conn, msg proto.ClientMessage) {
	now := time.Now().UnixMilli()
	var rtt int64
	if msg.SentAt > 0 && msg.SentAt <= now {
		rtt = now - msg.SentAt
	}
	h.ack(conn, proto.PongMessage{
		Ver: proto.Version, Type: proto.TypePong,
		ServerTime: now, ClientTime: msg.SentAt, RTTMillis: rtt,
	})
}

func (h *Handler) handleRoom(ctx context.Context, conn *server.Conn, msg proto.ClientMessage) {
	if msg.Room == nil || msg.Room.RoomID == "" {
		h.reject(conn, msg.Seq, server.RejectBadRequest)
		return
	}

	var (
		session room.Session
		err     error
	)
	switch msg.Type {
	case proto.TypeRoomJoin:
		session, err = h.rooms.Join(ctx, msg.Room.RoomID, conn.DeviceID)
	case proto.TypeRoomLeave:
		session, _, err = h.rooms.Leave(ctx, msg.Room.RoomID, conn.DeviceID)
	case proto.TypeRoomSync:
		session, err = h.rooms.Sync(ctx, msg.Room.RoomID, conn.DeviceID, room.SyncInput{
			BreathingPhase: msg.Room.BreathingPhase,
			ResonanceDelta: msg.Room.Resonance,
			SacredPhrase:   msg.Room.Phrase,
		})
	case proto.TypeRoomBloom:
		session, err = h.rooms.Bloom(ctx, msg.Room.RoomID, conn.DeviceID)
	}
	if err != nil {
		h.reject(conn, msg.Seq, server.RejectBadRequest)
		return
	}

	h.ack(conn, proto.RoomStateMessage{
		Ver: proto.Version, Type: proto.TypeRoomState,
		Op: msg.Type, Room: session,
		ServerTime: time.Now().UnixMilli(),
	})

	if msg.Type == proto.TypeRoomBloom {
		state, tier := h.field.GlobalState(ctx)
		h.hub.BroadcastSnapshot(ctx, state, tier, true)
	}
}

// handleEntangle records a link between this device and a target. The
// target must hold a live session on this instance; cross-instance links
// are refused as unknown targets.
func (h *Handler) handleEntangle(ctx context.Context, conn *server.Conn, msg proto.ClientMessage) {
	if msg.Link == nil {
		h.reject(conn, msg.Seq, server.RejectBadRequest)
		return
	}
	if target := msg.Link.Target; target != "" && !h.hub.HasLocalConnection(target) {
		h.reject(conn, msg.Seq, server.RejectUnknownTarget)
		return
	}

	link, err := h.rooms.Entangle(ctx, conn.DeviceID, msg.Link.Target, msg.Link.Type, msg.Link.Intensity)
	if err != nil {
		h.reject(conn, msg.Seq, server.RejectBadRequest)
		return
	}

	confirm := proto.EntangledMessage{
		Ver: proto.Version, Type: proto.TypeEntangled,
		Link: link, ServerTime: time.Now().UnixMilli(),
	}
	h.ack(conn, confirm)
	if link.TargetDevice != "" {
		if data, err := json.Marshal(confirm); err == nil {
			h.hub.SendToDevice(ctx, link.TargetDevice, data)
		}
	}
}

func (h *Handler) stageContext() intake.StageContext {
	ctx := intake.StageContext{
		Enqueue: h.batcher.Enqueue,
	}
	if h.limits != nil {
		ctx.Allow = h.limits.Allow
	}
	return ctx
}

func (h *Handler) ack(conn *server.Conn, v any) {
	if err := conn.WriteJSON(v); err != nil {
		h.log.Debug("reply write failed", zap.String("device", conn.DeviceID), zap.Error(err))
	}
}

func (h *Handler) reject(conn *server.Conn, seq uint64, reason string) {
	if h.telemetry != nil {
		h.telemetry.EventRejected(reason)
	}
	h.ack(conn, proto.RejectMessage{
		Ver: proto.Version, Type: proto.TypeEventReject,
		Seq: seq, Reason: reason,
		Retry: server.RetryableReject(reason),
	})
}

func particleFrom(e field.Event) field.MemoryParticle {
	p := field.MemoryParticle{
		SourceDeviceID: e.DeviceID,
		Intensity:      e.Intensity,
		Timestamp:      e.Timestamp,
	}
	if x, ok := e.Data["x"].(float64); ok {
		p.X = x
	}
	if y, ok := e.Data["y"].(float64); ok {
		p.Y = y
	}
	if phrase, ok := e.Data["phrase"].(string); ok {
		p.SacredPhrase = phrase
	}
	return p
}
