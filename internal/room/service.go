// Package room tracks ephemeral multi-device collaborative sessions and
// pairwise entanglement links layered on top of the field state.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resonance-field/server/internal/field"
	"resonance-field/server/internal/store"
)

const (
	// BloomResonanceBoost and BloomIntelligenceBoost are the global side
	// effects of a room-level bloom, applied through the clamped
	// increment path.
	BloomResonanceBoost    = 0.3
	BloomIntelligenceBoost = 0.2

	// maxRoomPhrases bounds the phrases kept per room.
	maxRoomPhrases = 64

	roomTTL = 5 * time.Minute
)

// Entanglement link types.
const (
	LinkBreathing    = "BREATHING"
	LinkResonance    = "RESONANCE"
	LinkSacredPhrase = "SACRED_PHRASE"
)

// Entanglement statuses.
const (
	StatusActive  = "active"
	StatusDormant = "dormant"
	StatusSevered = "severed"
)

var (
	// ErrBadRequest reports missing or malformed identifiers.
	ErrBadRequest = errors.New("room: bad request")
	// ErrUnknownLinkType reports an entanglement type outside the enum.
	ErrUnknownLinkType = errors.New("room: unknown entanglement type")
)

// CollectiveState is the shared sub-state of one room.
type CollectiveState struct {
	BreathingPhase float64   `json:"breathingPhase"`
	ResonanceLevel float64   `json:"resonanceLevel"`
	SacredPhrases  []string  `json:"sacredPhrases"`
	LastBloom      time.Time `json:"lastBloom,omitempty"`
}

// Session is one Room64 room. Created on first join, destroyed when the
// participant set empties.
type Session struct {
	RoomID       string          `json:"roomId"`
	Participants map[string]bool `json:"participants"`
	Collective   CollectiveState `json:"collectiveState"`
}

func (s *Session) clone() Session {
	out := *s
	out.Participants = make(map[string]bool, len(s.Participants))
	for k, v := range s.Participants {
		out.Participants[k] = v
	}
	out.Collective.SacredPhrases = append([]string(nil), s.Collective.SacredPhrases...)
	return out
}

// Entanglement is a named link between a source device and a target device
// or, with no target, the collective.
type Entanglement struct {
	ID           string    `json:"id"`
	SourceDevice string    `json:"sourceDevice"`
	TargetDevice string    `json:"targetDevice,omitempty"`
	Type         string    `json:"type"`
	Intensity    float64   `json:"intensity"`
	Status       string    `json:"status"`
	Established  time.Time `json:"established"`
	LastSync     time.Time `json:"lastSync"`
}

// SyncInput carries one sync message into a room's collective state.
// Resonance is an additive, clamped delta rather than a replacement.
type SyncInput struct {
	BreathingPhase *float64
	ResonanceDelta *float64
	SacredPhrase   string
}

// FieldAPI is what the room service needs from the field state manager.
type FieldAPI interface {
	UpdateGlobalState(ctx context.Context, patch field.Patch) (field.State, store.Tier)
	ApplyDelta(ctx context.Context, resonanceDelta, intelligenceDelta float64, nodesDelta int) field.State
	RecordEvent(ctx context.Context, e field.Event) string
	MarkProcessed(ctx context.Context, ids []string)
}

// Service owns the local room table and persists rooms through the tiered
// store so siblings and restarts see them.
type Service struct {
	store *store.Tiered
	field FieldAPI
	log   *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Session
	// links holds entanglements recorded while the durable store is down.
	links []Entanglement
}

// NewService returns a ready room coordinator.
func NewService(st *store.Tiered, f FieldAPI, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store: st,
		field: f,
		log:   log,
		rooms: make(map[string]*Session),
	}
}

// Join creates or fetches the room, adds the device, marks the global
// room64 flag, and emits a TOUCH event.
func (s *Service) Join(ctx context.Context, roomID, deviceID string) (Session, error) {
	if roomID == "" || deviceID == "" {
		return Session{}, ErrBadRequest
	}

	s.mu.Lock()
	room := s.loadLocked(ctx, roomID)
	room.Participants[deviceID] = true
	s.persistLocked(ctx, room)
	snapshot := room.clone()
	s.mu.Unlock()

	active := true
	s.field.UpdateGlobalState(ctx, field.Patch{Room64Active: &active})
	// The join is its own consumer: its field effect is the room64 flag
	// above, so the touch event is born and marked processed here.
	eventID := s.field.RecordEvent(ctx, field.Event{
		DeviceID:  deviceID,
		Type:      field.EventTouch,
		Intensity: field.DefaultIntensity,
		Data:      map[string]any{"roomId": roomID, "room64": true},
	})
	s.field.MarkProcessed(ctx, []string{eventID})

	s.log.Info("device joined room",
		zap.String("room", roomID), zap.String("device", deviceID),
		zap.Int("participants", len(snapshot.Participants)))
	return snapshot, nil
}

// Leave removes the device. The last participant leaving deletes the room
// from every tier; the last room closing clears the global flag.
func (s *Service) Leave(ctx context.Context, roomID, deviceID string) (Session, bool, error) {
	if roomID == "" || deviceID == "" {
		return Session{}, false, ErrBadRequest
	}

	s.mu.Lock()
	room := s.loadLocked(ctx, roomID)
	delete(room.Participants, deviceID)
	empty := len(room.Participants) == 0
	if empty {
		delete(s.rooms, roomID)
		s.store.Delete(ctx, roomKey(roomID))
	} else {
		s.persistLocked(ctx, room)
	}
	noneLeft := len(s.rooms) == 0
	snapshot := room.clone()
	s.mu.Unlock()

	if empty {
		s.log.Info("room closed", zap.String("room", roomID))
	}
	if noneLeft {
		active := false
		s.field.UpdateGlobalState(ctx, field.Patch{Room64Active: &active})
	}
	return snapshot, empty, nil
}

// Sync merges breathing, resonance, and phrase data into the room's
// collective state. Resonance increments are additive and clamped.
func (s *Service) Sync(ctx context.Context, roomID, deviceID string, in SyncInput) (Session, error) {
	if roomID == "" || deviceID == "" {
		return Session{}, ErrBadRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.loadLocked(ctx, roomID)
	room.Participants[deviceID] = true
	if in.BreathingPhase != nil {
		room.Collective.BreathingPhase = *in.BreathingPhase
	}
	if in.ResonanceDelta != nil {
		room.Collective.ResonanceLevel = clamp01(room.Collective.ResonanceLevel + *in.ResonanceDelta)
	}
	if phrase := in.SacredPhrase; phrase != "" {
		if len(phrase) > field.MaxPhraseLen {
			phrase = phrase[:field.MaxPhraseLen]
		}
		room.Collective.SacredPhrases = append(room.Collective.SacredPhrases, phrase)
		if len(room.Collective.SacredPhrases) > maxRoomPhrases {
			room.Collective.SacredPhrases = room.Collective.SacredPhrases[len(room.Collective.SacredPhrases)-maxRoomPhrases:]
		}
	}
	s.persistLocked(ctx, room)
	return room.clone(), nil
}

// Bloom maxes the room's resonance and raises the global field by the
// fixed boosts. A room-level bloom has global side effects on purpose.
func (s *Service) Bloom(ctx context.Context, roomID, deviceID string) (Session, error) {
	if roomID == "" || deviceID == "" {
		return Session{}, ErrBadRequest
	}

	s.mu.Lock()
	room := s.loadLocked(ctx, roomID)
	room.Participants[deviceID] = true
	room.Collective.ResonanceLevel = 1.0
	room.Collective.LastBloom = time.Now()
	s.persistLocked(ctx, room)
	snapshot := room.clone()
	s.mu.Unlock()

	s.field.ApplyDelta(ctx, BloomResonanceBoost, BloomIntelligenceBoost, 0)
	s.log.Info("room bloomed", zap.String("room", roomID), zap.String("device", deviceID))
	return snapshot, nil
}

// Get returns the room snapshot if it exists anywhere.
func (s *Service) Get(ctx context.Context, roomID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[roomID]; ok {
		return room.clone(), true
	}
	if room, ok := s.fetch(ctx, roomID); ok {
		s.rooms[roomID] = room
		return room.clone(), true
	}
	return Session{}, false
}

// ActiveRooms reports how many rooms this instance is tracking.
func (s *Service) ActiveRooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Entangle records a link. Target liveness is the broadcast layer's
// responsibility; a collective link (empty target) always succeeds.
func (s *Service) Entangle(ctx context.Context, source, target, linkType string, intensity float64) (Entanglement, error) {
	if source == "" {
		return Entanglement{}, ErrBadRequest
	}
	switch linkType {
	case LinkBreathing, LinkResonance, LinkSacredPhrase:
	default:
		return Entanglement{}, ErrUnknownLinkType
	}

	now := time.Now()
	link := Entanglement{
		ID:           uuid.NewString(),
		SourceDevice: source,
		TargetDevice: target,
		Type:         linkType,
		Intensity:    clamp01(intensity),
		Status:       StatusActive,
		Established:  now,
		LastSync:     now,
	}

	err := s.store.InsertEntanglement(ctx, store.EntanglementRow{
		ID:           link.ID,
		SourceDevice: link.SourceDevice,
		TargetDevice: link.TargetDevice,
		Type:         link.Type,
		Intensity:    link.Intensity,
		Status:       link.Status,
		Established:  link.Established,
		LastSync:     link.LastSync,
	})
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			s.log.Warn("entanglement insert failed, keeping in memory", zap.Error(err))
		}
		s.mu.Lock()
		s.links = append(s.links, link)
		s.mu.Unlock()
	}
	return link, nil
}

// Entanglements lists links touching the device.
func (s *Service) Entanglements(ctx context.Context, device string) []Entanglement {
	rows, err := s.store.ListEntanglements(ctx, device)
	if err == nil {
		links := make([]Entanglement, 0, len(rows))
		for _, row := range rows {
			links = append(links, Entanglement{
				ID:           row.ID,
				SourceDevice: row.SourceDevice,
				TargetDevice: row.TargetDevice,
				Type:         row.Type,
				Intensity:    row.Intensity,
				Status:       row.Status,
				Established:  row.Established,
				LastSync:     row.LastSync,
			})
		}
		return links
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var links []Entanglement
	for _, link := range s.links {
		if link.SourceDevice == device || link.TargetDevice == device {
			links = append(links, link)
		}
	}
	return links
}

// loadLocked returns the tracked room, reviving it from the store or
// creating it fresh. Caller holds s.mu.
func (s *Service) loadLocked(ctx context.Context, roomID string) *Session {
	if room, ok := s.rooms[roomID]; ok {
		return room
	}
	if room, ok := s.fetch(ctx, roomID); ok {
		s.rooms[roomID] = room
		return room
	}
	room := &Session{
		RoomID:       roomID,
		Participants: make(map[string]bool),
		Collective:   CollectiveState{SacredPhrases: []string{}},
	}
	s.rooms[roomID] = room
	return room
}

func (s *Service) fetch(ctx context.Context, roomID string) (*Session, bool) {
	raw, _, ok := s.store.Get(ctx, roomKey(roomID))
	if !ok {
		return nil, false
	}
	var room Session
	if err := json.Unmarshal(raw, &room); err != nil {
		s.log.Warn("dropping undecodable room", zap.String("room", roomID), zap.Error(err))
		return nil, false
	}
	if room.Participants == nil {
		room.Participants = make(map[string]bool)
	}
	return &room, true
}

func (s *Service) persistLocked(ctx context.Context, room *Session) {
	raw, err := json.Marshal(room)
	if err != nil {
		s.log.Error("room marshal failed", zap.String("room", room.RoomID), zap.Error(err))
		return
	}
	s.store.Set(ctx, roomKey(room.RoomID), raw, roomTTL)
}

func roomKey(roomID string) string { return "room64:" + roomID }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
