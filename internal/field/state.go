package field

import (
	"time"
)

const (
	// StateKey is the singleton row key for the shared field state.
	StateKey = "global"

	// MaxMemoryParticles bounds the particle list, newest first.
	MaxMemoryParticles = 1000
	// MaxQuantumFields bounds the quantum field list, most recently updated first.
	MaxQuantumFields = 10
	// GridSize is the fixed edge length of a quantum field intensity grid.
	GridSize = 30
	// MaxPhraseLen bounds sacred phrase free text.
	MaxPhraseLen = 200
)

// EventType identifies a consciousness event class on the wire and in storage.
type EventType string

const (
	EventBreath       EventType = "BREATH"
	EventSpiral       EventType = "SPIRAL"
	EventBloom        EventType = "BLOOM"
	EventTouch        EventType = "TOUCH"
	EventSacredPhrase EventType = "SACRED_PHRASE"
	EventOfflineSync  EventType = "OFFLINE_SYNC"
)

// KnownEventType reports whether t is one of the accepted event classes.
func KnownEventType(t EventType) bool {
	switch t {
	case EventBreath, EventSpiral, EventBloom, EventTouch, EventSacredPhrase, EventOfflineSync:
		return true
	}
	return false
}

// DefaultIntensity is assumed when an event arrives without one.
const DefaultIntensity = 0.5

// State is the singleton shared field document. All scalar energy values
// stay inside [0,1] and the two lists never exceed their caps.
type State struct {
	GlobalResonance        float64          `json:"globalResonance"`
	ActiveNodes            int              `json:"activeNodes"`
	MemoryParticles        []MemoryParticle `json:"memoryParticles"`
	QuantumFields          []QuantumField   `json:"quantumFields"`
	CollectiveIntelligence float64          `json:"collectiveIntelligence"`
	Room64Active           bool             `json:"room64Active"`
	LastUpdate             time.Time        `json:"lastUpdate"`
}

// MemoryParticle records a notable phrase or touch. Immutable once created.
type MemoryParticle struct {
	ID             string    `json:"id"`
	X              float64   `json:"x"`
	Y              float64   `json:"y"`
	Intensity      float64   `json:"intensity"`
	Age            float64   `json:"age"`
	SourceDeviceID string    `json:"sourceDeviceId"`
	SacredPhrase   string    `json:"sacredPhrase,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// QuantumField is a small 2-D intensity grid keyed by id.
type QuantumField struct {
	ID                  string      `json:"id"`
	Data                [][]float64 `json:"fieldData"`
	CollectiveIntensity float64     `json:"collectiveIntensity"`
	LastUpdate          time.Time   `json:"lastUpdate"`
}

// Event is one consciousness event. Append-only; Processed flips exactly
// once when a flush applies the event to the field.
type Event struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"deviceId"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Processed bool           `json:"processed"`
	Intensity float64        `json:"intensity"`
}

// Patch is a partial administrative update merged into the state document.
// Nil fields are left untouched.
type Patch struct {
	GlobalResonance        *float64 `json:"globalResonance,omitempty"`
	ActiveNodes            *int     `json:"activeNodes,omitempty"`
	CollectiveIntelligence *float64 `json:"collectiveIntelligence,omitempty"`
	Room64Active           *bool    `json:"room64Active,omitempty"`
}

// NewState returns the document created at first boot.
func NewState(now time.Time) State {
	return State{
		MemoryParticles: []MemoryParticle{},
		QuantumFields:   []QuantumField{},
		LastUpdate:      now,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize clamps scalars and trims both lists to their caps.
func (s *State) Normalize() {
	s.GlobalResonance = clamp01(s.GlobalResonance)
	s.CollectiveIntelligence = clamp01(s.CollectiveIntelligence)
	if s.ActiveNodes < 0 {
		s.ActiveNodes = 0
	}
	if len(s.MemoryParticles) > MaxMemoryParticles {
		s.MemoryParticles = s.MemoryParticles[:MaxMemoryParticles]
	}
	if len(s.QuantumFields) > MaxQuantumFields {
		s.QuantumFields = s.QuantumFields[:MaxQuantumFields]
	}
}

// Merge applies a patch, clamps invariants, and advances LastUpdate without
// ever moving it backwards.
func (s *State) Merge(p Patch, now time.Time) {
	if p.GlobalResonance != nil {
		s.GlobalResonance = *p.GlobalResonance
	}
	if p.ActiveNodes != nil {
		s.ActiveNodes = *p.ActiveNodes
	}
	if p.CollectiveIntelligence != nil {
		s.CollectiveIntelligence = *p.CollectiveIntelligence
	}
	if p.Room64Active != nil {
		s.Room64Active = *p.Room64Active
	}
	s.Normalize()
	s.Touch(now)
}

// Touch advances LastUpdate monotonically.
func (s *State) Touch(now time.Time) {
	if now.After(s.LastUpdate) {
		s.LastUpdate = now
	}
}

// AddParticle inserts p keeping the list newest-first and bounded.
func (s *State) AddParticle(p MemoryParticle) {
	p.Intensity = clamp01(p.Intensity)
	if len(p.SacredPhrase) > MaxPhraseLen {
		p.SacredPhrase = p.SacredPhrase[:MaxPhraseLen]
	}
	idx := 0
	for idx < len(s.MemoryParticles) && s.MemoryParticles[idx].Timestamp.After(p.Timestamp) {
		idx++
	}
	s.MemoryParticles = append(s.MemoryParticles, MemoryParticle{})
	copy(s.MemoryParticles[idx+1:], s.MemoryParticles[idx:])
	s.MemoryParticles[idx] = p
	if len(s.MemoryParticles) > MaxMemoryParticles {
		s.MemoryParticles = s.MemoryParticles[:MaxMemoryParticles]
	}
}

// UpsertQuantumField replaces the grid keyed by id, or creates it, keeping
// the list ordered by recency and bounded.
func (s *State) UpsertQuantumField(q QuantumField) {
	q.CollectiveIntensity = clamp01(q.CollectiveIntensity)
	filtered := s.QuantumFields[:0]
	for _, existing := range s.QuantumFields {
		if existing.ID != q.ID {
			filtered = append(filtered, existing)
		}
	}
	s.QuantumFields = append([]QuantumField{q}, filtered...)
	if len(s.QuantumFields) > MaxQuantumFields {
		s.QuantumFields = s.QuantumFields[:MaxQuantumFields]
	}
}

// ValidGrid reports whether data is a full GridSize×GridSize grid of
// in-range intensities.
func ValidGrid(data [][]float64) bool {
	if len(data) != GridSize {
		return false
	}
	for _, row := range data {
		if len(row) != GridSize {
			return false
		}
		for _, v := range row {
			if v < 0 || v > 1 {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s State) Clone() State {
	out := s
	out.MemoryParticles = append([]MemoryParticle(nil), s.MemoryParticles...)
	out.QuantumFields = make([]QuantumField, len(s.QuantumFields))
	for i, q := range s.QuantumFields {
		cq := q
		cq.Data = make([][]float64, len(q.Data))
		for j, row := range q.Data {
			cq.Data[j] = append([]float64(nil), row...)
		}
		out.QuantumFields[i] = cq
	}
	return out
}
