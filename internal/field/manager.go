package field

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resonance-field/server/internal/store"
)

const (
	// ringCap bounds the in-memory event log used when the durable store
	// is unreachable.
	ringCap = 1000

	// activeWindow is how recently a device must have produced an event
	// to count as an active node.
	activeWindow = 5 * time.Minute

	recentEventsTTL = 10 * time.Second
)

// ErrInvalidGrid reports a quantum field payload that is not a full
// GridSize×GridSize grid of in-range intensities.
var ErrInvalidGrid = errors.New("field: invalid quantum field grid")

// Metrics receives field-level observations. Nil is allowed.
type Metrics interface {
	EventRecorded(eventType string, durable bool)
	StateUpdated()
}

// Manager owns the canonical field state. Every mutation path funnels
// through it: clamped merges for administrative replaces, atomic numeric
// increments for the hot event-driven path. It never fails an event
// producer; when the durable tier is down it keeps a resident copy and an
// in-memory event ring so the field always has an answer.
type Manager struct {
	store   *store.Tiered
	log     *zap.Logger
	metrics Metrics

	mu       sync.Mutex
	resident State
	ring     []Event
}

// NewManager loads or creates the singleton state and returns a ready
// manager. Construction never fails; absence of a durable tier just means
// starting from the resident default.
func NewManager(ctx context.Context, st *store.Tiered, log *zap.Logger, metrics Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		store:    st,
		log:      log,
		metrics:  metrics,
		resident: NewState(time.Now()),
	}

	row, err := st.LoadFieldState(ctx)
	switch {
	case err == nil:
		if state, convErr := rowToState(row); convErr == nil {
			m.resident = state
		} else {
			log.Error("discarding undecodable field state row", zap.Error(convErr))
		}
	case errors.Is(err, store.ErrNotFound):
		if ensureErr := st.EnsureFieldState(ctx, stateToRow(m.resident)); ensureErr != nil {
			log.Warn("could not create initial field state row", zap.Error(ensureErr))
		} else {
			log.Info("created initial field state row")
		}
	case errors.Is(err, store.ErrUnavailable):
		log.Warn("starting with resident field state: durable store unavailable")
	default:
		log.Error("loading field state failed, starting resident", zap.Error(err))
	}
	return m
}

// GlobalState returns the current state and the tier that served it,
// warming caches on the way back up.
func (m *Manager) GlobalState(ctx context.Context) (State, store.Tier) {
	if raw, tier, ok := m.store.CacheGet(ctx, store.FieldStateCacheKey); ok {
		var state State
		if err := json.Unmarshal(raw, &state); err == nil {
			return state, tier
		}
		m.log.Warn("dropping undecodable cached field state")
	}

	row, err := m.store.LoadFieldState(ctx)
	if err == nil {
		state, convErr := rowToState(row)
		if convErr == nil {
			m.cacheState(ctx, state)
			m.mu.Lock()
			m.resident = state.Clone()
			m.mu.Unlock()
			return state, store.TierDurable
		}
		m.log.Error("undecodable field state row", zap.Error(convErr))
	}

	m.mu.Lock()
	state := m.resident.Clone()
	m.mu.Unlock()
	return state, store.TierDegraded
}

// UpdateGlobalState merges an administrative patch into the document,
// persists it, refreshes caches, and announces the update. Whole-document
// replace; concurrent callers are last-writer-wins by design. The returned
// tier is where the write actually landed.
func (m *Manager) UpdateGlobalState(ctx context.Context, patch Patch) (State, store.Tier) {
	return m.writeState(ctx, func(state *State, now time.Time) {
		state.Merge(patch, now)
	})
}

// ApplyDelta is the hot path for event-driven changes: clamped numeric
// increments that never lose concurrent updates.
func (m *Manager) ApplyDelta(ctx context.Context, resonanceDelta, intelligenceDelta float64, nodesDelta int) State {
	row, err := m.store.IncrementFieldState(ctx, resonanceDelta, intelligenceDelta, nodesDelta)
	if err == nil {
		if state, convErr := rowToState(row); convErr == nil {
			m.mu.Lock()
			m.resident = state.Clone()
			m.mu.Unlock()
			m.finishWrite(ctx, state)
			return state
		}
	} else if !errors.Is(err, store.ErrUnavailable) && !errors.Is(err, store.ErrNotFound) {
		m.log.Warn("durable increment failed, applying to resident state", zap.Error(err))
	}

	m.mu.Lock()
	m.resident.GlobalResonance = clamp01(m.resident.GlobalResonance + resonanceDelta)
	m.resident.CollectiveIntelligence = clamp01(m.resident.CollectiveIntelligence + intelligenceDelta)
	m.resident.ActiveNodes += nodesDelta
	if m.resident.ActiveNodes < 0 {
		m.resident.ActiveNodes = 0
	}
	m.resident.Touch(time.Now())
	state := m.resident.Clone()
	m.mu.Unlock()

	m.finishWrite(ctx, state)
	return state
}

// AddMemoryParticle appends a particle, keeping the list newest-first and
// bounded, and writes the document back.
func (m *Manager) AddMemoryParticle(ctx context.Context, p MemoryParticle) State {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	state, _ := m.writeState(ctx, func(state *State, now time.Time) {
		state.AddParticle(p)
		state.Touch(now)
	})
	return state
}

// UpdateQuantumField upserts the grid keyed by id into the bounded list
// and reports the tier the write landed in.
func (m *Manager) UpdateQuantumField(ctx context.Context, id string, grid [][]float64, intensity float64) (State, store.Tier, error) {
	if !ValidGrid(grid) {
		return State{}, store.TierDegraded, ErrInvalidGrid
	}
	if id == "" {
		id = uuid.NewString()
	}
	state, tier := m.writeState(ctx, func(state *State, now time.Time) {
		state.UpsertQuantumField(QuantumField{
			ID:                  id,
			Data:                grid,
			CollectiveIntensity: intensity,
			LastUpdate:          now,
		})
		state.Touch(now)
	})
	return state, tier, nil
}

// RecordEvent appends one event to the log and returns its id. It never
// fails the caller: with no durable store the event lands in the resident
// ring buffer and the id is still locally unique.
func (m *Manager) RecordEvent(ctx context.Context, e Event) string {
	e = m.prepare(e)

	durable := false
	if _, err := m.store.InsertEvents(ctx, []store.EventRow{eventToRow(e)}); err == nil {
		durable = true
	} else {
		if !errors.Is(err, store.ErrUnavailable) {
			m.log.Warn("durable event insert failed, buffering in memory",
				zap.String("event", string(e.Type)), zap.Error(err))
		}
		m.bufferEvent(e)
	}

	m.publishEvent(ctx, e)
	if m.metrics != nil {
		m.metrics.EventRecorded(string(e.Type), durable)
	}
	return e.ID
}

// CommitBatch inserts a batch of events in one durable statement and
// returns the ids actually inserted; re-committed ids are skipped so a
// retried flush cannot double-count. Fails with ErrUnavailable when no
// durable tier is connected, in which case callers fall back to
// RecordEvent per event.
func (m *Manager) CommitBatch(ctx context.Context, events []Event) ([]string, error) {
	rows := make([]store.EventRow, len(events))
	for i, e := range events {
		rows[i] = eventToRow(m.prepare(e))
	}
	inserted, err := m.store.InsertEvents(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	accepted := make(map[string]bool, len(inserted))
	for _, id := range inserted {
		accepted[id] = true
	}
	for _, e := range events {
		if accepted[e.ID] {
			m.publishEvent(ctx, e)
			if m.metrics != nil {
				m.metrics.EventRecorded(string(e.Type), true)
			}
		}
	}
	return inserted, nil
}

// MarkProcessed flips the processed flag wherever the events live.
func (m *Manager) MarkProcessed(ctx context.Context, ids []string) {
	if err := m.store.MarkEventsProcessed(ctx, ids); err != nil && !errors.Is(err, store.ErrUnavailable) {
		m.log.Warn("marking events processed failed", zap.Error(err))
	}
	lookup := make(map[string]bool, len(ids))
	for _, id := range ids {
		lookup[id] = true
	}
	m.mu.Lock()
	for i := range m.ring {
		if lookup[m.ring[i].ID] {
			m.ring[i].Processed = true
		}
	}
	m.mu.Unlock()
}

// RecentEvents returns newest-first events, optionally filtered by device,
// backed by the shared cache.
func (m *Manager) RecentEvents(ctx context.Context, deviceID string, limit int) []Event {
	if limit <= 0 || limit > ringCap {
		limit = 50
	}
	cacheKey := fmt.Sprintf("events:recent:%s:%d", deviceID, limit)
	if raw, _, ok := m.store.CacheGet(ctx, cacheKey); ok {
		var events []Event
		if err := json.Unmarshal(raw, &events); err == nil {
			return events
		}
	}

	rows, err := m.store.RecentEvents(ctx, deviceID, limit)
	if err == nil {
		events := make([]Event, 0, len(rows))
		for _, row := range rows {
			events = append(events, rowToEvent(row))
		}
		if raw, marshalErr := json.Marshal(events); marshalErr == nil {
			m.store.CacheSet(ctx, cacheKey, raw, recentEventsTTL)
		}
		return events
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]Event, 0, limit)
	for i := len(m.ring) - 1; i >= 0 && len(events) < limit; i-- {
		e := m.ring[i]
		if deviceID != "" && e.DeviceID != deviceID {
			continue
		}
		events = append(events, e)
	}
	return events
}

// ActiveNodes counts distinct devices with an event inside the liveness
// window. Eventually consistent by design; there is no heartbeat row.
func (m *Manager) ActiveNodes(ctx context.Context) int {
	if count, err := m.store.DistinctActiveDevices(ctx, activeWindow); err == nil {
		return count
	}
	cutoff := time.Now().Add(-activeWindow)
	seen := make(map[string]bool)
	m.mu.Lock()
	for _, e := range m.ring {
		if e.Timestamp.After(cutoff) {
			seen[e.DeviceID] = true
		}
	}
	m.mu.Unlock()
	return len(seen)
}

// writeState runs a read-modify-write over the freshest visible document,
// persists the result everywhere reachable, and reports whether the write
// made it to the durable tier or only to the resident copy.
func (m *Manager) writeState(ctx context.Context, mutate func(*State, time.Time)) (State, store.Tier) {
	now := time.Now()

	m.mu.Lock()
	state := m.resident.Clone()
	m.mu.Unlock()

	if row, err := m.store.LoadFieldState(ctx); err == nil {
		if loaded, convErr := rowToState(row); convErr == nil {
			state = loaded
		}
	}

	mutate(&state, now)
	state.Normalize()

	tier := store.TierDurable
	if err := m.store.SaveFieldState(ctx, stateToRow(state)); err != nil {
		tier = store.TierDegraded
		if !errors.Is(err, store.ErrUnavailable) {
			m.log.Warn("durable state write failed, keeping resident copy", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.resident = state.Clone()
	m.mu.Unlock()

	m.finishWrite(ctx, state)
	return state, tier
}

func (m *Manager) finishWrite(ctx context.Context, state State) {
	m.cacheState(ctx, state)
	if raw, err := json.Marshal(state); err == nil {
		m.store.Publish(ctx, store.ChannelStateUpdate, raw)
	}
	if m.metrics != nil {
		m.metrics.StateUpdated()
	}
}

func (m *Manager) cacheState(ctx context.Context, state State) {
	raw, err := json.Marshal(state)
	if err != nil {
		m.log.Error("field state marshal failed", zap.Error(err))
		return
	}
	m.store.CacheSet(ctx, store.FieldStateCacheKey, raw, 0)
}

func (m *Manager) prepare(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Intensity = clamp01(e.Intensity)
	return e
}

func (m *Manager) bufferEvent(e Event) {
	m.mu.Lock()
	if len(m.ring) >= ringCap {
		copy(m.ring, m.ring[1:])
		m.ring = m.ring[:ringCap-1]
	}
	m.ring = append(m.ring, e)
	m.mu.Unlock()
}

func (m *Manager) publishEvent(ctx context.Context, e Event) {
	if raw, err := json.Marshal(e); err == nil {
		m.store.Publish(ctx, store.ChannelNewEvent, raw)
	}
}

func rowToState(row store.FieldStateRow) (State, error) {
	state := State{
		GlobalResonance:        row.GlobalResonance,
		ActiveNodes:            row.ActiveNodes,
		CollectiveIntelligence: row.CollectiveIntelligence,
		Room64Active:           row.Room64Active,
		LastUpdate:             row.LastUpdate,
		MemoryParticles:        []MemoryParticle{},
		QuantumFields:          []QuantumField{},
	}
	if len(row.MemoryParticles) > 0 {
		if err := json.Unmarshal(row.MemoryParticles, &state.MemoryParticles); err != nil {
			return State{}, fmt.Errorf("decode memory particles: %w", err)
		}
	}
	if len(row.QuantumFields) > 0 {
		if err := json.Unmarshal(row.QuantumFields, &state.QuantumFields); err != nil {
			return State{}, fmt.Errorf("decode quantum fields: %w", err)
		}
	}
	state.Normalize()
	return state, nil
}

func stateToRow(state State) store.FieldStateRow {
	particles, err := json.Marshal(state.MemoryParticles)
	if err != nil {
		particles = []byte("[]")
	}
	fields, err := json.Marshal(state.QuantumFields)
	if err != nil {
		fields = []byte("[]")
	}
	return store.FieldStateRow{
		Key:                    store.FieldStateKey(),
		GlobalResonance:        state.GlobalResonance,
		ActiveNodes:            state.ActiveNodes,
		CollectiveIntelligence: state.CollectiveIntelligence,
		MemoryParticles:        particles,
		QuantumFields:          fields,
		Room64Active:           state.Room64Active,
		LastUpdate:             state.LastUpdate,
	}
}

func eventToRow(e Event) store.EventRow {
	var data []byte
	if len(e.Data) > 0 {
		if raw, err := json.Marshal(e.Data); err == nil {
			data = raw
		}
	}
	return store.EventRow{
		ID:        e.ID,
		DeviceID:  e.DeviceID,
		Type:      string(e.Type),
		Data:      data,
		Intensity: e.Intensity,
		Processed: e.Processed,
		CreatedAt: e.Timestamp,
	}
}

func rowToEvent(row store.EventRow) Event {
	e := Event{
		ID:        row.ID,
		DeviceID:  row.DeviceID,
		Type:      EventType(row.Type),
		Intensity: row.Intensity,
		Processed: row.Processed,
		Timestamp: row.CreatedAt,
	}
	if len(row.Data) > 0 {
		_ = json.Unmarshal(row.Data, &e.Data)
	}
	return e
}
