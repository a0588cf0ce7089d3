package field

import (
	"context"
	"sync"
	"testing"
	"time"

	"resonance-field/server/internal/store"
)

func newDegradedManager(t *testing.T) *Manager {
	t.Helper()
	st := store.Open(context.Background(), store.Config{}, nil, nil)
	t.Cleanup(st.Close)
	return NewManager(context.Background(), st, nil, nil)
}

func TestGlobalStateDegradedTier(t *testing.T) {
	m := newDegradedManager(t)
	state, tier := m.GlobalState(context.Background())
	if tier != store.TierDegraded {
		t.Fatalf("expected degraded tier, got %v", tier)
	}
	if state.MemoryParticles == nil || state.QuantumFields == nil {
		t.Fatalf("state lists must be non-nil")
	}
}

func TestApplyDeltaClampsWithoutDurableTier(t *testing.T) {
	m := newDegradedManager(t)
	ctx := context.Background()

	state := m.ApplyDelta(ctx, 0.7, 0.3, 2)
	if state.GlobalResonance != 0.7 || state.ActiveNodes != 2 {
		t.Fatalf("unexpected state after delta: %+v", state)
	}

	state = m.ApplyDelta(ctx, 0.7, 0, 0)
	if state.GlobalResonance != 1 {
		t.Fatalf("resonance not clamped: %v", state.GlobalResonance)
	}

	state = m.ApplyDelta(ctx, -5, -5, -10)
	if state.GlobalResonance != 0 || state.CollectiveIntelligence != 0 || state.ActiveNodes != 0 {
		t.Fatalf("floors not enforced: %+v", state)
	}
}

func TestApplyDeltaConcurrentStaysInRange(t *testing.T) {
	m := newDegradedManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delta := 0.1
			if i%2 == 0 {
				delta = -0.1
			}
			for j := 0; j < 50; j++ {
				m.ApplyDelta(ctx, delta, delta/2, 0)
			}
		}(i)
	}
	wg.Wait()

	state, _ := m.GlobalState(ctx)
	if state.GlobalResonance < 0 || state.GlobalResonance > 1 {
		t.Fatalf("resonance escaped [0,1]: %v", state.GlobalResonance)
	}
	if state.CollectiveIntelligence < 0 || state.CollectiveIntelligence > 1 {
		t.Fatalf("intelligence escaped [0,1]: %v", state.CollectiveIntelligence)
	}
}

func TestRecordEventNeverFailsAndAssignsIDs(t *testing.T) {
	m := newDegradedManager(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := m.RecordEvent(ctx, Event{DeviceID: "d1", Type: EventBreath, Intensity: 0.5})
		if id == "" {
			t.Fatalf("event %d: empty id", i)
		}
		if seen[id] {
			t.Fatalf("duplicate event id %s", id)
		}
		seen[id] = true
	}
}

func TestRecentEventsRingFallback(t *testing.T) {
	m := newDegradedManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.RecordEvent(ctx, Event{DeviceID: "d1", Type: EventSpiral, Intensity: 0.5, Timestamp: time.Now().Add(time.Duration(i) * time.Millisecond)})
	}
	m.RecordEvent(ctx, Event{DeviceID: "d2", Type: EventTouch, Intensity: 0.5})

	all := m.RecentEvents(ctx, "", 10)
	if len(all) != 6 {
		t.Fatalf("expected 6 buffered events, got %d", len(all))
	}
	filtered := m.RecentEvents(ctx, "d2", 10)
	if len(filtered) != 1 || filtered[0].DeviceID != "d2" {
		t.Fatalf("device filter broken: %+v", filtered)
	}
}

func TestRingBounded(t *testing.T) {
	m := newDegradedManager(t)
	ctx := context.Background()

	for i := 0; i < ringCap+100; i++ {
		m.RecordEvent(ctx, Event{DeviceID: "d1", Type: EventBreath, Intensity: 0.1})
	}
	m.mu.Lock()
	size := len(m.ring)
	m.mu.Unlock()
	if size != ringCap {
		t.Fatalf("ring grew past cap: %d", size)
	}
}

func TestCommitBatchUnavailableWithoutDurableTier(t *testing.T) {
	m := newDegradedManager(t)
	if _, err := m.CommitBatch(context.Background(), []Event{{ID: "x", Type: EventBloom}}); err == nil {
		t.Fatalf("expected error with no durable tier")
	}
}

func TestMarkProcessedUpdatesRing(t *testing.T) {
	m := newDegradedManager(t)
	ctx := context.Background()

	id := m.RecordEvent(ctx, Event{DeviceID: "d1", Type: EventBloom, Intensity: 0.5})
	m.MarkProcessed(ctx, []string{id})

	events := m.RecentEvents(ctx, "d1", 10)
	if len(events) != 1 || !events[0].Processed {
		t.Fatalf("processed flag not set on buffered event: %+v", events)
	}
}

func TestUpdateQuantumFieldRejectsBadGrid(t *testing.T) {
	m := newDegradedManager(t)
	if _, _, err := m.UpdateQuantumField(context.Background(), "q", [][]float64{{0.5}}, 0.5); err != ErrInvalidGrid {
		t.Fatalf("expected ErrInvalidGrid, got %v", err)
	}
}

func TestWriteReportsDegradedTierWithoutDurableStore(t *testing.T) {
	m := newDegradedManager(t)
	ctx := context.Background()

	resonance := 0.5
	_, tier := m.UpdateGlobalState(ctx, Patch{GlobalResonance: &resonance})
	if tier != store.TierDegraded {
		t.Fatalf("write with no durable store reported tier %v", tier)
	}

	grid := make([][]float64, GridSize)
	for i := range grid {
		grid[i] = make([]float64, GridSize)
	}
	_, tier, err := m.UpdateQuantumField(ctx, "q1", grid, 0.4)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if tier != store.TierDegraded {
		t.Fatalf("grid write with no durable store reported tier %v", tier)
	}
}

func TestUpdateQuantumFieldUpserts(t *testing.T) {
	m := newDegradedManager(t)
	ctx := context.Background()

	grid := make([][]float64, GridSize)
	for i := range grid {
		grid[i] = make([]float64, GridSize)
	}
	state, _, err := m.UpdateQuantumField(ctx, "q1", grid, 0.4)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(state.QuantumFields) != 1 || state.QuantumFields[0].ID != "q1" {
		t.Fatalf("grid not stored: %+v", state.QuantumFields)
	}

	state, _, err = m.UpdateQuantumField(ctx, "q1", grid, 0.8)
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if len(state.QuantumFields) != 1 || state.QuantumFields[0].CollectiveIntensity != 0.8 {
		t.Fatalf("upsert did not replace: %+v", state.QuantumFields)
	}
}

func TestAddMemoryParticleFillsDefaults(t *testing.T) {
	m := newDegradedManager(t)
	state := m.AddMemoryParticle(context.Background(), MemoryParticle{Intensity: 0.5, SacredPhrase: "hello"})
	if len(state.MemoryParticles) != 1 {
		t.Fatalf("particle not added")
	}
	p := state.MemoryParticles[0]
	if p.ID == "" || p.Timestamp.IsZero() {
		t.Fatalf("defaults not filled: %+v", p)
	}
}
