package field

import (
	"testing"
	"time"
)

func TestMergeClampsScalars(t *testing.T) {
	state := NewState(time.Now())

	high := 2.5
	low := -1.0
	nodes := -3
	state.Merge(Patch{GlobalResonance: &high, CollectiveIntelligence: &low, ActiveNodes: &nodes}, time.Now())

	if state.GlobalResonance != 1 {
		t.Fatalf("resonance not clamped to 1: %v", state.GlobalResonance)
	}
	if state.CollectiveIntelligence != 0 {
		t.Fatalf("intelligence not clamped to 0: %v", state.CollectiveIntelligence)
	}
	if state.ActiveNodes != 0 {
		t.Fatalf("active nodes not clamped to 0: %v", state.ActiveNodes)
	}
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	now := time.Now()
	state := NewState(now)

	state.Touch(now.Add(-time.Hour))
	if !state.LastUpdate.Equal(now) {
		t.Fatalf("LastUpdate moved backwards to %v", state.LastUpdate)
	}
	later := now.Add(time.Minute)
	state.Touch(later)
	if !state.LastUpdate.Equal(later) {
		t.Fatalf("LastUpdate did not advance to %v, got %v", later, state.LastUpdate)
	}
}

func TestAddParticleKeepsNewestFirstAndBounded(t *testing.T) {
	state := NewState(time.Now())
	base := time.Now()

	for i := 0; i < MaxMemoryParticles+50; i++ {
		state.AddParticle(MemoryParticle{
			ID:        "p",
			Intensity: 0.5,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	if len(state.MemoryParticles) != MaxMemoryParticles {
		t.Fatalf("particle list not bounded: %d", len(state.MemoryParticles))
	}
	for i := 1; i < len(state.MemoryParticles); i++ {
		if state.MemoryParticles[i].Timestamp.After(state.MemoryParticles[i-1].Timestamp) {
			t.Fatalf("particles not newest-first at index %d", i)
		}
	}
	// The oldest entries are the ones that fell off.
	if !state.MemoryParticles[0].Timestamp.Equal(base.Add((MaxMemoryParticles + 49) * time.Millisecond)) {
		t.Fatalf("newest particle missing from the front")
	}
}

func TestAddParticleTruncatesPhrase(t *testing.T) {
	state := NewState(time.Now())
	long := make([]byte, MaxPhraseLen+100)
	for i := range long {
		long[i] = 'a'
	}
	state.AddParticle(MemoryParticle{SacredPhrase: string(long), Timestamp: time.Now()})
	if got := len(state.MemoryParticles[0].SacredPhrase); got != MaxPhraseLen {
		t.Fatalf("phrase not truncated: %d", got)
	}
}

func TestUpsertQuantumFieldReplacesAndBounds(t *testing.T) {
	state := NewState(time.Now())

	for i := 0; i < MaxQuantumFields+5; i++ {
		state.UpsertQuantumField(QuantumField{ID: string(rune('a' + i)), CollectiveIntensity: 0.5})
	}
	if len(state.QuantumFields) != MaxQuantumFields {
		t.Fatalf("quantum field list not bounded: %d", len(state.QuantumFields))
	}

	state.UpsertQuantumField(QuantumField{ID: state.QuantumFields[3].ID, CollectiveIntensity: 0.9})
	if state.QuantumFields[0].CollectiveIntensity != 0.9 {
		t.Fatalf("upsert did not move the grid to the front")
	}
	if len(state.QuantumFields) != MaxQuantumFields {
		t.Fatalf("upsert of existing id changed the list length: %d", len(state.QuantumFields))
	}
}

func TestValidGrid(t *testing.T) {
	grid := make([][]float64, GridSize)
	for i := range grid {
		grid[i] = make([]float64, GridSize)
	}
	if !ValidGrid(grid) {
		t.Fatalf("full zero grid should be valid")
	}

	grid[10][20] = 1.5
	if ValidGrid(grid) {
		t.Fatalf("out-of-range cell should invalidate the grid")
	}
	grid[10][20] = 0.5

	if ValidGrid(grid[:GridSize-1]) {
		t.Fatalf("short grid should be invalid")
	}
	grid[5] = grid[5][:GridSize-1]
	if ValidGrid(grid) {
		t.Fatalf("ragged grid should be invalid")
	}
}

func TestCloneIsDeep(t *testing.T) {
	state := NewState(time.Now())
	grid := make([][]float64, GridSize)
	for i := range grid {
		grid[i] = make([]float64, GridSize)
	}
	state.UpsertQuantumField(QuantumField{ID: "q", Data: grid})
	state.AddParticle(MemoryParticle{ID: "p", Timestamp: time.Now()})

	clone := state.Clone()
	clone.QuantumFields[0].Data[0][0] = 0.9
	clone.MemoryParticles[0].Intensity = 0.9

	if state.QuantumFields[0].Data[0][0] != 0 {
		t.Fatalf("clone shares grid storage with the original")
	}
	if state.MemoryParticles[0].Intensity != 0 {
		t.Fatalf("clone shares particle storage with the original")
	}
}

func TestKnownEventType(t *testing.T) {
	for _, valid := range []EventType{EventBreath, EventSpiral, EventBloom, EventTouch, EventSacredPhrase, EventOfflineSync} {
		if !KnownEventType(valid) {
			t.Fatalf("%s should be known", valid)
		}
	}
	if KnownEventType("LEVITATE") {
		t.Fatalf("unknown type accepted")
	}
}
