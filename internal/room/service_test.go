package room

import (
	"context"
	"sync"
	"testing"

	"resonance-field/server/internal/field"
	"resonance-field/server/internal/store"
)

// fakeField records the global side effects room operations trigger.
type fakeField struct {
	mu      sync.Mutex
	patches []field.Patch
	deltas  [][3]float64
	events  []field.Event
	marked  [][]string
}

func (f *fakeField) UpdateGlobalState(ctx context.Context, patch field.Patch) (field.State, store.Tier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	return field.State{}, store.TierDegraded
}

func (f *fakeField) ApplyDelta(ctx context.Context, resonance, intelligence float64, nodes int) field.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, [3]float64{resonance, intelligence, float64(nodes)})
	return field.State{}
}

func (f *fakeField) RecordEvent(ctx context.Context, e field.Event) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return "event-id"
}

func (f *fakeField) MarkProcessed(ctx context.Context, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, ids)
}

func newTestService(t *testing.T) (*Service, *fakeField) {
	t.Helper()
	st := store.Open(context.Background(), store.Config{}, nil, nil)
	t.Cleanup(st.Close)
	f := &fakeField{}
	return NewService(st, f, nil), f
}

func TestJoinCreatesRoomAndFlagsField(t *testing.T) {
	s, f := newTestService(t)
	ctx := context.Background()

	session, err := s.Join(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if !session.Participants["d1"] {
		t.Fatalf("joining device missing from participants")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.patches) != 1 || f.patches[0].Room64Active == nil || !*f.patches[0].Room64Active {
		t.Fatalf("room64 flag not raised: %+v", f.patches)
	}
	if len(f.events) != 1 || f.events[0].Type != field.EventTouch {
		t.Fatalf("join did not emit a touch event: %+v", f.events)
	}
	if len(f.marked) != 1 || len(f.marked[0]) != 1 || f.marked[0][0] != "event-id" {
		t.Fatalf("join's touch event not marked processed: %+v", f.marked)
	}
}

func TestJoinValidatesInput(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.Join(context.Background(), "", "d1"); err != ErrBadRequest {
		t.Fatalf("expected ErrBadRequest for empty room, got %v", err)
	}
	if _, err := s.Join(context.Background(), "r1", ""); err != ErrBadRequest {
		t.Fatalf("expected ErrBadRequest for empty device, got %v", err)
	}
}

func TestLeaveLastParticipantClosesRoom(t *testing.T) {
	s, f := newTestService(t)
	ctx := context.Background()

	s.Join(ctx, "r1", "d1")
	s.Join(ctx, "r1", "d2")

	_, empty, err := s.Leave(ctx, "r1", "d1")
	if err != nil || empty {
		t.Fatalf("room should survive with one participant left: empty=%v err=%v", empty, err)
	}

	_, empty, err = s.Leave(ctx, "r1", "d2")
	if err != nil || !empty {
		t.Fatalf("last leave should close the room: empty=%v err=%v", empty, err)
	}
	if _, ok := s.Get(ctx, "r1"); ok {
		t.Fatalf("closed room still resolvable")
	}
	if s.ActiveRooms() != 0 {
		t.Fatalf("room table not empty")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.patches[len(f.patches)-1]
	if last.Room64Active == nil || *last.Room64Active {
		t.Fatalf("room64 flag not cleared after last room closed")
	}
}

func TestSyncAccumulatesResonance(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	delta := 0.4
	session, err := s.Sync(ctx, "r1", "d1", SyncInput{ResonanceDelta: &delta})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if session.Collective.ResonanceLevel != 0.4 {
		t.Fatalf("resonance not accumulated: %v", session.Collective.ResonanceLevel)
	}

	big := 0.9
	session, _ = s.Sync(ctx, "r1", "d1", SyncInput{ResonanceDelta: &big})
	if session.Collective.ResonanceLevel != 1 {
		t.Fatalf("resonance not clamped: %v", session.Collective.ResonanceLevel)
	}

	phase := 0.25
	session, _ = s.Sync(ctx, "r1", "d2", SyncInput{BreathingPhase: &phase, SacredPhrase: "breathe"})
	if session.Collective.BreathingPhase != 0.25 {
		t.Fatalf("breathing phase not set")
	}
	if len(session.Collective.SacredPhrases) != 1 || session.Collective.SacredPhrases[0] != "breathe" {
		t.Fatalf("phrase not recorded: %+v", session.Collective.SacredPhrases)
	}
	if !session.Participants["d2"] {
		t.Fatalf("sync should add the device to the room")
	}
}

func TestSyncBoundsPhraseList(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	var session Session
	for i := 0; i < maxRoomPhrases+10; i++ {
		session, _ = s.Sync(ctx, "r1", "d1", SyncInput{SacredPhrase: "p"})
	}
	if len(session.Collective.SacredPhrases) != maxRoomPhrases {
		t.Fatalf("phrase list not bounded: %d", len(session.Collective.SacredPhrases))
	}
}

func TestBloomBoostsGlobalField(t *testing.T) {
	s, f := newTestService(t)
	ctx := context.Background()

	session, err := s.Bloom(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("bloom failed: %v", err)
	}
	if session.Collective.ResonanceLevel != 1 {
		t.Fatalf("bloom should max room resonance: %v", session.Collective.ResonanceLevel)
	}
	if session.Collective.LastBloom.IsZero() {
		t.Fatalf("bloom timestamp not set")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deltas) != 1 {
		t.Fatalf("expected one global delta, got %d", len(f.deltas))
	}
	if f.deltas[0] != [3]float64{BloomResonanceBoost, BloomIntelligenceBoost, 0} {
		t.Fatalf("unexpected bloom boost: %v", f.deltas[0])
	}
}

func TestRoomSurvivesLocalEviction(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	s.Join(ctx, "r1", "d1")

	// Drop the in-memory table; the store copy must revive the room.
	s.mu.Lock()
	s.rooms = make(map[string]*Session)
	s.mu.Unlock()

	session, ok := s.Get(ctx, "r1")
	if !ok {
		t.Fatalf("room not revived from the store")
	}
	if !session.Participants["d1"] {
		t.Fatalf("revived room lost its participants")
	}
}

func TestEntangleValidatesType(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.Entangle(context.Background(), "d1", "d2", "TELEPATHY", 0.5); err != ErrUnknownLinkType {
		t.Fatalf("expected ErrUnknownLinkType, got %v", err)
	}
	if _, err := s.Entangle(context.Background(), "", "d2", LinkBreathing, 0.5); err != ErrBadRequest {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestEntangleFallsBackInMemory(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	link, err := s.Entangle(ctx, "d1", "d2", LinkResonance, 1.5)
	if err != nil {
		t.Fatalf("entangle failed: %v", err)
	}
	if link.ID == "" || link.Status != StatusActive {
		t.Fatalf("link not initialized: %+v", link)
	}
	if link.Intensity != 1 {
		t.Fatalf("intensity not clamped: %v", link.Intensity)
	}

	mine := s.Entanglements(ctx, "d1")
	if len(mine) != 1 || mine[0].ID != link.ID {
		t.Fatalf("link not listed for source: %+v", mine)
	}
	theirs := s.Entanglements(ctx, "d2")
	if len(theirs) != 1 {
		t.Fatalf("link not listed for target: %+v", theirs)
	}
	if links := s.Entanglements(ctx, "d3"); len(links) != 0 {
		t.Fatalf("unrelated device sees the link: %+v", links)
	}
}

func TestCollectiveEntanglement(t *testing.T) {
	s, _ := newTestService(t)
	link, err := s.Entangle(context.Background(), "d1", "", LinkSacredPhrase, 0.5)
	if err != nil {
		t.Fatalf("collective entangle failed: %v", err)
	}
	if link.TargetDevice != "" {
		t.Fatalf("collective link should have no target")
	}
}
