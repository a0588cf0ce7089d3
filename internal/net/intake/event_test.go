package intake

import (
	"testing"
	"time"

	server "resonance-field/server"
	"resonance-field/server/internal/field"
	"resonance-field/server/internal/net/proto"
	"resonance-field/server/internal/ratelimit"
)

func acceptAll() StageContext {
	return StageContext{
		Enqueue: func(e field.Event) (string, bool) { return "id-1", true },
	}
}

func ptr(v float64) *float64 { return &v }

func TestStageEventAccepts(t *testing.T) {
	event, ok, reason := StageEvent(acceptAll(), "d1", proto.EventPayload{
		Type:      string(field.EventBreath),
		Intensity: ptr(0.8),
	})
	if !ok {
		t.Fatalf("valid event rejected: %s", reason)
	}
	if event.ID != "id-1" || event.DeviceID != "d1" || event.Intensity != 0.8 {
		t.Fatalf("staged event wrong: %+v", event)
	}
}

func TestStageEventDefaultsIntensity(t *testing.T) {
	event, ok, _ := StageEvent(acceptAll(), "d1", proto.EventPayload{Type: string(field.EventSpiral)})
	if !ok || event.Intensity != field.DefaultIntensity {
		t.Fatalf("missing intensity not defaulted: %+v", event)
	}
}

func TestStageEventRejections(t *testing.T) {
	longPhrase := make([]byte, field.MaxPhraseLen+1)
	for i := range longPhrase {
		longPhrase[i] = 'x'
	}

	cases := []struct {
		name    string
		payload proto.EventPayload
	}{
		{"unknown type", proto.EventPayload{Type: "LEVITATE"}},
		{"intensity above one", proto.EventPayload{Type: string(field.EventBreath), Intensity: ptr(1.5)}},
		{"negative intensity", proto.EventPayload{Type: string(field.EventBreath), Intensity: ptr(-0.1)}},
		{"x out of range", proto.EventPayload{Type: string(field.EventTouch), X: ptr(31), Y: ptr(5)}},
		{"negative y", proto.EventPayload{Type: string(field.EventTouch), X: ptr(5), Y: ptr(-1)}},
		{"x without y", proto.EventPayload{Type: string(field.EventTouch), X: ptr(5)}},
		{"phrase too long", proto.EventPayload{Type: string(field.EventBreath), Phrase: string(longPhrase)}},
		{"sacred phrase without phrase", proto.EventPayload{Type: string(field.EventSacredPhrase)}},
		{"negative duration", proto.EventPayload{Type: string(field.EventBreath), DurationMs: -1}},
		{"duration too long", proto.EventPayload{Type: string(field.EventBreath), DurationMs: MaxDurationMs + 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok, reason := StageEvent(acceptAll(), "d1", tc.payload); ok || reason != server.RejectInvalidEvent {
				t.Fatalf("expected invalid_event rejection, got ok=%v reason=%s", ok, reason)
			}
		})
	}
}

func TestStageEventRateLimited(t *testing.T) {
	ctx := acceptAll()
	ctx.Allow = func(deviceID string, class ratelimit.Class) bool { return false }

	if _, ok, reason := StageEvent(ctx, "d1", proto.EventPayload{Type: string(field.EventBreath)}); ok || reason != server.RejectRateLimited {
		t.Fatalf("expected rate_limited rejection, got ok=%v reason=%s", ok, reason)
	}
}

func TestStageEventQueueFull(t *testing.T) {
	ctx := StageContext{
		Enqueue: func(e field.Event) (string, bool) { return "", false },
	}
	if _, ok, reason := StageEvent(ctx, "d1", proto.EventPayload{Type: string(field.EventBreath)}); ok || reason != server.RejectQueueFull {
		t.Fatalf("expected queue_full rejection, got ok=%v reason=%s", ok, reason)
	}
}

func TestStageEventClientTimestamp(t *testing.T) {
	now := time.Now()
	ctx := acceptAll()
	ctx.Now = func() time.Time { return now }

	past := now.Add(-time.Hour)
	event, ok, _ := StageEvent(ctx, "d1", proto.EventPayload{
		Type:      string(field.EventBreath),
		Timestamp: past.UnixMilli(),
	})
	if !ok {
		t.Fatalf("backdated event rejected")
	}
	if event.Timestamp.After(past.Add(time.Second)) {
		t.Fatalf("client timestamp not honored: %v", event.Timestamp)
	}

	// A post-dated client clock falls back to server time.
	event, ok, _ = StageEvent(ctx, "d1", proto.EventPayload{
		Type:      string(field.EventBreath),
		Timestamp: now.Add(time.Hour).UnixMilli(),
	})
	if !ok || !event.Timestamp.Equal(now) {
		t.Fatalf("post-dated timestamp not replaced with server time: %v", event.Timestamp)
	}
}

func TestStageEventDataMerge(t *testing.T) {
	event, ok, _ := StageEvent(acceptAll(), "d1", proto.EventPayload{
		Type:       string(field.EventSacredPhrase),
		Phrase:     "hello",
		X:          ptr(3),
		Y:          ptr(7),
		DurationMs: 200,
		Data:       map[string]any{"custom": "value"},
	})
	if !ok {
		t.Fatalf("valid event rejected")
	}
	if event.Data["phrase"] != "hello" || event.Data["x"] != 3.0 || event.Data["y"] != 7.0 {
		t.Fatalf("payload fields not merged into data: %+v", event.Data)
	}
	if event.Data["durationMs"] != int64(200) {
		t.Fatalf("duration not merged: %+v", event.Data["durationMs"])
	}
	if event.Data["custom"] != "value" {
		t.Fatalf("client data lost: %+v", event.Data)
	}
}
