// Package intake validates inbound device events and stages them into the
// batch processor. A rejected event never mutates state.
package intake

import (
	"time"

	server "resonance-field/server"
	"resonance-field/server/internal/field"
	"resonance-field/server/internal/net/proto"
	"resonance-field/server/internal/ratelimit"
)

const (
	// CoordMax bounds event coordinates to the quantum grid.
	CoordMax = 30
	// MaxDurationMs bounds event durations.
	MaxDurationMs = 10000
)

// StageContext injects the collaborators staging needs: the queue, the
// rate limiter, and the clock. Nil funcs disable the concern.
type StageContext struct {
	Enqueue func(field.Event) (string, bool)
	Allow   func(deviceID string, class ratelimit.Class) bool
	Now     func() time.Time
}

// StageEvent validates the payload, checks the device's rate budget, and
// hands the event to the batch queue. It returns the staged event with its
// assigned id, or false with a typed reject reason.
func StageEvent(ctx StageContext, deviceID string, payload proto.EventPayload) (field.Event, bool, string) {
	var zero field.Event

	eventType := field.EventType(payload.Type)
	if !field.KnownEventType(eventType) {
		return zero, false, server.RejectInvalidEvent
	}

	intensity := field.DefaultIntensity
	if payload.Intensity != nil {
		intensity = *payload.Intensity
		if intensity < 0 || intensity > 1 {
			return zero, false, server.RejectInvalidEvent
		}
	}

	if payload.X != nil && (*payload.X < 0 || *payload.X > CoordMax) {
		return zero, false, server.RejectInvalidEvent
	}
	if payload.Y != nil && (*payload.Y < 0 || *payload.Y > CoordMax) {
		return zero, false, server.RejectInvalidEvent
	}
	if (payload.X == nil) != (payload.Y == nil) {
		return zero, false, server.RejectInvalidEvent
	}
	if len(payload.Phrase) > field.MaxPhraseLen {
		return zero, false, server.RejectInvalidEvent
	}
	if eventType == field.EventSacredPhrase && payload.Phrase == "" {
		return zero, false, server.RejectInvalidEvent
	}
	if payload.DurationMs < 0 || payload.DurationMs > MaxDurationMs {
		return zero, false, server.RejectInvalidEvent
	}

	if ctx.Allow != nil && !ctx.Allow(deviceID, ratelimit.ClassOf(eventType)) {
		return zero, false, server.RejectRateLimited
	}

	now := time.Now()
	if ctx.Now != nil {
		now = ctx.Now()
	}
	timestamp := now
	if payload.Timestamp > 0 {
		// Offline-synced events keep the client clock, bounded so a skewed
		// device cannot post-date the log.
		if clientTime := time.UnixMilli(payload.Timestamp); clientTime.Before(now) {
			timestamp = clientTime
		}
	}

	data := make(map[string]any, len(payload.Data)+4)
	for k, v := range payload.Data {
		data[k] = v
	}
	if payload.X != nil {
		data["x"] = *payload.X
		data["y"] = *payload.Y
	}
	if payload.Phrase != "" {
		data["phrase"] = payload.Phrase
	}
	if payload.DurationMs > 0 {
		data["durationMs"] = payload.DurationMs
	}
	if len(data) == 0 {
		data = nil
	}

	event := field.Event{
		DeviceID:  deviceID,
		Type:      eventType,
		Intensity: intensity,
		Data:      data,
		Timestamp: timestamp,
	}

	if ctx.Enqueue == nil {
		return zero, false, server.RejectQueueFull
	}
	id, ok := ctx.Enqueue(event)
	if !ok {
		return zero, false, server.RejectQueueFull
	}
	event.ID = id
	return event, true, ""
}
