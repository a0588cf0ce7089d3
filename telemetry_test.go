package server

import (
	"testing"
	"time"

	"resonance-field/server/internal/store"
)

func TestTelemetryCacheHitRate(t *testing.T) {
	tel := NewTelemetry()

	tel.CacheServed(store.TierLocal)
	tel.CacheServed(store.TierLocal)
	tel.CacheServed(store.TierCached)
	tel.CacheMissed()

	snap := tel.Snapshot()
	if snap.CacheLocalHits != 2 || snap.CacheSharedHits != 1 || snap.CacheMisses != 1 {
		t.Fatalf("counter mismatch: %+v", snap)
	}
	if snap.CacheHitRate != 0.75 {
		t.Fatalf("hit rate = %v, want 0.75", snap.CacheHitRate)
	}
}

func TestTelemetryEventCounters(t *testing.T) {
	tel := NewTelemetry()

	tel.EventRecorded("BLOOM", true)
	tel.EventRecorded("BLOOM", false)
	tel.EventRecorded("BREATH", true)
	tel.EventRejected(RejectRateLimited)

	snap := tel.Snapshot()
	if snap.EventsDurable != 2 || snap.EventsBuffered != 1 || snap.EventsRejected != 1 {
		t.Fatalf("event counters wrong: %+v", snap)
	}
	if snap.EventsByType["BLOOM"] != 2 || snap.EventsByType["BREATH"] != 1 {
		t.Fatalf("per-type counters wrong: %+v", snap.EventsByType)
	}
	if snap.RejectsByReason[RejectRateLimited] != 1 {
		t.Fatalf("reject reasons wrong: %+v", snap.RejectsByReason)
	}
}

func TestTelemetryBatchCounters(t *testing.T) {
	tel := NewTelemetry()

	tel.BatchFlushed(40, 12*time.Millisecond)
	tel.BatchFlushed(10, 3*time.Millisecond)
	tel.BatchFallback(5)

	snap := tel.Snapshot()
	if snap.BatchesFlushed != 2 || snap.BatchEvents != 50 || snap.BatchFallbacks != 1 {
		t.Fatalf("batch counters wrong: %+v", snap)
	}
	if snap.LastBatchSize != 10 || snap.LastFlushMillis != 3 {
		t.Fatalf("last-flush gauges wrong: %+v", snap)
	}
}

func TestTelemetrySnapshotIsCopy(t *testing.T) {
	tel := NewTelemetry()
	tel.EventRecorded("SPIRAL", true)

	snap := tel.Snapshot()
	snap.EventsByType["SPIRAL"] = 99

	if tel.Snapshot().EventsByType["SPIRAL"] != 1 {
		t.Fatalf("snapshot shares the live map")
	}
}
