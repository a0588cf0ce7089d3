package server

import (
	"sync"
	"sync/atomic"
	"time"

	"resonance-field/server/internal/store"
)

// Telemetry is the process-wide counter set. It satisfies the metrics
// interfaces of the store, field, and batch packages so those stay free of
// any concrete observability dependency.
type Telemetry struct {
	cacheLocal    atomic.Uint64
	cacheShared   atomic.Uint64
	cacheDurable  atomic.Uint64
	cacheDegraded atomic.Uint64
	cacheMisses   atomic.Uint64

	eventsDurable  atomic.Uint64
	eventsBuffered atomic.Uint64
	eventsRejected atomic.Uint64
	stateUpdates   atomic.Uint64

	batchesFlushed  atomic.Uint64
	batchEvents     atomic.Uint64
	batchFallbacks  atomic.Uint64
	lastBatchSize   atomic.Int64
	lastFlushMillis atomic.Int64

	relayIn     atomic.Uint64
	relayOut    atomic.Uint64
	bytesSent   atomic.Uint64
	connections atomic.Int64

	mu           sync.Mutex
	eventsByType map[string]uint64
	rejectsByWhy map[string]uint64
}

// NewTelemetry returns a zeroed counter set.
func NewTelemetry() *Telemetry {
	return &Telemetry{
		eventsByType: make(map[string]uint64),
		rejectsByWhy: make(map[string]uint64),
	}
}

// CacheServed implements store.Metrics.
func (t *Telemetry) CacheServed(tier store.Tier) {
	switch tier {
	case store.TierLocal:
		t.cacheLocal.Add(1)
	case store.TierCached:
		t.cacheShared.Add(1)
	case store.TierDurable:
		t.cacheDurable.Add(1)
	default:
		t.cacheDegraded.Add(1)
	}
}

// CacheMissed implements store.Metrics.
func (t *Telemetry) CacheMissed() {
	t.cacheMisses.Add(1)
}

// EventRecorded implements field.Metrics.
func (t *Telemetry) EventRecorded(eventType string, durable bool) {
	if durable {
		t.eventsDurable.Add(1)
	} else {
		t.eventsBuffered.Add(1)
	}
	t.mu.Lock()
	t.eventsByType[eventType]++
	t.mu.Unlock()
}

// StateUpdated implements field.Metrics.
func (t *Telemetry) StateUpdated() {
	t.stateUpdates.Add(1)
}

// BatchFlushed implements batch.Metrics.
func (t *Telemetry) BatchFlushed(size int, latency time.Duration) {
	t.batchesFlushed.Add(1)
	t.batchEvents.Add(uint64(size))
	t.lastBatchSize.Store(int64(size))
	t.lastFlushMillis.Store(latency.Milliseconds())
}

// BatchFallback implements batch.Metrics.
func (t *Telemetry) BatchFallback(size int) {
	t.batchFallbacks.Add(1)
}

// EventRejected counts a typed rejection.
func (t *Telemetry) EventRejected(reason string) {
	t.eventsRejected.Add(1)
	t.mu.Lock()
	t.rejectsByWhy[reason]++
	t.mu.Unlock()
}

// RecordBroadcast accumulates fan-out volume.
func (t *Telemetry) RecordBroadcast(bytes, recipients int) {
	if bytes < 0 {
		bytes = 0
	}
	if recipients > 0 {
		t.bytesSent.Add(uint64(bytes * recipients))
	}
}

// RelayReceived counts envelopes relayed from sibling instances.
func (t *Telemetry) RelayReceived() { t.relayIn.Add(1) }

// RelayPublished counts envelopes published for sibling instances.
func (t *Telemetry) RelayPublished() { t.relayOut.Add(1) }

// SetConnections records the live connection gauge.
func (t *Telemetry) SetConnections(n int) { t.connections.Store(int64(n)) }

// TelemetrySnapshot is the diagnostics view of the counters.
type TelemetrySnapshot struct {
	CacheLocalHits    uint64            `json:"cacheLocalHits"`
	CacheSharedHits   uint64            `json:"cacheSharedHits"`
	CacheDurableReads uint64            `json:"cacheDurableReads"`
	CacheDegraded     uint64            `json:"cacheDegradedReads"`
	CacheMisses       uint64            `json:"cacheMisses"`
	CacheHitRate      float64           `json:"cacheHitRate"`
	EventsDurable     uint64            `json:"eventsDurable"`
	EventsBuffered    uint64            `json:"eventsBuffered"`
	EventsRejected    uint64            `json:"eventsRejected"`
	EventsByType      map[string]uint64 `json:"eventsByType"`
	RejectsByReason   map[string]uint64 `json:"rejectsByReason"`
	StateUpdates      uint64            `json:"stateUpdates"`
	BatchesFlushed    uint64            `json:"batchesFlushed"`
	BatchEvents       uint64            `json:"batchEvents"`
	BatchFallbacks    uint64            `json:"batchFallbacks"`
	LastBatchSize     int64             `json:"lastBatchSize"`
	LastFlushMillis   int64             `json:"lastFlushMillis"`
	RelayIn           uint64            `json:"relayIn"`
	RelayOut          uint64            `json:"relayOut"`
	BytesSent         uint64            `json:"bytesSent"`
	Connections       int64             `json:"connections"`
}

// Snapshot copies the counters for the diagnostics endpoint.
func (t *Telemetry) Snapshot() TelemetrySnapshot {
	snap := TelemetrySnapshot{
		CacheLocalHits:    t.cacheLocal.Load(),
		CacheSharedHits:   t.cacheShared.Load(),
		CacheDurableReads: t.cacheDurable.Load(),
		CacheDegraded:     t.cacheDegraded.Load(),
		CacheMisses:       t.cacheMisses.Load(),
		EventsDurable:     t.eventsDurable.Load(),
		EventsBuffered:    t.eventsBuffered.Load(),
		EventsRejected:    t.eventsRejected.Load(),
		StateUpdates:      t.stateUpdates.Load(),
		BatchesFlushed:    t.batchesFlushed.Load(),
		BatchEvents:       t.batchEvents.Load(),
		BatchFallbacks:    t.batchFallbacks.Load(),
		LastBatchSize:     t.lastBatchSize.Load(),
		LastFlushMillis:   t.lastFlushMillis.Load(),
		RelayIn:           t.relayIn.Load(),
		RelayOut:          t.relayOut.Load(),
		BytesSent:         t.bytesSent.Load(),
		Connections:       t.connections.Load(),
	}
	hits := snap.CacheLocalHits + snap.CacheSharedHits
	if total := hits + snap.CacheMisses + snap.CacheDurableReads + snap.CacheDegraded; total > 0 {
		snap.CacheHitRate = float64(hits) / float64(total)
	}
	snap.EventsByType = make(map[string]uint64)
	snap.RejectsByReason = make(map[string]uint64)
	t.mu.Lock()
	for k, v := range t.eventsByType {
		snap.EventsByType[k] = v
	}
	for k, v := range t.rejectsByWhy {
		snap.RejectsByReason[k] = v
	}
	t.mu.Unlock()
	return snap
}
