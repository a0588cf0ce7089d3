// Package batch absorbs event recording calls from many concurrent
// producers and amortizes them into few durable writes. A single goroutine
// owns the queue; producers only ever hand events over a channel, so no
// caller reads-then-writes shared batching state.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resonance-field/server/internal/field"
)

const (
	// DefaultMaxBatch triggers a flush when this many events are pending.
	DefaultMaxBatch = 50
	// DefaultFlushInterval triggers a flush this long after the first
	// unflushed event.
	DefaultFlushInterval = time.Second
	// DefaultQueueSize bounds the producer channel; a full queue is
	// backpressure surfaced to the caller as a retryable rejection.
	DefaultQueueSize = 1024

	// maxBatchResonance caps the summed resonance contribution of one
	// flush.
	maxBatchResonance = 0.5
	defaultWeight     = 0.01
)

// eventWeights maps each event class to its resonance contribution per
// unit intensity. TOUCH uses the batch-weighted formula; the direct
// +intensity*0.1 path from earlier revisions is gone.
var eventWeights = map[field.EventType]float64{
	field.EventSacredPhrase: 0.05,
	field.EventBloom:        0.10,
	field.EventSpiral:       0.03,
	field.EventBreath:       0.02,
	field.EventTouch:        0.04,
}

// Weight returns the per-unit-intensity resonance contribution for t.
func Weight(t field.EventType) float64 {
	if w, ok := eventWeights[t]; ok {
		return w
	}
	return defaultWeight
}

// FieldAPI is what the processor needs from the field state manager.
type FieldAPI interface {
	CommitBatch(ctx context.Context, events []field.Event) ([]string, error)
	RecordEvent(ctx context.Context, e field.Event) string
	ApplyDelta(ctx context.Context, resonanceDelta, intelligenceDelta float64, nodesDelta int) field.State
	MarkProcessed(ctx context.Context, ids []string)
}

// Metrics receives flush observations. Nil is allowed.
type Metrics interface {
	BatchFlushed(size int, latency time.Duration)
	BatchFallback(size int)
}

// Config carries the batching knobs.
type Config struct {
	MaxBatch      int
	FlushInterval time.Duration
	QueueSize     int
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Processor coalesces events into bounded batches and flushes each batch
// as one durable insert plus one clamped aggregate delta.
type Processor struct {
	field   FieldAPI
	log     *zap.Logger
	metrics Metrics
	cfg     Config

	in chan field.Event
	wg sync.WaitGroup

	closeOnce sync.Once
}

// New starts the flush goroutine and returns the processor.
func New(f FieldAPI, log *zap.Logger, metrics Metrics, cfg Config) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Processor{
		field:   f,
		log:     log,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		in:      make(chan field.Event, cfg.withDefaults().QueueSize),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Enqueue assigns the event id, hands the event to the flush goroutine,
// and returns the id. ok=false means the queue is full; the caller should
// reject with a retryable error rather than block a connection handler.
func (p *Processor) Enqueue(e field.Event) (string, bool) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case p.in <- e:
		return e.ID, true
	default:
		return "", false
	}
}

// Depth reports how many events are queued but not yet flushed.
func (p *Processor) Depth() int { return len(p.in) }

// Close drains the queue synchronously. Safe to call more than once.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		close(p.in)
	})
	p.wg.Wait()
}

func (p *Processor) run() {
	defer p.wg.Done()

	var pending []field.Event
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	flush := func() {
		if len(pending) > 0 {
			p.flush(pending)
			pending = nil
		}
		stopTimer()
	}

	for {
		select {
		case e, ok := <-p.in:
			if !ok {
				flush()
				return
			}
			pending = append(pending, e)
			if len(pending) == 1 {
				timer = time.NewTimer(p.cfg.FlushInterval)
				timerC = timer.C
			}
			if len(pending) >= p.cfg.MaxBatch {
				flush()
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		}
	}
}

// flush commits the batch as one multi-row insert, then applies the
// weighted resonance delta and distinct-device count atomically, then
// marks the events it consumed as processed. Events are written
// unprocessed; the flag flips exactly once, here, after their delta has
// landed. On insert failure the flush degrades to one-by-one recording so
// no event is lost.
func (p *Processor) flush(events []field.Event) {
	start := time.Now()
	ctx := context.Background()

	committed := events
	inserted, err := p.field.CommitBatch(ctx, events)
	if err != nil {
		p.log.Warn("batch insert failed, degrading to per-event writes",
			zap.Int("size", len(events)), zap.Error(err))
		inserted = inserted[:0]
		for i := range events {
			inserted = append(inserted, p.field.RecordEvent(ctx, events[i]))
		}
		if p.metrics != nil {
			p.metrics.BatchFallback(len(events))
		}
	} else {
		accepted := make(map[string]bool, len(inserted))
		for _, id := range inserted {
			accepted[id] = true
		}
		committed = committed[:0]
		for _, e := range events {
			if accepted[e.ID] {
				committed = append(committed, e)
			}
		}
	}

	resonance, nodes := aggregate(committed)
	if resonance != 0 || nodes != 0 {
		p.field.ApplyDelta(ctx, resonance, 0, nodes)
	}
	if len(inserted) > 0 {
		p.field.MarkProcessed(ctx, inserted)
	}

	if p.metrics != nil {
		p.metrics.BatchFlushed(len(committed), time.Since(start))
	}
	p.log.Debug("batch flushed",
		zap.Int("size", len(committed)),
		zap.Float64("resonanceDelta", resonance),
		zap.Int("nodeDelta", nodes),
		zap.Duration("latency", time.Since(start)))
}

// aggregate sums the weighted intensity contribution per event, capped for
// the whole batch, and counts distinct devices.
func aggregate(events []field.Event) (float64, int) {
	var resonance float64
	devices := make(map[string]bool, len(events))
	for _, e := range events {
		intensity := e.Intensity
		if intensity <= 0 {
			intensity = field.DefaultIntensity
		}
		resonance += Weight(e.Type) * intensity
		if e.DeviceID != "" {
			devices[e.DeviceID] = true
		}
	}
	if resonance > maxBatchResonance {
		resonance = maxBatchResonance
	}
	return resonance, len(devices)
}
