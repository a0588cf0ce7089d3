// Package ratelimit enforces per-(device, operation-class) budgets ahead of
// event acceptance. Exceeding a budget is a typed, retryable rejection, not
// a silent drop.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"resonance-field/server/internal/field"
)

// Class is an operation class with its own budget.
type Class string

const (
	ClassFieldUpdate  Class = "field_update"
	ClassSacredPhrase Class = "sacred_phrase"
	ClassBatchSync    Class = "batch_sync"
)

// ClassOf maps an event type to its operation class.
func ClassOf(t field.EventType) Class {
	switch t {
	case field.EventSacredPhrase:
		return ClassSacredPhrase
	case field.EventOfflineSync:
		return ClassBatchSync
	default:
		return ClassFieldUpdate
	}
}

// Config is events-per-minute per class. Zero values take the defaults.
type Config struct {
	FieldUpdatesPerMinute  int
	SacredPhrasesPerMinute int
	BatchSyncsPerMinute    int
}

func (c Config) withDefaults() Config {
	if c.FieldUpdatesPerMinute <= 0 {
		c.FieldUpdatesPerMinute = 30
	}
	if c.SacredPhrasesPerMinute <= 0 {
		c.SacredPhrasesPerMinute = 5
	}
	if c.BatchSyncsPerMinute <= 0 {
		c.BatchSyncsPerMinute = 10
	}
	return c
}

// maxTracked bounds the limiter table; when exceeded, entries idle the
// longest are pruned.
const maxTracked = 10000

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per (device, class).
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*entry
}

// New returns a limiter with the given per-minute budgets.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*entry),
	}
}

// Allow consumes one token for the device and class.
func (l *Limiter) Allow(deviceID string, class Class) bool {
	perMinute := l.cfg.FieldUpdatesPerMinute
	switch class {
	case ClassSacredPhrase:
		perMinute = l.cfg.SacredPhrasesPerMinute
	case ClassBatchSync:
		perMinute = l.cfg.BatchSyncsPerMinute
	}

	key := deviceID + "|" + string(class)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxTracked {
			l.pruneLocked(now)
		}
		e = &entry{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// pruneLocked drops buckets idle for more than a minute. Caller holds l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	for key, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
