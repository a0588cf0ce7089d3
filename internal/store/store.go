package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Pub/sub channels shared by every server instance.
const (
	ChannelStateUpdate = "field:state"
	ChannelNewEvent    = "field:events"
	ChannelBroadcast   = "field:broadcast"
)

// ErrUnavailable reports that no durable tier is reachable for an operation
// that has no in-process fallback.
var ErrUnavailable = errors.New("store: durable tier unavailable")

// Metrics receives cache observations. Implemented by the server telemetry
// counters; a nil Metrics is allowed.
type Metrics interface {
	CacheServed(tier Tier)
	CacheMissed()
}

// Config carries the store knobs. Empty URLs disable the matching tier so a
// zero-config process boots fully degraded.
type Config struct {
	PostgresURL string
	RedisURL    string
	LocalTTL    time.Duration
	SharedTTL   time.Duration
	OpTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.LocalTTL <= 0 {
		c.LocalTTL = 10 * time.Second
	}
	if c.SharedTTL <= 0 {
		c.SharedTTL = 30 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 3 * time.Second
	}
	return c
}

// Tiered layers a process-local cache over a shared cache service over a
// relational store. Reads walk down and warm the tiers above; writes land
// durable-first. When both remote tiers are down the store keeps answering
// from an in-process resident copy and never surfaces transport errors.
type Tiered struct {
	cfg     Config
	log     *zap.Logger
	metrics Metrics

	pool *pgxpool.Pool
	rdb  *redis.Client

	local    *memoryCache
	resident *memoryCache
	bus      *localBus

	degraded atomic.Bool
	cancel   context.CancelFunc
}

// Open connects whichever tiers are configured and reachable. Connection
// failures downgrade the tier and log; Open itself never fails.
func Open(ctx context.Context, cfg Config, log *zap.Logger, metrics Metrics) *Tiered {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := &Tiered{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		local:    newMemoryCache(),
		resident: newMemoryCache(),
		bus:      newLocalBus(),
	}

	if cfg.PostgresURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
		pool, err := pgxpool.New(dialCtx, cfg.PostgresURL)
		if err == nil {
			err = pool.Ping(dialCtx)
		}
		cancel()
		if err != nil {
			log.Warn("durable store unreachable, continuing without it", zap.Error(err))
		} else if err := s.migrate(ctx, pool); err != nil {
			log.Error("schema migration failed, continuing without durable store", zap.Error(err))
			pool.Close()
		} else {
			s.pool = pool
		}
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warn("invalid shared cache URL, continuing without it", zap.Error(err))
		} else {
			rdb := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
			err = rdb.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				log.Warn("shared cache unreachable, continuing without it", zap.Error(err))
				rdb.Close()
			} else {
				s.rdb = rdb
			}
		}
	}

	if s.pool == nil && s.rdb == nil {
		s.degraded.Store(true)
		log.Warn("store running fully degraded: in-process memory only")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.janitor(runCtx)
	if s.rdb != nil {
		go s.watchInvalidations(runCtx)
	}
	return s
}

// Close releases remote connections. In-process state survives until the
// process exits.
func (s *Tiered) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.rdb != nil {
		s.rdb.Close()
	}
}

// Degraded reports whether the store is running without any remote tier.
func (s *Tiered) Degraded() bool { return s.degraded.Load() }

// DurableAvailable reports whether the relational tier is connected.
func (s *Tiered) DurableAvailable() bool { return s.pool != nil }

// SharedCacheAvailable reports whether the shared cache tier is connected.
func (s *Tiered) SharedCacheAvailable() bool { return s.rdb != nil }

func (s *Tiered) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

func (s *Tiered) served(tier Tier) {
	if s.metrics != nil {
		s.metrics.CacheServed(tier)
	}
}

func (s *Tiered) missed() {
	if s.metrics != nil {
		s.metrics.CacheMissed()
	}
}

// Get walks local cache, shared cache, durable kv row, then the resident
// fallback. Absence is reported as ok=false, never as an error.
func (s *Tiered) Get(ctx context.Context, key string) ([]byte, Tier, bool) {
	now := time.Now()
	if value, ok := s.local.get(key, now); ok {
		s.served(TierLocal)
		return value, TierLocal, true
	}

	if s.rdb != nil {
		opCtx, cancel := s.opCtx(ctx)
		value, err := s.rdb.Get(opCtx, key).Bytes()
		cancel()
		if err == nil {
			s.local.set(key, value, s.cfg.LocalTTL, now)
			s.served(TierCached)
			return value, TierCached, true
		}
		if err != redis.Nil {
			s.log.Debug("shared cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	if s.pool != nil {
		opCtx, cancel := s.opCtx(ctx)
		var value []byte
		err := s.pool.QueryRow(opCtx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
		cancel()
		if err == nil {
			s.warmCaches(ctx, key, value, s.cfg.SharedTTL)
			s.served(TierDurable)
			return value, TierDurable, true
		}
	}

	if value, ok := s.resident.get(key, now); ok {
		s.served(TierDegraded)
		return value, TierDegraded, true
	}
	s.missed()
	return nil, TierDegraded, false
}

// CacheGet consults only the cache tiers. Used for data whose durable home
// is a dedicated table rather than the kv row.
func (s *Tiered) CacheGet(ctx context.Context, key string) ([]byte, Tier, bool) {
	now := time.Now()
	if value, ok := s.local.get(key, now); ok {
		s.served(TierLocal)
		return value, TierLocal, true
	}
	if s.rdb != nil {
		opCtx, cancel := s.opCtx(ctx)
		value, err := s.rdb.Get(opCtx, key).Bytes()
		cancel()
		if err == nil {
			s.local.set(key, value, s.cfg.LocalTTL, now)
			s.served(TierCached)
			return value, TierCached, true
		}
	}
	s.missed()
	return nil, TierDegraded, false
}

// CacheSet refreshes both cache tiers.
func (s *Tiered) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.SharedTTL
	}
	s.local.set(key, value, s.cfg.LocalTTL, time.Now())
	if s.rdb != nil {
		opCtx, cancel := s.opCtx(ctx)
		if err := s.rdb.Set(opCtx, key, value, ttl).Err(); err != nil {
			s.log.Debug("shared cache write failed", zap.String("key", key), zap.Error(err))
		}
		cancel()
	}
}

// Set writes durable-first when reachable, then refreshes the caches and
// the resident fallback so degraded reads keep the latest value.
func (s *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if s.pool != nil {
		opCtx, cancel := s.opCtx(ctx)
		_, err := s.pool.Exec(opCtx,
			`INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			key, value)
		cancel()
		if err != nil {
			s.log.Warn("durable kv write failed", zap.String("key", key), zap.Error(err))
		}
	}
	s.CacheSet(ctx, key, value, ttl)
	s.resident.set(key, value, 0, time.Now())
}

// Delete removes key from every tier.
func (s *Tiered) Delete(ctx context.Context, key string) {
	if s.pool != nil {
		opCtx, cancel := s.opCtx(ctx)
		if _, err := s.pool.Exec(opCtx, `DELETE FROM kv_store WHERE key = $1`, key); err != nil {
			s.log.Warn("durable kv delete failed", zap.String("key", key), zap.Error(err))
		}
		cancel()
	}
	if s.rdb != nil {
		opCtx, cancel := s.opCtx(ctx)
		if err := s.rdb.Del(opCtx, key).Err(); err != nil {
			s.log.Debug("shared cache delete failed", zap.String("key", key), zap.Error(err))
		}
		cancel()
	}
	s.local.delete(key)
	s.resident.delete(key)
}

// Publish sends payload on channel through the shared cache service, or the
// in-process bus when no shared service is connected.
func (s *Tiered) Publish(ctx context.Context, channel string, payload []byte) {
	if s.rdb != nil {
		opCtx, cancel := s.opCtx(ctx)
		err := s.rdb.Publish(opCtx, channel, payload).Err()
		cancel()
		if err == nil {
			return
		}
		s.log.Warn("publish failed, falling back to local bus",
			zap.String("channel", channel), zap.Error(err))
	}
	s.bus.publish(channel, payload)
}

// Subscribe returns a channel of payloads published on channel. The channel
// closes when ctx is cancelled.
func (s *Tiered) Subscribe(ctx context.Context, channel string) <-chan []byte {
	out := make(chan []byte, 64)
	if s.rdb != nil {
		sub := s.rdb.Subscribe(ctx, channel)
		go func() {
			defer close(out)
			defer sub.Close()
			msgs := sub.Channel()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					select {
					case out <- []byte(msg.Payload):
					default:
					}
				}
			}
		}()
		return out
	}

	local := s.bus.subscribe(channel)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-local:
				select {
				case out <- payload:
				default:
				}
			}
		}
	}()
	return out
}

func (s *Tiered) warmCaches(ctx context.Context, key string, value []byte, ttl time.Duration) {
	s.local.set(key, value, s.cfg.LocalTTL, time.Now())
	if s.rdb != nil {
		opCtx, cancel := s.opCtx(ctx)
		if err := s.rdb.Set(opCtx, key, value, ttl).Err(); err != nil {
			s.log.Debug("cache warm failed", zap.String("key", key), zap.Error(err))
		}
		cancel()
	}
}

// watchInvalidations drops the local field-state entry whenever a sibling
// instance announces a state write, so a stale local TTL never outlives a
// known update.
func (s *Tiered) watchInvalidations(ctx context.Context) {
	for range s.Subscribe(ctx, ChannelStateUpdate) {
		s.local.delete(FieldStateCacheKey)
	}
}

func (s *Tiered) janitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.local.prune(now)
		}
	}
}
