package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// FieldStateCacheKey is the cache key for the serialized field state
// document in both cache tiers.
const FieldStateCacheKey = "field:global"

// ErrNotFound reports that a durable row does not exist.
var ErrNotFound = errors.New("store: not found")

// FieldStateRow mirrors the field_state table. The field manager converts
// between this row and its domain document.
type FieldStateRow struct {
	Key                    string
	GlobalResonance        float64
	ActiveNodes            int
	CollectiveIntelligence float64
	MemoryParticles        []byte
	QuantumFields          []byte
	Room64Active           bool
	LastUpdate             time.Time
}

// EventRow mirrors one consciousness_events row.
type EventRow struct {
	ID        string
	DeviceID  string
	Type      string
	Data      []byte
	Intensity float64
	Processed bool
	CreatedAt time.Time
}

// EntanglementRow mirrors one entanglements row.
type EntanglementRow struct {
	ID           string
	SourceDevice string
	TargetDevice string
	Type         string
	Intensity    float64
	Status       string
	Established  time.Time
	LastSync     time.Time
}

// migrations run once each, in order, tracked in schema_migrations.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS field_state (
		key TEXT PRIMARY KEY,
		global_resonance DOUBLE PRECISION NOT NULL DEFAULT 0,
		active_nodes INTEGER NOT NULL DEFAULT 0,
		collective_intelligence DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_particles JSONB NOT NULL DEFAULT '[]',
		quantum_fields JSONB NOT NULL DEFAULT '[]',
		room64_active BOOLEAN NOT NULL DEFAULT FALSE,
		last_update TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS consciousness_events (
		id UUID PRIMARY KEY,
		device_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		data JSONB,
		intensity DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created ON consciousness_events (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_device_created ON consciousness_events (device_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS entanglements (
		id UUID PRIMARY KEY,
		source_device TEXT NOT NULL,
		target_device TEXT,
		link_type TEXT NOT NULL,
		intensity DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		established TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_sync TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entanglements_source ON entanglements (source_device)`,
	`CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (s *Tiered) migrate(ctx context.Context, pool *pgxpool.Pool) error {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := pool.Exec(opCtx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for version, stmt := range migrations {
		var exists bool
		err := pool.QueryRow(opCtx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists {
			continue
		}
		tx, err := pool.Begin(opCtx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(opCtx, stmt); err != nil {
			tx.Rollback(opCtx)
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(opCtx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version); err != nil {
			tx.Rollback(opCtx)
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(opCtx); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.log.Info("applied migration", zap.Int("version", version))
	}
	return nil
}

// LoadFieldState reads the singleton row.
func (s *Tiered) LoadFieldState(ctx context.Context) (FieldStateRow, error) {
	if s.pool == nil {
		return FieldStateRow{}, ErrUnavailable
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var row FieldStateRow
	err := s.pool.QueryRow(opCtx,
		`SELECT key, global_resonance, active_nodes, collective_intelligence,
		        memory_particles, quantum_fields, room64_active, last_update
		 FROM field_state WHERE key = $1`, FieldStateKey()).Scan(
		&row.Key, &row.GlobalResonance, &row.ActiveNodes, &row.CollectiveIntelligence,
		&row.MemoryParticles, &row.QuantumFields, &row.Room64Active, &row.LastUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		return FieldStateRow{}, ErrNotFound
	}
	if err != nil {
		return FieldStateRow{}, fmt.Errorf("load field state: %w", err)
	}
	return row, nil
}

// EnsureFieldState creates the singleton row once at first boot.
func (s *Tiered) EnsureFieldState(ctx context.Context, row FieldStateRow) error {
	if s.pool == nil {
		return ErrUnavailable
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(opCtx,
		`INSERT INTO field_state
		   (key, global_resonance, active_nodes, collective_intelligence,
		    memory_particles, quantum_fields, room64_active, last_update)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (key) DO NOTHING`,
		row.Key, row.GlobalResonance, row.ActiveNodes, row.CollectiveIntelligence,
		row.MemoryParticles, row.QuantumFields, row.Room64Active, row.LastUpdate)
	if err != nil {
		return fmt.Errorf("ensure field state: %w", err)
	}
	return nil
}

// SaveFieldState replaces the whole document. Administrative path; hot
// deltas go through IncrementFieldState instead.
func (s *Tiered) SaveFieldState(ctx context.Context, row FieldStateRow) error {
	if s.pool == nil {
		return ErrUnavailable
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(opCtx,
		`INSERT INTO field_state
		   (key, global_resonance, active_nodes, collective_intelligence,
		    memory_particles, quantum_fields, room64_active, last_update)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (key) DO UPDATE SET
		   global_resonance = EXCLUDED.global_resonance,
		   active_nodes = EXCLUDED.active_nodes,
		   collective_intelligence = EXCLUDED.collective_intelligence,
		   memory_particles = EXCLUDED.memory_particles,
		   quantum_fields = EXCLUDED.quantum_fields,
		   room64_active = EXCLUDED.room64_active,
		   last_update = GREATEST(field_state.last_update, EXCLUDED.last_update)`,
		row.Key, row.GlobalResonance, row.ActiveNodes, row.CollectiveIntelligence,
		row.MemoryParticles, row.QuantumFields, row.Room64Active, row.LastUpdate)
	if err != nil {
		return fmt.Errorf("save field state: %w", err)
	}
	return nil
}

// IncrementFieldState applies clamped numeric deltas in one statement so
// concurrent writers never lose updates, and returns the resulting row.
func (s *Tiered) IncrementFieldState(ctx context.Context, resonanceDelta, intelligenceDelta float64, nodesDelta int) (FieldStateRow, error) {
	if s.pool == nil {
		return FieldStateRow{}, ErrUnavailable
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var row FieldStateRow
	err := s.pool.QueryRow(opCtx,
		`UPDATE field_state SET
		   global_resonance = GREATEST(0, LEAST(1, global_resonance + $2)),
		   collective_intelligence = GREATEST(0, LEAST(1, collective_intelligence + $3)),
		   active_nodes = GREATEST(0, active_nodes + $4),
		   last_update = GREATEST(last_update, now())
		 WHERE key = $1
		 RETURNING key, global_resonance, active_nodes, collective_intelligence,
		           memory_particles, quantum_fields, room64_active, last_update`,
		FieldStateKey(), resonanceDelta, intelligenceDelta, nodesDelta).Scan(
		&row.Key, &row.GlobalResonance, &row.ActiveNodes, &row.CollectiveIntelligence,
		&row.MemoryParticles, &row.QuantumFields, &row.Room64Active, &row.LastUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		return FieldStateRow{}, ErrNotFound
	}
	if err != nil {
		return FieldStateRow{}, fmt.Errorf("increment field state: %w", err)
	}
	return row, nil
}

// InsertEvents commits a batch in one statement and returns the ids that
// were actually inserted. Conflicting ids are skipped, which is what makes
// a re-flushed batch idempotent.
func (s *Tiered) InsertEvents(ctx context.Context, rows []EventRow) ([]string, error) {
	if s.pool == nil {
		return nil, ErrUnavailable
	}
	if len(rows) == 0 {
		return nil, nil
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var sb strings.Builder
	sb.WriteString(`INSERT INTO consciousness_events
		(id, device_id, event_type, data, intensity, processed, created_at) VALUES `)
	args := make([]any, 0, len(rows)*7)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, row.ID, row.DeviceID, row.Type, row.Data, row.Intensity, row.Processed, row.CreatedAt)
	}
	sb.WriteString(` ON CONFLICT (id) DO NOTHING RETURNING id`)

	result, err := s.pool.Query(opCtx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("insert events: %w", err)
	}
	defer result.Close()

	var inserted []string
	for result.Next() {
		var id string
		if err := result.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan inserted id: %w", err)
		}
		inserted = append(inserted, id)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("insert events: %w", err)
	}
	return inserted, nil
}

// MarkEventsProcessed flips the processed flag for the given ids.
func (s *Tiered) MarkEventsProcessed(ctx context.Context, ids []string) error {
	if s.pool == nil {
		return ErrUnavailable
	}
	if len(ids) == 0 {
		return nil
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(opCtx,
		`UPDATE consciousness_events SET processed = TRUE WHERE id = ANY($1) AND NOT processed`, ids)
	if err != nil {
		return fmt.Errorf("mark events processed: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events, optionally filtered by device.
func (s *Tiered) RecentEvents(ctx context.Context, deviceID string, limit int) ([]EventRow, error) {
	if s.pool == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = 50
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT id, device_id, event_type, data, intensity, processed, created_at
	          FROM consciousness_events`
	args := []any{limit}
	if deviceID != "" {
		query += ` WHERE device_id = $2`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	result, err := s.pool.Query(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer result.Close()

	var rows []EventRow
	for result.Next() {
		var row EventRow
		if err := result.Scan(&row.ID, &row.DeviceID, &row.Type, &row.Data,
			&row.Intensity, &row.Processed, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return rows, nil
}

// DistinctActiveDevices counts devices that produced an event inside the
// window. This is the liveness signal; there is no explicit heartbeat row.
func (s *Tiered) DistinctActiveDevices(ctx context.Context, window time.Duration) (int, error) {
	if s.pool == nil {
		return 0, ErrUnavailable
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var count int
	err := s.pool.QueryRow(opCtx,
		`SELECT COUNT(DISTINCT device_id) FROM consciousness_events WHERE created_at > now() - $1::interval`,
		window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("distinct active devices: %w", err)
	}
	return count, nil
}

// InsertEntanglement persists a new link row.
func (s *Tiered) InsertEntanglement(ctx context.Context, row EntanglementRow) error {
	if s.pool == nil {
		return ErrUnavailable
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var target any
	if row.TargetDevice != "" {
		target = row.TargetDevice
	}
	_, err := s.pool.Exec(opCtx,
		`INSERT INTO entanglements
		   (id, source_device, target_device, link_type, intensity, status, established, last_sync)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.SourceDevice, target, row.Type, row.Intensity, row.Status, row.Established, row.LastSync)
	if err != nil {
		return fmt.Errorf("insert entanglement: %w", err)
	}
	return nil
}

// ListEntanglements returns links where device is the source or the target.
func (s *Tiered) ListEntanglements(ctx context.Context, device string) ([]EntanglementRow, error) {
	if s.pool == nil {
		return nil, ErrUnavailable
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.pool.Query(opCtx,
		`SELECT id, source_device, COALESCE(target_device, ''), link_type, intensity, status, established, last_sync
		 FROM entanglements
		 WHERE source_device = $1 OR target_device = $1
		 ORDER BY established DESC`, device)
	if err != nil {
		return nil, fmt.Errorf("list entanglements: %w", err)
	}
	defer result.Close()

	var rows []EntanglementRow
	for result.Next() {
		var row EntanglementRow
		if err := result.Scan(&row.ID, &row.SourceDevice, &row.TargetDevice, &row.Type,
			&row.Intensity, &row.Status, &row.Established, &row.LastSync); err != nil {
			return nil, fmt.Errorf("scan entanglement: %w", err)
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("list entanglements: %w", err)
	}
	return rows, nil
}

// FieldStateKey returns the singleton row key.
func FieldStateKey() string { return "global" }
