// Package app assembles the server: config, logging, the tiered store, the
// field manager, the batch processor, room coordination, auth, and the
// websocket hub, plus the HTTP surface around them.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	server "resonance-field/server"
	"resonance-field/server/internal/auth"
	"resonance-field/server/internal/batch"
	"resonance-field/server/internal/field"
	"resonance-field/server/internal/net/ws"
	"resonance-field/server/internal/ratelimit"
	"resonance-field/server/internal/room"
	"resonance-field/server/internal/store"
)

const shutdownGrace = 5 * time.Second

// Run boots the server and blocks until ctx is cancelled or a termination
// signal arrives, then shuts down in dependency order: HTTP first, then the
// relay, then the batcher flush, then the store.
func Run(ctx context.Context) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Dev)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.JWTSecret == "" {
		log.Warn("AUTH FALLBACK: no JWT secret configured, accepting unauthenticated connections")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry := server.NewTelemetry()

	st := store.Open(ctx, store.Config{
		PostgresURL: cfg.PostgresURL,
		RedisURL:    cfg.RedisURL,
		LocalTTL:    cfg.LocalTTL,
		SharedTTL:   cfg.SharedTTL,
		OpTimeout:   cfg.StoreTimeout,
	}, log.Named("store"), telemetry)

	fm := field.NewManager(ctx, st, log.Named("field"), telemetry)
	batcher := batch.New(fm, log.Named("batch"), telemetry, batch.Config{
		MaxBatch:      cfg.BatchSize,
		FlushInterval: cfg.BatchInterval,
	})
	rooms := room.NewService(st, fm, log.Named("room"))
	validator := auth.NewJWT(cfg.JWTSecret, cfg.AuthOptional, log.Named("auth"))
	limits := ratelimit.New(ratelimit.Config{
		FieldUpdatesPerMinute:  cfg.FieldUpdatesPerMinute,
		SacredPhrasesPerMinute: cfg.SacredPhrasesPerMinute,
		BatchSyncsPerMinute:    cfg.BatchSyncsPerMinute,
	})

	hub := server.NewHub(cfg.InstanceID, st, fm, telemetry, log.Named("hub"))
	relayCtx, cancelRelay := context.WithCancel(context.Background())
	go hub.RunRelay(relayCtx)

	handler := ws.NewHandler(hub, fm, batcher, rooms, validator, limits, telemetry, log.Named("ws"))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.Handle)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"instance": cfg.InstanceID,
			"durable":  st.DurableAvailable(),
			"cache":    st.SharedCacheAvailable(),
			"degraded": st.Degraded(),
		})
	})
	mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"instance":    cfg.InstanceID,
			"durable":     st.DurableAvailable(),
			"sharedCache": st.SharedCacheAvailable(),
			"degraded":    st.Degraded(),
			"connections": hub.ActiveConnections(),
			"activeNodes": fm.ActiveNodes(r.Context()),
			"queueDepth":  batcher.Depth(),
			"activeRooms": rooms.ActiveRooms(),
			"telemetry":   telemetry.Snapshot(),
		})
	})
	mux.HandleFunc("/field", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			state, tier := fm.GlobalState(r.Context())
			writeJSON(w, http.StatusOK, map[string]any{
				"state": state,
				"tier":  tier.String(),
			})
		case http.MethodPut, http.MethodPatch:
			var patch field.Patch
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
				http.Error(w, "invalid patch", http.StatusBadRequest)
				return
			}
			state, tier := fm.UpdateGlobalState(r.Context(), patch)
			hub.BroadcastSnapshot(r.Context(), state, tier, true)
			writeJSON(w, http.StatusOK, map[string]any{"state": state})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		events := fm.RecentEvents(r.Context(), r.URL.Query().Get("device"), limit)
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	})
	mux.HandleFunc("/entanglements", func(w http.ResponseWriter, r *http.Request) {
		device := r.URL.Query().Get("device")
		if device == "" {
			http.Error(w, "missing device", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entanglements": rooms.Entanglements(r.Context(), device),
		})
	})
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			DeviceID    string `json:"deviceId"`
			Fingerprint string `json:"fingerprint"`
			Platform    string `json:"platform"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		token, err := validator.IssueToken(req.DeviceID, req.Fingerprint, req.Platform)
		if err != nil {
			http.Error(w, "token issue failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     token,
			"expiresIn": int(auth.DefaultTokenTTL.Seconds()),
		})
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("instance", cfg.InstanceID))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		cancelRelay()
		batcher.Close()
		st.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	cancelRelay()
	batcher.Close()
	st.Close()
	log.Info("shutdown complete")
	return nil
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
