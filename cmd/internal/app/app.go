// Package app wires the weft broker runtime: config, logging, HTTP routes, and the websocket gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"weft/cmd/internal/broker"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the broker server runtime: it owns HTTP server wiring and gateway dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws *broker.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	dbEnabled := false
	if cfg.DatabaseURL != "" {
		p, err := NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		pool = p
		dbEnabled = true
		log.Info("db.enabled")
	} else {
		log.Info("db.disabled")
	}

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	var members broker.MembershipStore
	if cfg.RequireMembership {
		if !dbEnabled {
			if pool != nil {
				pool.Close()
			}
			return nil, errors.New("WEFT_REQUIRE_MEMBERSHIP=true requires WEFT_DATABASE_URL")
		}
		st, err := broker.NewPostgresMembershipStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		members = st
	}

	ws := broker.NewWSGateway(log, broker.NewHub(log), verifier, members)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		ws:        ws,
	}, nil
}

// newVerifier selects the handshake credential verifier from config.
func newVerifier(cfg Config, log Logger) (broker.Verifier, error) {
	key := strings.TrimSpace(cfg.TokenHMACKey)
	if key == "" {
		// Dev fallback: tokens of the form "userID:email" pass unverified.
		log.Warn("auth.insecure_dev_verifier")
		return broker.InsecureVerifier{}, nil
	}
	return broker.NewHMACVerifier([]byte(key))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	handler := WithSecurityHeaders(mux)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
