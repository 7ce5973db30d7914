package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/pagegen/internal/apiclient"
	"github.com/rcourtman/pagegen/internal/auth"
	"github.com/rcourtman/pagegen/internal/config"
	"github.com/rcourtman/pagegen/internal/entitlements"
	"github.com/rcourtman/pagegen/internal/generation"
	"github.com/rcourtman/pagegen/internal/history"
	"github.com/rcourtman/pagegen/internal/metrics"
	"github.com/rcourtman/pagegen/internal/pages"
	"github.com/rcourtman/pagegen/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisPingTimeout = 3 * time.Second

// app wires the client components for one command invocation.
type app struct {
	cfg      *config.Config
	api      *apiclient.Client
	backend  session.Backend
	store    *session.Store
	auth     *auth.Client
	selector *entitlements.Selector
	loader   *pages.Loader
	history  *history.Store
	invoker  *generation.Invoker

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	a := &app{cfg: cfg}

	api, err := apiclient.NewClient(apiclient.Config{
		BaseURL:     cfg.APIURL,
		Timeout:     cfg.Timeout,
		VerifyTLS:   cfg.VerifyTLS,
		Fingerprint: cfg.TLSFingerprint,
		UserAgent:   "pagegen/" + Version,
	})
	if err != nil {
		return nil, err
	}
	a.api = api

	backend, err := a.openSessionBackend(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.backend = backend

	store, err := session.Open(backend)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	a.store = store

	a.auth = auth.NewClient(api, store)
	a.selector = entitlements.NewSelector(entitlements.NewClient(api), store, cfg.Mode())
	a.loader = pages.NewLoader(api, store, a.selector)
	return a, nil
}

func (a *app) openSessionBackend(ctx context.Context) (session.Backend, error) {
	switch a.cfg.SessionBackend {
	case config.BackendMemory:
		log.Debug().Msg("Using in-memory session; nothing will persist")
		return session.NewMemoryBackend(), nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, rdb.Close)
		return session.NewRedisBackend(rdb, a.cfg.RedisPrefix, a.cfg.SessionTTL), nil
	default:
		return session.NewFileBackend(a.cfg.SessionDir())
	}
}

// withHistory opens the history database and an invoker that records into it.
func (a *app) withHistory() error {
	if a.history != nil {
		return nil
	}
	h, err := history.Open(a.cfg.HistoryDir())
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	a.history = h
	a.closers = append(a.closers, h.Close)
	a.invoker = generation.NewInvoker(a.api, a.store, a.selector, a.loader, generation.WithRecorder(h))
	return nil
}

// requireSession loads the entitlements from the server, or fails with an
// auth error when logged out.
func (a *app) requireSession(ctx context.Context) error {
	if _, ok := a.store.Credential(); !ok {
		return noSessionError(a.store)
	}
	a.selector.LoadCached()
	return a.selector.Refresh(ctx)
}

func (a *app) close() {
	if a.cfg != nil && a.cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
			log.Warn().Err(err).Str("file", a.cfg.MetricsFile).Msg("Failed to write metrics textfile")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Debug().Err(err).Msg("Failed to close resource")
		}
	}
	a.closers = nil
}
