// Package bootstrap wires the job runtime shared by the api, worker and
// jobctl binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"

	"forge3d/internal/adapter/repo"
	"forge3d/internal/broadcast"
	"forge3d/internal/domain"
	"forge3d/internal/infra"
	"forge3d/internal/infra/credentials"
	"forge3d/internal/jobs"
	"forge3d/internal/lock"
	"forge3d/internal/providers/meshy"
)

// Options selects the optional parts of the runtime.
type Options struct {
	// ServeSockets subscribes to the broadcast relay so events published by
	// any instance reach the sockets held here.
	ServeSockets bool
	// WatchSecrets reloads the provider key file when it changes.
	WatchSecrets bool
}

// Runtime is a fully wired job runtime. Close releases everything Build
// opened.
type Runtime struct {
	Config      *infra.Config
	Logger      infra.Logger
	Redis       *redis.Client
	Repo        domain.JobRepository
	Credentials *credentials.Store
	Provider    *meshy.Client
	Guard       *lock.Guard
	Registry    *broadcast.Registry
	Relay       *broadcast.Relay
	Processor   *jobs.Processor
	Service     *jobs.Service
	Sweeper     *jobs.Sweeper

	pingDB  func(ctx context.Context) error
	closers []func()
}

// Build connects to the job store and Redis and wires the processor, service
// and sweeper. Poll loops started by the runtime stop when ctx is cancelled.
func Build(ctx context.Context, cfg *infra.Config, logger infra.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}
	if err := rt.build(ctx, opts); err != nil {
		rt.Close()
		return nil, err
	}
	switch configured, err := rt.Provider.Configured(ctx); {
	case err != nil:
		// Not fatal; jobs fail until the key can be read again.
		logger.Error().Err(err).Msg("bootstrap: provider key lookup failed")
	case configured:
		logger.Info().Str("base_url", cfg.MeshyBaseURL).Msg("bootstrap: provider configured")
	default:
		logger.Warn().Msg("bootstrap: no provider key, jobs use the mock path")
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context, opts Options) error {
	cfg, logger := rt.Config, rt.Logger
	if err := rt.openStore(ctx); err != nil {
		return err
	}

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	rt.Redis = rdb
	rt.closers = append(rt.closers, func() { _ = rdb.Close() })
	rt.Guard = lock.New(rdb)

	keys, err := rt.keyResolver(ctx, opts.WatchSecrets)
	if err != nil {
		return err
	}
	rt.Provider = meshy.NewClient(meshy.Options{
		Credentials:       keys,
		BaseURL:           cfg.MeshyBaseURL,
		ArtStyle:          cfg.MeshyArtStyle,
		EnablePBR:         cfg.MeshyEnablePBR,
		HTTPClient:        &http.Client{Timeout: cfg.SubmitTimeout + 5*time.Second},
		Logger:            &logger,
		SubmitTimeout:     cfg.SubmitTimeout,
		StatusTimeout:     cfg.StatusTimeout,
		RequestsPerSecond: float64(cfg.MeshyRatePerSec),
	})

	rt.Registry = broadcast.NewRegistry(&logger)
	if opts.ServeSockets {
		rt.Relay = broadcast.NewRelay(rdb, rt.Registry, &logger)
		if err := rt.Relay.Start(ctx); err != nil {
			return err
		}
		rt.closers = append(rt.closers, rt.Relay.Wait)
	} else {
		rt.Relay = broadcast.NewRelay(rdb, nil, &logger)
	}

	rt.Processor = jobs.NewProcessor(ctx, rt.Repo, rt.Provider, rt.Guard, rt.Relay, jobs.ProcessorConfig{
		PollInterval:    cfg.PollInterval,
		MaxPollDuration: cfg.MaxPollDuration,
		PollerTTL:       2*cfg.PollInterval + cfg.StatusTimeout,
		JobLockTTL:      cfg.JobLockTTL,
		MockStepDelay:   cfg.MockStepDelay,
		MockModelURL:    cfg.MockModelURL,
	}, &logger)
	rt.Service = jobs.NewService(rt.Repo, rt.Guard, rt.Processor, rt.Relay, jobs.ServiceConfig{
		RateLimit:  cfg.SubmitRateLimit,
		RateWindow: cfg.SubmitRateWindow,
		JobLockTTL: cfg.JobLockTTL,
	}, &logger)
	rt.Sweeper = jobs.NewSweeper(rt.Repo, rt.Provider, rt.Processor, rt.Guard, rt.Relay, cfg.RecoveryLimit, &logger)
	return nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	cfg := rt.Config
	if cfg.UsesSQLite() {
		store, err := repo.OpenSQLite(cfg.SQLitePath())
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		rt.Repo = store
		rt.pingDB = store.Ping
		rt.closers = append(rt.closers, func() { _ = store.Close() })
		rt.Logger.Info().Str("path", cfg.SQLitePath()).Msg("bootstrap: using sqlite job store")
		return nil
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, pool.Close)
	runner := infra.NewSQLRunner(pool, rt.Logger)
	rt.Repo = repo.NewJobRepository(runner)
	rt.Credentials = credentials.NewStore(runner)
	rt.pingDB = pool.Ping
	return nil
}

func (rt *Runtime) keyResolver(ctx context.Context, watch bool) (*credentials.Resolver, error) {
	resolver := &credentials.Resolver{
		Provider: credentials.ProviderMeshy,
		Static:   rt.Config.MeshyAPIKey,
	}
	if rt.Credentials != nil {
		resolver.Store = rt.Credentials
	}
	if path := rt.Config.MeshyAPIKeyFile; path != "" {
		file, err := credentials.NewSecretFile(path, &rt.Logger)
		if err != nil {
			return nil, err
		}
		resolver.File = file
		if _, statErr := os.Stat(filepath.Dir(path)); watch && statErr == nil {
			go func() {
				if err := file.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					rt.Logger.Warn().Err(err).Str("path", path).Msg("bootstrap: secret watch stopped")
				}
			}()
		}
	}
	return resolver, nil
}

// PingDB checks the job store.
func (rt *Runtime) PingDB(ctx context.Context) error {
	if rt.pingDB == nil {
		return errors.New("job store not open")
	}
	return rt.pingDB(ctx)
}

// PingRedis checks the shared store.
func (rt *Runtime) PingRedis(ctx context.Context) error {
	return rt.Redis.Ping(ctx).Err()
}

// StartRecovery runs one sweep now and, when a schedule is configured, keeps
// sweeping on it until ctx is cancelled.
func (rt *Runtime) StartRecovery(ctx context.Context) error {
	report, err := rt.Sweeper.RecoverPendingJobs(ctx)
	if err != nil {
		rt.Logger.Error().Err(err).Msg("bootstrap: startup recovery failed")
	} else {
		rt.Logger.Info().
			Int("finalized", report.Finalized).
			Int("resumed", report.Resumed).
			Msg("bootstrap: startup recovery done")
	}
	if rt.Config.RecoverySchedule == "" {
		return nil
	}
	if _, err := rt.Sweeper.Schedule(ctx, rt.Config.RecoverySchedule); err != nil {
		return err
	}
	rt.Logger.Info().Str("schedule", rt.Config.RecoverySchedule).Msg("bootstrap: recovery scheduled")
	return nil
}

// NotifyReady tells systemd the service is up. Outside systemd it is a no-op.
func (rt *Runtime) NotifyReady() {
	rt.sdNotify(daemon.SdNotifyReady)
}

// NotifyStopping tells systemd shutdown has begun.
func (rt *Runtime) NotifyStopping() {
	rt.sdNotify(daemon.SdNotifyStopping)
}

func (rt *Runtime) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		rt.Logger.Warn().Err(err).Str("state", state).Msg("bootstrap: sd_notify failed")
		return
	}
	if sent {
		rt.Logger.Debug().Str("state", state).Msg("bootstrap: sd_notify sent")
	}
}

// Close waits for poll loops, which stop once the Build context is
// cancelled, then closes connections in reverse order.
func (rt *Runtime) Close() {
	if rt.Processor != nil {
		rt.Processor.Wait()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
