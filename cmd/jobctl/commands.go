package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"forge3d/internal/bootstrap"
	"forge3d/internal/infra"
	"forge3d/internal/infra/credentials"
)

// session is the runtime a single command works against. Close blocks until
// any poll loop the command started has settled.
type session struct {
	rt     *bootstrap.Runtime
	cancel context.CancelFunc
}

func openSession(ctx context.Context, cmd *cli.Command) (*session, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	rt, err := bootstrap.Build(runCtx, cfg, logger, bootstrap.Options{})
	if err != nil {
		cancel()
		return nil, err
	}
	return &session{rt: rt, cancel: cancel}, nil
}

func (s *session) Close() {
	s.rt.Close()
	s.cancel()
}

func loadConfig(cmd *cli.Command) (*infra.Config, infra.Logger, error) {
	if path := cmd.String("env"); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, infra.Logger{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	cfg, err := infra.LoadConfig()
	if err != nil {
		return nil, infra.Logger{}, err
	}
	return cfg, infra.NewLogger(cfg.AppEnv), nil
}

func recoverAction(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.rt.Sweeper.RecoverPendingJobs(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	job, err := s.rt.Service.GetJob(ctx, cmd.String("message"))
	if err != nil {
		return err
	}
	return printJSON(job)
}

func resumeAction(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	job, err := s.rt.Service.ResumeJob(ctx, cmd.String("message"))
	if err != nil {
		return err
	}
	s.rt.Logger.Info().Str("job_id", job.ID).Msg("jobctl: polling until the job settles")
	return nil
}

func revertAction(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	job, err := s.rt.Service.RevertJob(ctx, cmd.String("message"))
	if err != nil {
		return err
	}
	return printJSON(job)
}

// setProviderKeyAction only needs Postgres, so it skips the full runtime.
func setProviderKeyAction(ctx context.Context, cmd *cli.Command) error {
	key := strings.TrimSpace(cmd.String("key"))
	if key == "" {
		return errors.New("provider key is required via --key or MESHY_API_KEY")
	}
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.UsesSQLite() {
		return errors.New("set-provider-key needs a postgres DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))
	if err := store.SetToken(ctx, credentials.ProviderMeshy, key, map[string]any{"source": "jobctl"}); err != nil {
		return err
	}
	logger.Info().Str("provider", credentials.ProviderMeshy).Msg("jobctl: provider key stored")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
