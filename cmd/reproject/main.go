package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"mediagen/internal/actor/statestore"
	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/projection"
)

// reproject rebuilds the generations and artifacts tables from actor state.
func main() {
	_ = godotenv.Load()

	var (
		idFlag     string
		activeOnly bool
	)
	flag.StringVar(&idFlag, "id", "", "Reproject a single request id (default: every stored request)")
	flag.BoolVar(&activeOnly, "active", false, "Only reproject requests that have not completed")
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "reproject").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reproject: db connection failed")
	}
	defer pool.Close()

	backend, err := statestore.FromDSN(cfg.StateBackendDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("reproject: open state backend failed")
	}
	defer backend.Close()

	writer := projection.NewWriter(infra.NewSQLRunner(pool, logger), logger)
	if err := writer.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("reproject: ensure schema failed")
	}

	var states []*domain.RequestState
	if idFlag != "" {
		state, err := backend.Load(ctx, idFlag)
		if err != nil {
			logger.Fatal().Err(err).Str("request_id", idFlag).Msg("reproject: load failed")
		}
		if state == nil {
			fmt.Fprintf(os.Stderr, "request %s not found\n", idFlag)
			os.Exit(1)
		}
		states = append(states, state)
	} else {
		states, err = backend.List(ctx, statestore.Filter{ActiveOnly: activeOnly})
		if err != nil {
			logger.Fatal().Err(err).Msg("reproject: list failed")
		}
	}

	failed := 0
	for _, state := range states {
		if ctx.Err() != nil {
			break
		}
		if err := writer.Reproject(ctx, state); err != nil {
			failed++
			logger.Error().Err(err).Str("request_id", state.Meta.ID).Msg("reproject failed")
			continue
		}
		logger.Debug().Str("request_id", state.Meta.ID).Int("outputs", len(state.Outputs)).Msg("reprojected")
	}
	logger.Info().Int("total", len(states)).Int("failed", failed).Msg("reproject finished")
	if failed > 0 {
		os.Exit(1)
	}
}
