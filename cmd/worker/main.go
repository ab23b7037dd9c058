package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"wappsentinel/internal/app"
	"wappsentinel/internal/config"
	"wappsentinel/internal/db"
	"wappsentinel/internal/queue"
	"wappsentinel/internal/telemetry"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var roles = []string{"ingestion", "transcription", "conversation", "deadletter", "report"}

func main() {
	role := flag.String("role", "all", "worker role: "+strings.Join(roles, "|")+"|all")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = log.With().Str("role", *role).Logger()

	selected, err := selectRoles(*role)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid role")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, enabled, err := telemetry.Init(ctx, "wappsentinel-worker")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
	} else if enabled {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Telemetry shutdown failed")
			}
		}()
	}

	database, err := db.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := db.RunMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	broker, err := queue.New(cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to queue")
	}

	services, err := app.NewServices(cfg, database, broker)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer services.Close()

	var wg sync.WaitGroup
	for _, r := range selected {
		startRole(ctx, &wg, r, services)
	}

	log.Info().Strs("roles", selected).Str("queue", cfg.Queue.Driver).Msg("Worker started")
	<-ctx.Done()
	log.Info().Msg("Shutting down worker...")
	wg.Wait()
	log.Info().Msg("Worker exited")
}

func selectRoles(role string) ([]string, error) {
	if role == "all" {
		return roles, nil
	}
	for _, r := range roles {
		if r == role {
			return []string{r}, nil
		}
	}
	return nil, fmt.Errorf("unknown role %q", role)
}

func startRole(ctx context.Context, wg *sync.WaitGroup, role string, s *app.Services) {
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug().Str("loop", name).Msg("Loop stopped")
		}()
	}
	consume := func(queueName string, h queue.Handler) {
		run(queueName, func(ctx context.Context) {
			if err := s.Broker.Consume(ctx, queueName, h); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("queue", queueName).Msg("Consumer stopped")
			}
		})
	}

	switch role {
	case "ingestion":
		consume(queue.RawOperatorEvents, s.IngestionService.HandleMessage)
		run("outbox-relay", s.OutboxRelay.Run)
	case "transcription":
		consume(queue.OrderCandidateEvents, s.TranscriptionService.HandleMessage)
	case "conversation":
		consume(queue.RawCustomerEvents, s.ConversationService.HandleMessage)
		run("conversation-janitor", s.ConversationJanitor.Run)
	case "deadletter":
		for _, dlq := range queue.DeadLetterQueues() {
			consume(dlq, s.DeadLetterService.HandleMessage)
		}
	case "report":
		if !s.Config.Report.Enabled {
			log.Info().Msg("Daily report disabled")
			return
		}
		run("report-scheduler", s.ReportScheduler.Run)
	}
}
