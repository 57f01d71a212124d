package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"tournament-engine/internal/config"
	"tournament-engine/internal/domain"
	"tournament-engine/internal/engine"
	"tournament-engine/internal/infra/memory"
	pginfra "tournament-engine/internal/infra/postgres"
	redisinfra "tournament-engine/internal/infra/redis"
	"tournament-engine/internal/infra/telegram"
	transport "tournament-engine/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 24*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pginfra.NewQuizLoader(pool)
	}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	questions := memory.NewQuestionRepository(loader, quizTTL)

	var ledger engine.AnswerLedger = memory.NewLedger()
	var registry engine.ParticipantRegistry = memory.NewRegistry()
	if redisClient != nil {
		ledger = redisinfra.NewLedger(redisClient, redisTTL)
		registry = redisinfra.NewRegistry(redisClient, redisTTL)
	}

	hub := transport.NewHub()
	deliveries := []engine.Delivery{hub}
	if cfg.Telegram.Token != "" {
		notifier, err := telegram.NewNotifier(cfg.Telegram.Token)
		if err != nil {
			return err
		}
		deliveries = append(deliveries, notifier)
	}
	if cfg.Postgres.URL != "" {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		bundb := bun.NewDB(sqldb, pgdialect.New())
		defer bundb.Close()
		deliveries = append(deliveries, pginfra.NewArchive(bundb))
	}

	engineCfg := engine.Config{
		QuestionDeadline: config.TTLDuration(cfg.Engine.QuestionDeadline, 30*time.Second),
		SessionDuration:  config.TTLDuration(cfg.Engine.SessionDuration, 30*time.Minute),
		EffectWorkers:    cfg.Engine.EffectWorkers,
		EffectRetries:    cfg.Engine.EffectRetries,
	}
	executor := engine.NewExecutor(engine.MultiDelivery(deliveries...), engineCfg.EffectWorkers, engineCfg.EffectRetries)
	defer executor.Close()

	orch := engine.NewOrchestrator(engine.SystemClock(), ledger, registry, questions, executor, engineCfg)

	// Safety-net sweep: starts due scheduled sessions and fires deadlines
	// whose in-process timer was lost to a restart.
	sweepInterval := config.TTLDuration(cfg.Engine.SweepInterval, 30*time.Second)
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", sweepInterval), func() {
		orch.Sweep(context.Background(), time.Now())
	}); err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	wsHandler := transport.NewWSHandler(orch, hub)
	api := transport.NewAPIHandler(orch)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	api.Register(mux)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting tournament engine on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes provides a minimal demo quiz; with Postgres configured the
// loader reads real content instead.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Demo quiz",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3", Correct: false},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5", Correct: false},
					},
					Points: 1,
				},
			},
		},
	}
}
