package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cbt-battle-service/internal/app"
	"cbt-battle-service/internal/auth"
	"cbt-battle-service/internal/config"
	"cbt-battle-service/internal/domain"
	"cbt-battle-service/internal/infra/memory"
	pgstore "cbt-battle-service/internal/infra/postgres"
	redcache "cbt-battle-service/internal/infra/redis"
	transport "cbt-battle-service/internal/transport/http"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the battle server",
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

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		log.Printf("auth.jwt_secret not configured, using development secret")
		jwtSecret = "battle-dev-secret"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var battles app.BattleStore
	var source app.QuestionSource
	var loader interface {
		LoadQuestionSet(ctx context.Context, battleID string) ([]domain.Question, error)
	}
	if pool != nil {
		store := pgstore.NewBattleStore(pool)
		battles = store
		source = pgstore.NewQuestionSource(pool)
		loader = store
	} else {
		store := memory.NewBattleStore()
		battles = store
		source = memory.NewQuestionSource(sampleSubjects(), sampleQuestions())
		loader = store
	}

	setTTL := config.TTLDuration(cfg.Battle.QuestionSetTTL, 10*time.Minute)
	var sets app.QuestionSetRepository
	if redisClient != nil {
		sets = redcache.NewQuestionSetCache(redisClient, loader, setTTL)
	} else {
		sets = memory.NewQuestionSetRepository(loader, setTTL)
	}

	watch := app.NewWatchHub()
	service := app.NewBattleService(battles, source, sets, watch)
	handler := transport.NewHandler(service, auth.NewVerifier(jwtSecret))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	handler.Register(mux)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting battle service on :%s", finalPort)
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

// sampleSubjects and sampleQuestions seed the in-memory fallback used when no
// Postgres is configured; real deployments load the question bank from the DB.
func sampleSubjects() []domain.Subject {
	return []domain.Subject{{ID: "subject-1", Name: "General Knowledge"}}
}

func sampleQuestions() map[string][]domain.Question {
	return map[string][]domain.Question{
		"subject-1": {
			{
				ID: "q1", Text: "What is 2 + 2?", Type: "multiple_choice", Difficulty: "easy", Points: 1,
				Options: []domain.Option{
					{ID: "q1-o1", Text: "3", Order: 1},
					{ID: "q1-o2", Text: "4", Order: 2, Correct: true},
					{ID: "q1-o3", Text: "5", Order: 3},
				},
			},
			{
				ID: "q2", Text: "Which planet is known as the Red Planet?", Type: "multiple_choice", Difficulty: "easy", Points: 1,
				Options: []domain.Option{
					{ID: "q2-o1", Text: "Venus", Order: 1},
					{ID: "q2-o2", Text: "Mars", Order: 2, Correct: true},
					{ID: "q2-o3", Text: "Jupiter", Order: 3},
				},
			},
			{
				ID: "q3", Text: "How many continents are there?", Type: "multiple_choice", Difficulty: "medium", Points: 1,
				Options: []domain.Option{
					{ID: "q3-o1", Text: "5", Order: 1},
					{ID: "q3-o2", Text: "6", Order: 2},
					{ID: "q3-o3", Text: "7", Order: 3, Correct: true},
				},
			},
		},
	}
}
