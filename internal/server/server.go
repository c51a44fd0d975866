package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/victornm/trivia/internal/api"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/leaderboard"
	"github.com/victornm/trivia/internal/quiz"
	"github.com/victornm/trivia/internal/score"
	"github.com/victornm/trivia/internal/session"
	"github.com/victornm/trivia/internal/stats"
	"github.com/victornm/trivia/internal/telemetry"
	"github.com/victornm/trivia/internal/trivia"
)

const (
	StatsDriverSQLite   = "sqlite"
	StatsDriverPostgres = "postgres"
	StatsDriverRedis    = "redis"
)

type Config struct {
	Log struct {
		Level string
	}

	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Telemetry struct {
		ServiceName string
		// OTLPEndpoint enables tracing when set.
		OTLPEndpoint string
		SampleRatio  float64
	}

	Trivia struct {
		BaseURL     string
		Timeout     time.Duration
		CategoryTTL time.Duration
	}

	Session struct {
		// IdleTimeout enables the idle session sweeper when positive.
		IdleTimeout   time.Duration
		SweepInterval time.Duration
	}

	Stats struct {
		Driver string
	}

	Redis struct {
		Leaderboard RedisConfig
		Pubsub      RedisConfig
		Stats       RedisConfig
	}

	Postgres PostgresConfig

	SQLite struct {
		DSN string
	}

	Leaderboard struct {
		Size int
	}
}

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type PostgresConfig struct {
	Addr string
	User string
	Pass string
	Name string
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", c.User, c.Pass, c.Addr, c.Name)
}

// DefaultConfig is a single node setup: sqlite stats and a local redis.
func DefaultConfig() Config {
	var c Config
	c.Log.Level = "info"
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Telemetry.ServiceName = "trivia"
	c.Telemetry.SampleRatio = 1
	c.Trivia.BaseURL = trivia.DefaultBaseURL
	c.Trivia.Timeout = 10 * time.Second
	c.Trivia.CategoryTTL = time.Hour
	c.Session.SweepInterval = time.Minute
	c.Stats.Driver = StatsDriverSQLite
	c.Redis.Leaderboard = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "local:leaderboard"}
	c.Redis.Pubsub = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "local:pubsub"}
	c.Redis.Stats = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "local:stats"}
	c.SQLite.DSN = "file:trivia.db"
	c.Leaderboard.Size = stats.DefaultLeaderboardSize
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
			stats       redis.UniversalClient
		}

		postgres *pgxpool.Pool
		sqlite   *stats.SQLiteStore

		shutdownTracing func(context.Context) error
	}

	service struct {
		sessions    *session.Store
		trivia      *trivia.Client
		score       *score.Service
		stats       *stats.Service
		leaderboard *leaderboard.Service
		quiz        *quiz.Service
	}

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TracingConfig{
		Endpoint:    c.Telemetry.OTLPEndpoint,
		ServiceName: c.Telemetry.ServiceName,
		SampleRatio: c.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("server: init tracing: %w", err)
	}
	s.infra.shutdownTracing = shutdownTracing

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	switch s.c.Stats.Driver {
	case StatsDriverPostgres:
		if err := s.initPostgres(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	case StatsDriverSQLite:
		if err := s.initSQLite(); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(c RedisConfig) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	if s.c.Stats.Driver == StatsDriverRedis {
		s.infra.redis.stats, err = connect(s.c.Redis.Stats)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(s.c.Postgres.DSN())
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initSQLite() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := stats.OpenSQLiteStore(ctx, s.c.SQLite.DSN)
	if err != nil {
		return err
	}

	s.infra.sqlite = db
	return nil
}

func (s *Server) statsStore() (stats.Store, error) {
	switch s.c.Stats.Driver {
	case StatsDriverSQLite:
		return s.infra.sqlite, nil
	case StatsDriverPostgres:
		return stats.NewPostgresStore(s.infra.postgres), nil
	case StatsDriverRedis:
		return stats.NewRedisStore(s.infra.redis.stats, s.c.Redis.Stats.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported stats driver: %q", s.c.Stats.Driver)
	}
}

func (s *Server) initService() error {
	store, err := s.statsStore()
	if err != nil {
		return err
	}

	s.service.sessions = session.NewStore(session.Config{})

	s.service.trivia = trivia.NewClient(trivia.Config{
		BaseURL:     s.c.Trivia.BaseURL,
		HTTPClient:  &http.Client{Timeout: s.c.Trivia.Timeout},
		CategoryTTL: s.c.Trivia.CategoryTTL,
	})

	s.service.score = score.NewService(score.Config{})

	s.service.stats = stats.NewService(stats.Config{
		EventBus: s.eb,
		Store:    store,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Stats:    s.service.stats,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
		Size:     s.c.Leaderboard.Size,
	})

	s.service.quiz = quiz.NewService(quiz.Config{
		EventBus: s.eb,
		Sessions: s.service.sessions,
		Provider: s.service.trivia,
		Score:    s.service.score,
		Stats:    s.service.stats,
	})

	telemetry.RegisterMetrics(telemetry.MetricsConfig{
		EventBus:       s.eb,
		Registerer:     prometheus.DefaultRegisterer,
		ActiveSessions: s.service.sessions.Len,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(telemetry.GinLogger(), telemetry.GinRecovery())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Quiz:         s.service.quiz,
		Stats:        s.service.stats,
		Leaderboard:  s.service.leaderboard,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.startSweeper()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// startSweeper evicts sessions idle for longer than the configured timeout.
func (s *Server) startSweeper() {
	idle := s.c.Session.IdleTimeout
	if idle <= 0 {
		return
	}

	interval := s.c.Session.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweeper = cancel
	s.sweeperDone = make(chan struct{})

	go func() {
		defer close(s.sweeperDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.service.sessions.EvictIdle(idle); n > 0 {
					slog.InfoContext(ctx, "server: evicted idle sessions", "count", n)
				}
			}
		}
	}()
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if s.stopSweeper != nil {
		s.stopSweeper()
		<-s.sweeperDone
	}

	s.eb.Stop()
	s.closeInfra(ctx)

	slog.InfoContext(ctx, "server: shutdown completed")
}

func (s *Server) closeInfra(ctx context.Context) {
	for name, r := range map[string]redis.UniversalClient{
		"leaderboard": s.infra.redis.leaderboard,
		"pubsub":      s.infra.redis.pubsub,
		"stats":       s.infra.redis.stats,
	} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "redis", name, "error", err)
		}
	}

	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	if s.infra.sqlite != nil {
		if err := s.infra.sqlite.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close sqlite failed", "error", err)
		}
	}

	if err := s.infra.shutdownTracing(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown tracing failed", "error", err)
	}
}
