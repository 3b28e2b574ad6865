package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/codeduel/internal/api"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/expiry"
	"github.com/victornm/codeduel/internal/judge"
	"github.com/victornm/codeduel/internal/leaderboard"
	"github.com/victornm/codeduel/internal/lock"
	"github.com/victornm/codeduel/internal/match"
	"github.com/victornm/codeduel/internal/matchmaking"
	"github.com/victornm/codeduel/internal/question"
	"github.com/victornm/codeduel/internal/retry"
	"github.com/victornm/codeduel/internal/settlement"
	"github.com/victornm/codeduel/internal/state"
	"github.com/victornm/codeduel/internal/telemetry"
	"github.com/victornm/codeduel/internal/workqueue"
)

const (
	QueueDriverAMQP  = "amqp"
	QueueDriverRedis = "redis"

	judgeQueueName = "judge"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		Level string
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	AMQP struct {
		URL   string
		Queue string
	}

	Queue struct {
		// Driver is either amqp or redis.
		Driver string
		// ConsumerID names this instance's processing list with the redis driver. Defaults to the hostname.
		ConsumerID string
	}

	Judge struct {
		Addr    string
		Timeout time.Duration
		Retry   retry.Policy
		// MaxIdle bounds how long an idle worker waits before polling the queue.
		MaxIdle time.Duration
	}

	Match struct {
		Duration      time.Duration
		QuestionCount int
		TTLGrace      time.Duration
		PracticeTTL   time.Duration
	}

	Matchmaking struct {
		Backoff time.Duration
		LockTTL time.Duration
	}

	Settlement struct {
		Retry    retry.Policy
		ClaimTTL time.Duration
	}

	Expiry struct {
		SweepInterval time.Duration
		LockTTL       time.Duration
	}

	Worker struct {
		Concurrency int
	}

	Leaderboard struct {
		Size            int
		PublishSize     int
		PublishInterval time.Duration
	}
}

// DefaultConfig returns the values used for every key the config file leaves out.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Log.Level = "info"
	c.Redis.Prefix = "codeduel"
	c.AMQP.Queue = judgeQueueName
	c.Queue.Driver = QueueDriverRedis
	c.Judge.Timeout = 10 * time.Second
	c.Judge.Retry = retry.Policy{MaxAttempts: 3, Delay: 200 * time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Second}
	c.Settlement.Retry = retry.Policy{MaxAttempts: 3, Delay: 100 * time.Millisecond}
	c.Settlement.ClaimTTL = 30 * time.Second
	c.Match.Duration = 30 * time.Minute
	c.Match.QuestionCount = 3
	c.Worker.Concurrency = 8
	return c
}

// PostgresURL is the connection string of the durable store.
func (c Config) PostgresURL() string {
	pc := c.Postgres
	return fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name)
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
		queue    workqueue.Queue
		judge    *judge.GRPCClient
	}

	store *state.Redis

	service struct {
		question    *question.Service
		settlement  *settlement.Engine
		match       *match.Service
		matchmaking *matchmaking.Service
		leaderboard *leaderboard.Service
	}

	background struct {
		pairer *matchmaking.Pairer
		expiry *expiry.Manager
		worker *judge.Worker
		gate   *judge.Gate
	}

	http *http.Server
	grpc *grpc.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

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

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if err := s.initQueue(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	var err error
	s.infra.judge, err = judge.NewGRPCClient(s.c.Judge.Addr)
	if err != nil {
		return fmt.Errorf("judge: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(s.c.PostgresURL())
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initQueue() error {
	switch s.c.Queue.Driver {
	case QueueDriverAMQP:
		q, err := workqueue.NewAMQP(workqueue.AMQPConfig{
			URL:   s.c.AMQP.URL,
			Queue: s.c.AMQP.Queue,
		})
		if err != nil {
			return err
		}
		s.infra.queue = q

	case QueueDriverRedis, "":
		consumer := s.c.Queue.ConsumerID
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		s.infra.queue = workqueue.NewRedis(workqueue.RedisConfig{
			Redis:      s.infra.redis,
			Prefix:     s.c.Redis.Prefix,
			Name:       judgeQueueName,
			ConsumerID: consumer,
		})

	default:
		return fmt.Errorf("unknown driver %q", s.c.Queue.Driver)
	}

	return nil
}

func (s *Server) initService() error {
	s.store = state.NewRedis(state.Config{
		Redis:  s.infra.redis,
		Prefix: s.c.Redis.Prefix,
	})

	s.service.question = question.NewService(question.Config{
		DB: s.infra.postgres,
	})

	recorder := settlement.NewPostgres(s.infra.postgres)
	s.service.settlement = settlement.NewEngine(settlement.Config{
		Matches:     s.store,
		Submissions: s.store,
		Recorder:    recorder,
		EventBus:    s.eb,
		Retry:       s.c.Settlement.Retry,
		ClaimTTL:    s.c.Settlement.ClaimTTL,
	})

	s.background.gate = judge.NewGate(judge.GateConfig{
		Redis:   s.infra.redis,
		Prefix:  s.c.Redis.Prefix,
		MaxIdle: s.c.Judge.MaxIdle,
	})

	s.service.match = match.NewService(match.Config{
		Matches:     s.store,
		Submissions: s.store,
		Questions:   s.service.question,
		Dispatcher: judge.NewDispatcher(judge.DispatcherConfig{
			Queue: s.infra.queue,
			Gate:  s.background.gate,
		}),
		Settler:     s.service.settlement,
		Results:     recorder,
		EventBus:    s.eb,
		Duration:    s.c.Match.Duration,
		TTLGrace:    s.c.Match.TTLGrace,
		PracticeTTL: s.c.Match.PracticeTTL,
	})

	s.service.matchmaking = matchmaking.NewService(matchmaking.Config{
		Queue:   s.store,
		Matches: s.store,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus:        s.eb,
		Repository:      leaderboard.NewPostgres(s.infra.postgres),
		Redis:           s.infra.redis,
		Prefix:          s.c.Redis.Prefix,
		Size:            s.c.Leaderboard.Size,
		PublishSize:     s.c.Leaderboard.PublishSize,
		PublishInterval: s.c.Leaderboard.PublishInterval,
	})

	s.background.pairer = matchmaking.NewPairer(matchmaking.PairerConfig{
		Queue:     s.store,
		Matches:   s.store,
		Questions: s.service.question,
		Starter:   s.service.match,
		Lock: lock.New(lock.Config{
			Redis:  s.infra.redis,
			Prefix: s.c.Redis.Prefix,
			Name:   "pairer",
			TTL:    s.c.Matchmaking.LockTTL,
		}),
		QuestionCount: s.c.Match.QuestionCount,
		Backoff:       s.c.Matchmaking.Backoff,
	})

	var err error
	s.background.expiry, err = expiry.NewManager(expiry.Config{
		Matches:  s.store,
		Settler:  s.service.settlement,
		EventBus: s.eb,
		Elector: lock.New(lock.Config{
			Redis:  s.infra.redis,
			Prefix: s.c.Redis.Prefix,
			Name:   "expiry",
			TTL:    s.c.Expiry.LockTTL,
		}),
		SweepInterval: s.c.Expiry.SweepInterval,
	})
	if err != nil {
		return err
	}

	s.background.worker = judge.NewWorker(judge.WorkerConfig{
		Queue: s.infra.queue,
		Judge: judge.New(judge.Config{
			Client:  s.infra.judge,
			Timeout: s.c.Judge.Timeout,
			Retry:   s.c.Judge.Retry,
		}),
		Submissions: s.store,
		EventBus:    s.eb,
		Gate:        s.background.gate,
		Concurrency: s.c.Worker.Concurrency,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(
		telemetry.GRPCServerInterceptor(),
	)

	api.New(api.Config{
		HTTP:         e,
		GRPC:         s.grpc,
		EventBus:     s.eb,
		Matchmaking:  s.service.matchmaking,
		Matches:      s.service.match,
		Leaderboard:  s.service.leaderboard,
		Settler:      s.service.settlement,
		Questions:    s.service.question,
		Redis:        s.infra.redis,
		PubsubPrefix: s.c.Redis.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// startBackground runs the pairing loop, the expiry manager and the judge workers until Shutdown.
func (s *Server) startBackground() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if q, ok := s.infra.queue.(*workqueue.Redis); ok {
		n, err := q.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover judge jobs: %w", err)
		}
		if n > 0 {
			slog.InfoContext(ctx, "server: recovered judge jobs", "count", n)
		}
	}

	if err := s.background.expiry.Start(ctx); err != nil {
		return err
	}

	s.goBackground(ctx, "gate", s.background.gate.Run)
	s.goBackground(ctx, "worker", s.background.worker.Run)
	s.goBackground(ctx, "pairer", func(ctx context.Context) error {
		s.background.pairer.Run(ctx)
		return nil
	})

	return nil
}

func (s *Server) goBackground(ctx context.Context, name string, run func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "server: background task stopped", "task", name, "error", err)
		}
	}()
}

func (s *Server) Start() {
	ctx := context.TODO()

	if err := s.startBackground(); err != nil {
		slog.ErrorContext(ctx, "server: start background tasks failed", "error", err)
		panic(err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
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

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if s.cancel != nil {
		s.cancel()
	}
	if err := s.background.expiry.Stop(); err != nil {
		slog.ErrorContext(ctx, "server: stop expiry manager failed", "error", err)
	}
	s.wg.Wait()

	s.eb.Stop()

	if err := s.infra.queue.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close queue failed", "error", err)
	}
	if err := s.infra.judge.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close judge client failed", "error", err)
	}
	s.infra.postgres.Close()
	if err := s.infra.redis.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
