package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/helpinghands/assist-chat/internal/api"
	"github.com/helpinghands/assist-chat/internal/auth"
	"github.com/helpinghands/assist-chat/internal/config"
	"github.com/helpinghands/assist-chat/internal/events"
	"github.com/helpinghands/assist-chat/internal/kafka"
	"github.com/helpinghands/assist-chat/internal/metrics"
	"github.com/helpinghands/assist-chat/internal/models"
	chatredis "github.com/helpinghands/assist-chat/internal/redis"
	"github.com/helpinghands/assist-chat/internal/repository"
	"github.com/helpinghands/assist-chat/internal/requests"
	"github.com/helpinghands/assist-chat/internal/service"
	"github.com/helpinghands/assist-chat/internal/utils"
	"github.com/helpinghands/assist-chat/internal/ws"
)

// Server holds service dependencies
type Server struct {
	cfg *config.Config
	log *zap.Logger
	app *fiber.App
	gw  *ws.Gateway

	chat      *service.ChatService
	mongo     *mongo.Client
	redis     *goredis.Client
	producer  *kafka.Producer
	consumer  *kafka.Consumer
	nats      *events.Publisher
	memSource *requests.MemorySource
	limiter   *api.KeyedRateLimiter

	// cancels background workers
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer connects every configured backend. Unconfigured brokers are skipped.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	sugar := logger.Sugar()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, log: logger, ctx: ctx, cancel: cancel}

	initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
	defer initCancel()

	// Mongo
	var (
		msgStore  repository.MessageStore
		convStore repository.ConversationStore
		db        *mongo.Database
	)
	if cfg.Mongo.URI != "" {
		mc, err := mongo.Connect(initCtx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := mc.Ping(initCtx, nil); err != nil {
			return nil, fmt.Errorf("mongo ping: %w", err)
		}
		s.mongo = mc
		db = mc.Database(cfg.Mongo.Database)
		repo := repository.NewMongoRepo(db.Collection(cfg.Mongo.MessagesCollection), db.Collection(cfg.Mongo.ConversationsCollection))
		if err := repo.EnsureIndexes(initCtx); err != nil {
			return nil, err
		}
		msgStore, convStore = repo, repo
	} else {
		sugar.Warn("mongo.uri not set, using in-memory store")
		mem := repository.NewMemoryStore()
		msgStore, convStore = mem, mem
	}

	// Redis
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(initCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		s.redis = rdb
	}

	// request assignments
	var src requests.Source
	switch cfg.Requests.Source {
	case "mongo":
		src = requests.NewMongoSource(db.Collection(cfg.Mongo.RequestsCollection))
	case "http":
		src = requests.NewHTTPSource(requests.HTTPConfig{
			BaseURL:     cfg.Requests.BaseURL,
			Timeout:     cfg.RequestsTimeout,
			MaxFailures: cfg.Requests.MaxFailures,
			OpenTimeout: time.Duration(cfg.Requests.OpenTimeoutSeconds) * time.Second,
		}, logger)
	default:
		s.memSource = requests.NewMemorySource()
		for _, a := range cfg.Requests.Seed {
			s.memSource.Approve(a.RequestID, a.RequesterID, a.VolunteerID)
		}
		sugar.Infow("in-memory request approvals", "seeded", len(cfg.Requests.Seed), "kafka", len(cfg.Kafka.Brokers) > 0)
		src = s.memSource
	}
	if s.redis != nil && s.memSource == nil {
		src = requests.NewCachedSource(src, s.redis, cfg.Redis.Prefix, cfg.RequestsTTL, logger)
	}

	// brokers
	if len(cfg.Kafka.Brokers) > 0 {
		s.producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChatEvents, sugar)
		s.consumer = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicRequestAssigned, cfg.Kafka.GroupID, sugar)
	}
	if cfg.NATS.URL != "" {
		np, err := events.NewPublisher(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		s.nats = np
	}
	s.chat = service.NewChatService(msgStore, convStore, src, events.NewNotifier(s.producer, s.nats), cfg.Chat.MaxContentLength, sugar)

	jv, err := auth.NewJWTValidator(cfg.JWT.Algorithm, cfg.JWT.HSSecret, cfg.JWT.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("jwt validator: %w", err)
	}

	opts := api.Options{Validator: jv, AccessLog: cfg.Dev(), CORSOrigins: cfg.App.CORSOrigins}
	var tracker ws.PresenceTracker
	if s.redis != nil {
		store := chatredis.NewStore(s.redis, cfg.Redis.Prefix)
		tracker = store
		opts.Presence = store
		opts.RateLimit = chatredis.NewRateLimiter(s.redis, cfg.Redis.Prefix, cfg.RateLimit.RequestsPerMinute, time.Minute).MiddlewareByKey(api.CallerKey)
	} else {
		s.limiter = api.NewKeyedRateLimiter(cfg.RateLimit.RequestsPerMinute, logger)
		opts.RateLimit = s.limiter.MiddlewareByKey(api.CallerKey)
	}

	s.gw = ws.NewGateway(s.chat, jv, tracker, ws.Config{
		PingInterval:    cfg.PingInterval,
		PongWait:        cfg.PongWait,
		WriteDeadline:   cfg.WriteDeadline,
		MaxMessageSize:  cfg.WS.MaxMessageSizeBytes,
		EventsPerSecond: cfg.WS.EventsPerSecond,
		EventBurst:      cfg.WS.EventBurst,
	}, sugar)
	s.app = api.NewServer(s.chat, s.gw, opts, logger)
	return s, nil
}

// onRequestAssigned creates the conversation as soon as a volunteer is assigned.
func (s *Server) onRequestAssigned(ctx context.Context, ev kafka.RequestAssigned) error {
	if s.memSource != nil {
		s.memSource.Approve(ev.RequestID, ev.RequesterID, ev.VolunteerID)
	}
	_, err := s.chat.GetOrCreateConversation(ctx, ev.RequestID,
		models.Participant{ID: ev.RequesterID, Role: models.RoleUser},
		models.Participant{ID: ev.VolunteerID, Role: models.RoleVolunteer})
	return err
}

// Start runs background workers and the HTTP server. Listen errors are sent on errs.
func (s *Server) Start(errs chan<- error) {
	if s.consumer != nil {
		go s.consumer.Run(s.ctx, s.onRequestAssigned)
	}
	go func() {
		addr := fmt.Sprintf(":%d", s.cfg.App.Port)
		s.log.Info("starting assist-chat", zap.String("addr", addr), zap.String("env", s.cfg.App.Env))
		errs <- s.app.Listen(addr)
	}()
}

// Shutdown closes sockets first, then the HTTP server, then backends.
func (s *Server) Shutdown() {
	s.log.Info("shutting down assist-chat")
	s.cancel()
	s.gw.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.log.Error("fiber shutdown", zap.Error(err))
	}
	s.chat.Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.log.Error("close kafka consumer", zap.Error(err))
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.log.Error("close kafka producer", zap.Error(err))
		}
	}
	s.nats.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.log.Error("mongo disconnect", zap.Error(err))
		}
	}
	s.log.Info("shutdown complete")
}

func main() {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(cfg.Dev())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	metrics.Init()

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}

	errs := make(chan error, 1)
	server.Start(errs)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		logger.Error("server exited", zap.Error(err))
	case sig := <-quit:
		logger.Info("signal received", zap.String("signal", sig.String()))
	}
	server.Shutdown()
}
