package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/telehealth/libs/auth"
	"github.com/md-rashed-zaman/telehealth/libs/config"
	"github.com/md-rashed-zaman/telehealth/libs/db"
	"github.com/md-rashed-zaman/telehealth/libs/grpcx"
	"github.com/md-rashed-zaman/telehealth/libs/httpx"
	"github.com/md-rashed-zaman/telehealth/libs/kafkax"
	otelx "github.com/md-rashed-zaman/telehealth/libs/otel"
	"github.com/md-rashed-zaman/telehealth/libs/runtime"
	"github.com/md-rashed-zaman/telehealth/services/session-service/db/migrations"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/calls"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/consumer"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/handlers"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/inbox"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/metrics"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/outbox"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/presence"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/relay"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/rooms"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/scheduling"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/storage"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/ws"
)

func main() {
	config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "session-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9095")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}
	mode, err := scheduling.ParseConflictMode(config.String("BOOKING_CONFLICT_MODE", string(scheduling.ConflictOverlap)))
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(config.Int("DB_MAX_CONNS", 10))})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, migrations.FS, logger); err != nil {
		logger.Error("migrations failed", "err", err)
		panic(err)
	}

	m := metrics.New()
	readyChecks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}

	callRetain := config.Duration("CALL_RETAIN_ENDED", time.Minute)
	rpm := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	registry := rooms.NewRegistry()
	registry.SetStats(m)

	var (
		counter   presence.Counter = presence.NewMemoryCounter()
		callStore calls.Store      = calls.NewMemoryStore(calls.SystemClock, callRetain)
		limiter   httpx.Limiter    = httpx.PerMinute(rpm)
	)
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer rdb.Close()
		counter = presence.NewRedisCounter(rdb, "")
		callStore = calls.NewRedisStore(rdb, "", calls.RedisTTLs{Ended: callRetain})
		limiter = httpx.NewRedisLimiter(rdb, rpm, time.Minute, "ratelimit:")

		bus := rooms.NewRedisBus(rdb, "", uuid.NewString(), logger)
		registry.SetBus(bus)
		go bus.Run(ctx, registry.DeliverLocal)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info("redis enabled", "addr", addr)
	}

	gw := gateway.New()
	tracker := presence.NewTracker(counter, logger, presence.Announce(gw, func(c presence.Change) {
		m.PresenceChanged(string(c.Identity.Role), c.Online)
	}))
	gw.AddListener(tracker)
	gw.AddListener(registry)

	engine := calls.NewEngine(callStore, registry, logger, calls.Options{
		RequestTimeout:   config.Duration("CALL_REQUEST_TIMEOUT", 30*time.Second),
		MediaRoomBaseURL: config.String("MEDIA_ROOM_BASE_URL", ""),
		Stats:            m,
	})
	defer engine.Close()

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewRepository(pool, outboxRepo)
	sched := scheduling.NewService(repo, storage.NewDirectory(pool), mode,
		scheduling.WithStats(m),
		scheduling.WithPastBookingGuard(config.Duration("BOOKING_PAST_GRACE", 0)),
	)
	logger.Info("scheduler ready", "conflict_mode", string(sched.Mode()))

	brokers := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", ""))
	go outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: 50,
		OnPublish: m.OutboxPublished,
	}).Run(ctx)
	if len(brokers) > 0 {
		bookedConsumer := consumer.New(logger, inbox.NewRepository(pool, "notify-therapist"), consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   outbox.TypeAppointmentBooked,
		}, consumer.NotifyTherapist(registry, logger))
		go bookedConsumer.Run(ctx)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}

	var jwks *auth.JWKSClient
	if url := config.String("JWKS_URL", ""); url != "" {
		jwks = auth.NewJWKSClient(url, config.Duration("JWKS_CACHE_TTL", 10*time.Minute))
	}
	verifier := auth.NewVerifier(jwtSecret, jwks)
	origins := httpx.Origins(config.List("CORS_ALLOWED_ORIGINS", ""))

	healthChecks := make([]grpcx.Check, 0, len(readyChecks))
	for _, rc := range readyChecks {
		healthChecks = append(healthChecks, rc.Check)
	}
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		panic(err)
	}
	go func() {
		logger.Info("grpc health server starting", "addr", lis.Addr().String())
		if err := grpcx.NewHealthServer(logger, healthChecks...).Serve(ctx, lis, 10*time.Second); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	mux := runtime.NewBaseMux(m.Registry, readyChecks...)
	handlers.NewAPI(sched, tracker, engine, logger).Register(mux, handlers.Protect(verifier))
	mux.Handle("POST /webhooks/stripe", handlers.NewStripeWebhook(
		config.String("STRIPE_WEBHOOK_SECRET", ""),
		config.Duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		storage.NewProviderEvents(pool),
		sched,
		logger,
	))
	mux.Handle("GET /ws", ws.NewHandler(verifier, gw, registry, relay.NewRouter(registry), engine, logger, m, ws.Config{
		SendBuffer:      config.Int("WS_SEND_BUFFER", 64),
		EventsPerSecond: config.Float("WS_EVENTS_PER_SECOND", 20),
		Origins:         origins,
	}))

	httpHandler := httpx.Chain(httpx.RecordRoute(mux),
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger, m.ObserveHTTP),
		httpx.WithCORS(origins),
		httpx.RateLimit(limiter, logger, true),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runtime.ServeHTTP(ctx, logger, srv, 10*time.Second)
	gw.DetachAll()
	logger.Info("connections closed")
}
