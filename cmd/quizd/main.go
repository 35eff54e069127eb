// quizd runs the session and progress engines for a local quiz UI and serves them on a loopback HTTP API.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"geo-quiz/client/internal/api"
	"geo-quiz/client/internal/clock"
	"geo-quiz/client/internal/config"
	"geo-quiz/client/internal/connectivity"
	"geo-quiz/client/internal/db"
	"geo-quiz/client/internal/gateway"
	"geo-quiz/client/internal/offline"
	progressservice "geo-quiz/client/internal/progress/service"
	sessionservice "geo-quiz/client/internal/session/service"
	"geo-quiz/client/internal/store"
	"geo-quiz/client/internal/telemetry"
	telemetryotel "geo-quiz/client/internal/telemetry/otel"
	"geo-quiz/client/internal/telemetry/producer"
	userdomain "geo-quiz/client/internal/user/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SentryDSN != "" {
		if err := telemetry.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
			log.Printf("sentry: init failed: %v", err)
		} else {
			defer telemetry.FlushSentry()
		}
	}

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	metrics, err := telemetry.NewMetrics(providers.MeterProvider.Meter("geoquiz"))
	if err != nil {
		log.Fatalf("telemetry: metrics: %v", err)
	}

	var eventProducer producer.Producer
	if kp := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic); kp != nil {
		eventProducer = kp
	}
	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if eventProducer != nil {
		emitters = append(emitters, eventProducer)
	}
	emitter := telemetry.Multi(emitters...)

	st, pinger, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()
	keys := store.NewKeys(cfg.StoreNamespace)

	clk := clock.Real{}
	client := gateway.NewClient(cfg.APIBaseURL, cfg.HTTPTimeoutDuration())
	creds := gateway.NewCredentials(client, &gateway.ExchangeFlow{Client: client, TokenSource: providerToken})

	manager := sessionservice.NewManager(creds, st, keys, sessionservice.Options{
		RefreshThreshold:   cfg.RefreshThresholdDuration(),
		InactivityTimeout:  cfg.InactivityTimeoutDuration(),
		ValidationInterval: cfg.ValidationIntervalDuration(),
		Clock:              clk,
		Emitter:            emitter,
		Metrics:            metrics,
	})

	var prober connectivity.Prober = connectivity.NewHTTPProber(cfg.ProbeTarget())
	if cfg.ProbeGRPCAddr != "" {
		gp := connectivity.NewGRPCProber(cfg.ProbeGRPCAddr, "")
		defer func() { _ = gp.Close() }()
		prober = gp
	}
	monitor := connectivity.NewMonitor(clk, prober, true)

	queue := offline.NewQueue(st, keys, clk, manager, metrics)
	engine := progressservice.NewEngine(progressservice.Deps{
		Gateway:      gateway.NewGameStats(client),
		Sessions:     manager,
		Connectivity: monitor,
		Queue:        queue,
		Store:        st,
		Keys:         keys,
		Clock:        clk,
		Emitter:      emitter,
	})
	manager.OnAuthenticated(engine.AfterAuthentication)
	unsubscribe := monitor.Subscribe(func(s connectivity.Status) { engine.OnConnectivityChange(s.IsOnline) })
	defer unsubscribe()

	monitor.TestConnectivity(ctx)
	if err := manager.Initialize(ctx); err != nil {
		log.Printf("session: initialize: %v", err)
	}
	if u, ok := manager.CurrentUser(); ok && monitor.IsOnline() {
		go engine.AfterAuthentication(context.WithoutCancel(ctx), u)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(api.Deps{Sessions: manager, Progress: engine, Queue: queue, Connectivity: monitor, Emitter: emitter, Pinger: pinger}).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("quizd: listening on %s (store %s)", cfg.HTTPAddr, cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("quizd: serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("quizd: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("quizd: http shutdown: %v", err)
	}
	manager.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), telemetry.ShutdownDrainDuration)
	if err := telemetry.Flush(flushCtx); err != nil {
		log.Printf("telemetry: events still in flight at shutdown: %v", err)
	}
	flushCancel()
	if eventProducer != nil {
		if err := eventProducer.Close(); err != nil {
			log.Printf("telemetry: kafka close: %v", err)
		}
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry: shutdown: %v", err)
	}
	log.Println("quizd: stopped")
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// openStore builds the configured Local Store Adapter, sealed when an encryption key is set.
// The pinger is nil for the memory driver.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, api.Pinger, func(), error) {
	var (
		st      store.Store
		pinger  api.Pinger
		closeFn = func() {}
	)
	switch cfg.StoreDriver {
	case config.StoreDriverRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, nil, nil, err
		}
		st, pinger, closeFn = store.NewRedisStore(rc), redisPinger{rc}, func() { _ = rc.Close() }
	case config.StoreDriverPostgres:
		sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		st, pinger, closeFn = store.NewPostgresStore(sqlDB), sqlDB, func() { _ = sqlDB.Close() }
	default:
		st = store.NewMemoryStore()
	}

	key, err := cfg.EncryptionKey()
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	if key == nil {
		return st, pinger, closeFn, nil
	}
	keys := store.NewKeys(cfg.StoreNamespace)
	sealed, err := store.NewSealedStore(st, key, keys.IsCredential)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return sealed, pinger, closeFn, nil
}

// providerToken hands the exchange flow the provider token the UI posted with the OAuth request.
func providerToken(ctx context.Context, provider userdomain.Provider) (string, error) {
	if tok, ok := api.ProviderToken(ctx); ok {
		return tok, nil
	}
	return "", errors.New("no " + string(provider) + " token supplied")
}
