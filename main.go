package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	alarmapp "citysense-cloud/internal/alarms/application"
	alarmrepo "citysense-cloud/internal/alarms/infrastructure/postgres"
	alarmhttp "citysense-cloud/internal/alarms/interfaces/http"
	"citysense-cloud/internal/alerts"
	apihttp "citysense-cloud/internal/api/http"
	"citysense-cloud/internal/ingest"
	"citysense-cloud/internal/mqtt"
	"citysense-cloud/internal/observability/metrics"
	rangecache "citysense-cloud/internal/ranges/cache"
	rangerepo "citysense-cloud/internal/ranges/infrastructure/postgres"
	subsrepo "citysense-cloud/internal/subscriptions/infrastructure/postgres"
	telemetrypostgres "citysense-cloud/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	readingRepo := telemetrypostgres.NewReadingRepository(db)
	readingQuery := telemetrypostgres.NewReadingQuery(db)
	rangeRepo := rangerepo.NewRangeRepository(db)
	alarmsRepo := alarmrepo.NewAlarmRepository(db)

	cache, err := rangecache.New(rangeRepo, logger, rangecache.WithTTL(cfg.RangeCacheTTL))
	if err != nil {
		logger.Fatalf("range cache error: %v", err)
	}

	subscriptionRepo, err := subsrepo.NewSubscriptionRepository(db)
	if err != nil {
		logger.Fatalf("subscription repository error: %v", err)
	}

	broker, err := mqtt.Connect(mqtt.Config{
		BrokerURL:      cfg.MQTTBrokerURL,
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		ConnectTimeout: cfg.MQTTConnectTimeout,
		QoS:            cfg.MQTTQoS,
	}, logger)
	if err != nil {
		logger.Fatalf("mqtt connect error: %v", err)
	}
	defer broker.Disconnect(time.Second)

	publisher, err := alerts.NewPublisher(broker, subscriptionRepo, logger,
		alerts.WithTimeout(cfg.AlertPublishTimeout))
	if err != nil {
		logger.Fatalf("alert publisher error: %v", err)
	}

	alarmBroker := alarmhttp.NewBroker()
	engine, err := alarmapp.NewService(alarmsRepo, cache, logger,
		alarmapp.WithNotifier(fanOutNotifier{publisher, alarmBroker}))
	if err != nil {
		logger.Fatalf("alarm engine error: %v", err)
	}

	pipeline, err := ingest.New(readingRepo, engine, subscriptionRepo, broker, logger,
		ingest.WithQueueSize(cfg.IngestQueueSize),
		ingest.WithWorkers(cfg.IngestWorkers),
		ingest.WithDrainGrace(cfg.ShutdownGrace))
	if err != nil {
		logger.Fatalf("pipeline error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cache.Reload(ctx); err != nil {
		logger.Printf("initial range load failed, serving empty ranges: %v", err)
	}
	cache.Start(ctx)
	defer cache.Stop()

	if err := pipeline.Start(ctx); err != nil {
		logger.Fatalf("pipeline start error: %v", err)
	}
	defer pipeline.Stop()

	alarmsHandler, err := apihttp.NewAlarmsHandler(engine)
	if err != nil {
		logger.Fatalf("alarms handler error: %v", err)
	}
	rangesHandler, err := apihttp.NewRangesHandler(cache)
	if err != nil {
		logger.Fatalf("ranges handler error: %v", err)
	}
	readingsHandler, err := apihttp.NewReadingsHandler(readingQuery)
	if err != nil {
		logger.Fatalf("readings handler error: %v", err)
	}
	exportHandler, err := apihttp.NewExportHandler(readingQuery)
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}
	subscriptionsHandler, err := apihttp.NewSubscriptionsHandler(subscriptionRepo, pipeline)
	if err != nil {
		logger.Fatalf("subscriptions handler error: %v", err)
	}
	alertsHandler, err := apihttp.NewAlertsHandler(publisher)
	if err != nil {
		logger.Fatalf("alerts handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/admin/alarms", alarmsHandler)
	mux.Handle("/admin/alarms/stream", alarmhttp.NewStreamHandler(alarmBroker))
	mux.Handle("/admin/ranges", rangesHandler)
	mux.Handle("/admin/readings", readingsHandler)
	mux.Handle("/admin/readings/export", exportHandler)
	mux.Handle("/admin/subscriptions", subscriptionsHandler)
	mux.Handle("/admin/alerts", alertsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: apihttp.LoggingMiddleware(mux, logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	pipeline.Stop()
	publisher.Wait()
	cache.Stop()
}

// ---- Adapters ----

type fanOutNotifier []alarmapp.Notifier

func (n fanOutNotifier) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	for _, notifier := range n {
		notifier.Notify(ctx, event)
	}
}

// ---- Configuration ----

type config struct {
	DatabaseURL         string
	HTTPAddr            string
	MQTTBrokerURL       string
	MQTTClientID        string
	MQTTUsername        string
	MQTTPassword        string
	MQTTQoS             byte
	MQTTConnectTimeout  time.Duration
	RangeCacheTTL       time.Duration
	AlertPublishTimeout time.Duration
	IngestQueueSize     int
	IngestWorkers       int
	ShutdownGrace       time.Duration
}

// fileConfig mirrors config for the optional yaml override; durations are
// strings in time.ParseDuration form.
type fileConfig struct {
	DatabaseURL         string `yaml:"database_url"`
	HTTPAddr            string `yaml:"http_addr"`
	MQTTBrokerURL       string `yaml:"mqtt_broker_url"`
	MQTTClientID        string `yaml:"mqtt_client_id"`
	MQTTUsername        string `yaml:"mqtt_username"`
	MQTTPassword        string `yaml:"mqtt_password"`
	MQTTQoS             *int   `yaml:"mqtt_qos"`
	MQTTConnectTimeout  string `yaml:"mqtt_connect_timeout"`
	RangeCacheTTL       string `yaml:"range_cache_ttl"`
	AlertPublishTimeout string `yaml:"alert_publish_timeout"`
	IngestQueueSize     *int   `yaml:"ingest_queue_size"`
	IngestWorkers       *int   `yaml:"ingest_workers"`
	ShutdownGrace       string `yaml:"shutdown_grace"`
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:         getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:            getenvDefault("HTTP_ADDR", ":8080"),
		MQTTBrokerURL:       getenvDefault("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID:        getenvDefault("MQTT_CLIENT_ID", "citysense-cloud"),
		MQTTUsername:        getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:        getenvDefault("MQTT_PASSWORD", ""),
		MQTTQoS:             byte(getenvIntDefault("MQTT_QOS", 1)),
		MQTTConnectTimeout:  getenvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
		RangeCacheTTL:       getenvDuration("RANGE_CACHE_TTL", rangecache.DefaultTTL),
		AlertPublishTimeout: getenvDuration("ALERT_PUBLISH_TIMEOUT", alerts.DefaultPublishTimeout),
		IngestQueueSize:     getenvIntDefault("INGEST_QUEUE_SIZE", ingest.DefaultQueueSize),
		IngestWorkers:       getenvIntDefault("INGEST_WORKERS", ingest.DefaultWorkers),
		ShutdownGrace:       getenvDuration("SHUTDOWN_GRACE", ingest.DefaultDrainGrace),
	}

	if path := os.Getenv("CITYSENSE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("config file error: %v", err)
		}
		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			log.Fatalf("config parse error: %v", err)
		}
		applyFileConfig(&cfg, file)
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	return cfg
}

func applyFileConfig(cfg *config, file fileConfig) {
	if file.DatabaseURL != "" {
		cfg.DatabaseURL = file.DatabaseURL
	}
	if file.HTTPAddr != "" {
		cfg.HTTPAddr = file.HTTPAddr
	}
	if file.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = file.MQTTBrokerURL
	}
	if file.MQTTClientID != "" {
		cfg.MQTTClientID = file.MQTTClientID
	}
	if file.MQTTUsername != "" {
		cfg.MQTTUsername = file.MQTTUsername
	}
	if file.MQTTPassword != "" {
		cfg.MQTTPassword = file.MQTTPassword
	}
	if file.MQTTQoS != nil {
		cfg.MQTTQoS = byte(*file.MQTTQoS)
	}
	if file.IngestQueueSize != nil {
		cfg.IngestQueueSize = *file.IngestQueueSize
	}
	if file.IngestWorkers != nil {
		cfg.IngestWorkers = *file.IngestWorkers
	}
	applyDuration(&cfg.MQTTConnectTimeout, file.MQTTConnectTimeout)
	applyDuration(&cfg.RangeCacheTTL, file.RangeCacheTTL)
	applyDuration(&cfg.AlertPublishTimeout, file.AlertPublishTimeout)
	applyDuration(&cfg.ShutdownGrace, file.ShutdownGrace)
}

func applyDuration(target *time.Duration, value string) {
	if value == "" {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("config duration %q: %v", value, err)
	}
	*target = parsed
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
