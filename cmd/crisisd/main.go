package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/alert"
	"github.com/carecircle/crisis/internal/audit"
	"github.com/carecircle/crisis/internal/detection"
	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/panicmode"
	"github.com/carecircle/crisis/internal/realtime"
	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/cache"
	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/database"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/logging"
	"github.com/carecircle/crisis/internal/shared/metrics"
	secmiddleware "github.com/carecircle/crisis/internal/shared/middleware"
)

const rulesRetryInterval = 30 * time.Second

// App holds the process-wide dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Redis  *redis.Client
	Sink   *events.StreamSink
	Bus    *events.Bus
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, cfg.Server.Env)
	log := logging.Component(logger, "crisisd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &App{Config: cfg, Bus: events.NewBus(logging.Component(logger, "bus"))}

	// Database (optional - memory repositories are used without it)
	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			log.WithError(err).Warn("database not available, running with in-memory storage")
		} else {
			app.DB = db
			defer db.Close()
			if err := database.Migrate(ctx, db.Pool, logging.Component(logger, "migrate")); err != nil {
				log.WithError(err).Error("migration failed")
			}
		}
	}

	var sharedCache cache.Cache
	if cfg.Redis.URL != "" {
		client, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Warn("redis not available, running without cache")
		} else {
			app.Redis = client
			defer client.Close()
			sharedCache = cache.NewRedis(client, "crisis")
		}
	}

	// Event streaming (optional)
	if cfg.KurrentDB.Enabled {
		sink, err := events.NewStreamSink(cfg.KurrentDB, logging.Component(logger, "kurrentdb"))
		if err != nil {
			log.WithError(err).Warn("kurrentdb not available, running without event streaming")
		} else {
			app.Sink = sink
			defer sink.Close()
			sink.Attach(app.Bus)
		}
	}
	if cfg.AMQP.URL != "" {
		forwarder, err := events.NewAMQPForwarder(cfg.AMQP, logging.Component(logger, "amqp"))
		if err != nil {
			log.WithError(err).Warn("amqp not available, events stay in process")
		} else {
			defer forwarder.Close()
			forwarder.Attach(app.Bus)
		}
	}

	// Intervention log
	auditRepo := newAuditRepository(ctx, app, log)
	auditLogger := audit.NewLogger(auditRepo, app.Bus, audit.LoggerConfig{}, logging.Component(logger, "audit"))
	auditLogger.Start()
	defer auditLogger.Stop()
	audit.NewSubscriber(auditLogger).Attach(app.Bus)

	// Notifications
	var notificationStore notification.Store
	if app.DB != nil {
		notificationStore = notification.NewPostgresStore(app.DB.Pool)
	}
	channels := notification.ConfigureChannels(ctx, cfg, logging.Component(logger, "notification"))
	dispatcher := notification.NewDispatcher(cfg.Notification, channels, notificationStore, app.Bus, logging.Component(logger, "dispatcher"))
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// Storage: Postgres when available, memory otherwise
	var (
		alertRepo        alert.Repository            = alert.NewMemoryRepository()
		contacts         alert.ContactStore          = alert.NewMemoryContactStore()
		protocolSource   alert.ProtocolSource        = alert.StaticProtocols(alert.DefaultProtocols())
		relationships    auth.RelationshipDirectory  = auth.NewMemoryRelationships()
		detectionResults detection.ResultRepository  = detection.NewMemoryRepository()
		panicSessions    panicmode.SessionRepository = panicmode.NewMemoryRepository()
		ruleSource       detection.Source            = detection.NewFileSource(cfg.Detection.RulesFile)
	)
	if app.DB != nil {
		alertRepo = alert.NewPostgresRepository(app.DB.Pool)
		contacts = alert.NewPostgresContactStore(app.DB.Pool)
		protocolSource = alert.NewPostgresProtocols(app.DB.Pool)
		relationships = auth.NewPostgresRelationships(app.DB.Pool)
		detectionResults = detection.NewPostgresRepository(app.DB.Pool)
		panicSessions = panicmode.NewPostgresRepository(app.DB.Pool)
		if cfg.Detection.RulesFile == "" {
			ruleSource = detection.NewPostgresSource(app.DB.Pool)
		}
	}

	// Alerts and escalation
	alertManager := alert.NewManager(cfg.Escalation, alert.ManagerDeps{
		Repository: alertRepo,
		Protocols:  alert.NewProtocolEngine(protocolSource, logging.Component(logger, "protocols")),
		Contacts:   contacts,
		Dispatcher: dispatcher,
		Publisher:  app.Bus,
	}, logging.Component(logger, "alerts"))
	defer alertManager.Stop()
	alertManager.Attach(app.Bus)
	if n, err := alertManager.Restore(ctx); err != nil {
		log.WithError(err).Error("failed to restore alerts")
	} else if n > 0 {
		log.WithField("alerts", n).Info("resumed escalation for open alerts")
	}

	// Panic mode
	var locator panicmode.Locator = panicmode.NewMemoryLocator()
	if sharedCache != nil {
		locator = panicmode.NewCacheLocator(sharedCache)
	}
	var emergency panicmode.EmergencyDispatcher = panicmode.NewLogDispatcher(logging.Component(logger, "emergency"))
	if cfg.Twilio.Enabled() && cfg.Panic.DispatchNumber != "" {
		emergency = panicmode.NewCallDispatcher(notification.NewTwilioVoiceChannel(cfg.Twilio), cfg.Panic.DispatchNumber)
	} else {
		log.Warn("emergency dispatch not configured, requests go to the log")
	}
	panicManager := panicmode.NewManager(cfg.Panic, panicmode.ManagerDeps{
		Repository: panicSessions,
		Locator:    locator,
		Dispatcher: emergency,
		Alerts:     alertManager,
		Publisher:  app.Bus,
	}, logging.Component(logger, "panic"))
	defer panicManager.Stop()
	panicManager.Attach(app.Bus)
	if _, err := panicManager.Restore(ctx); err != nil {
		log.WithError(err).Error("failed to restore panic sessions")
	}
	panicManager.Start(ctx)

	// Detection
	if sharedCache != nil {
		ruleSource = detection.NewCachedSource(ruleSource, sharedCache, cfg.Redis.RulesTTL, logging.Component(logger, "rules"))
	}
	rules := detection.NewStore(ruleSource, logging.Component(logger, "rules"))
	if err := rules.Load(ctx); err != nil {
		log.WithError(err).Error("detection rules unavailable, analyzing with an empty rule set until a reload succeeds")
		rules.RetryLoad(ctx, rulesRetryInterval)
	}
	rules.SubscribeReload(app.Bus)
	if cfg.Detection.RulesFile != "" && cfg.Detection.WatchRules {
		watcher := detection.NewRulesWatcher(cfg.Detection.RulesFile, app.Bus, logging.Component(logger, "rules-watcher"))
		if err := watcher.Start(); err != nil {
			log.WithError(err).Warn("rules file watch disabled")
		} else {
			defer watcher.Stop()
		}
	}

	zone, err := time.LoadLocation(cfg.Detection.Timezone)
	if err != nil {
		log.WithError(err).WithField("timezone", cfg.Detection.Timezone).Warn("unknown timezone, using UTC")
		zone = time.UTC
	}
	enricher := detection.NewEnricher(detection.EnricherConfig{
		Location: zone,
		Timeout:  cfg.Detection.ContextTimeout,
		CacheTTL: cfg.Redis.ContextTTL,
	}, detection.EnricherDeps{
		Alerts:    alertManager.CountSince,
		Incidents: panicManager.CountSince,
		Messages:  detectionResults.CountSince,
		Cache:     sharedCache,
	}, logging.Component(logger, "enricher"))

	engine := detection.NewEngine(cfg.Detection, detection.EngineDeps{
		Store:     rules,
		Context:   enricher,
		Publisher: app.Bus,
		Logger:    auditLogger,
		Results:   detectionResults,
	}, logging.Component(logger, "detection"))
	detectionService := detection.NewService(engine, detectionResults)

	// Realtime dashboards
	hub := realtime.NewHub(cfg.Server.AllowedOrigins, logging.Component(logger, "realtime"))
	hub.Start(ctx)
	defer hub.Stop()
	hub.Attach(app.Bus)

	access := auth.NewAccess(relationships)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logging.Component(logger, "http")))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware(cfg.Server.AllowedOrigins))
	r.Use(secmiddleware.NewIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst).Middleware)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))

		// the websocket outlives the request timeout
		r.Handle("/ws", hub)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			detection.NewHandler(detectionService, access).RegisterRoutes(r)
			alert.NewHandler(alertManager, contacts, access).RegisterRoutes(r)
			notification.NewHandler(dispatcher, access).RegisterRoutes(r)
			panicmode.NewHandler(panicManager, access).RegisterRoutes(r)
			audit.NewHandler(auditRepo).RegisterRoutes(r)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("server shutdown error")
		}
		close(done)
	}()

	log.WithFields(logrus.Fields{
		"env":       cfg.Server.Env,
		"port":      cfg.Server.Port,
		"database":  app.DB != nil,
		"redis":     app.Redis != nil,
		"kurrentdb": app.Sink != nil,
		"twilio":    cfg.Twilio.Enabled(),
	}).Info("crisis service listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("server error")
		os.Exit(1)
	}

	<-done
	log.Info("server stopped")
}

// newAuditRepository picks the intervention log backend: KurrentDB when
// streaming is on, then Postgres, then memory.
func newAuditRepository(ctx context.Context, app *App, log *logrus.Entry) audit.Repository {
	if app.Sink != nil {
		repo := audit.NewKurrentDBRepository(app.Sink.Client())
		if err := repo.Initialize(ctx); err != nil {
			log.WithError(err).Warn("audit initialization failed on kurrentdb")
		} else {
			return repo
		}
	}
	if app.DB != nil {
		repo := audit.NewPostgresRepository(app.DB.Pool)
		if err := repo.Initialize(ctx); err != nil {
			log.WithError(err).Warn("audit initialization failed on postgres")
		} else {
			return repo
		}
	}
	log.Warn("intervention log kept in memory")
	return audit.NewMemoryRepository()
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "CareCircle Crisis Service",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if app.Redis != nil {
			if err := app.Redis.Ping(r.Context()).Err(); err != nil {
				checks["redis"] = "not ready: " + err.Error()
			} else {
				checks["redis"] = "ready"
			}
		} else {
			checks["redis"] = "not configured"
		}

		if app.Sink != nil {
			if err := app.Sink.Health(r.Context()); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(allowed, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(allowed []string, origin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(a, origin) {
			return origin
		}
	}
	return ""
}

// requestLogger logs each request through logrus
func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("request handled")
		})
	}
}
