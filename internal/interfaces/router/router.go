package router

import (
	"chiffrage-backend/internal/application/estimate"
	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/config"
	"chiffrage-backend/internal/infrastructure/database"
	estimatehandler "chiffrage-backend/internal/interfaces/handlers/estimate"
	healthhandler "chiffrage-backend/internal/interfaces/handlers/health"
	"chiffrage-backend/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type gormDBPinger struct {
	db *gorm.DB
}

func (g *gormDBPinger) Ping() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// App is the HTTP application together with the clients it was built on.
// DB and Rdb are nil when the matching URL is not configured.
type App struct {
	Fiber  *fiber.App
	DB     *gorm.DB
	Rdb    *redis.Client
	Events *events.RedisQueue
}

func newRedis(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

func CreateApp(cfg *config.Config) (*App, error) {
	app := fiber.New(fiber.Config{
		DisableStartupMessage:   true,
		ErrorHandler:            middleware.ErrorHandler,
		EnableTrustedProxyCheck: true,
	})

	rdb, err := newRedis(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedSuffix: cfg.FrontendURLEndsWith,
		DevPassword:   cfg.DevPassword,
	}))
	app.Use(middleware.HealthMarker(rdb))
	app.Use(middleware.Tracing())
	app.Use(middleware.RouteLogger())

	out := &App{Fiber: app, Rdb: rdb}
	if rdb != nil {
		out.Events = &events.RedisQueue{Rdb: rdb, Key: cfg.EventsQueueKey}
	}

	hh := &healthhandler.Handlers{
		Rdb:            rdb,
		HealthAdminKey: cfg.HealthAdminKey,
	}
	if out.Events != nil {
		hh.Events = out.Events
	}
	app.Post("/health/reset", hh.Reset)
	app.Get("/health/json", hh.JSON)
	app.Get("/health/errors", hh.Errors)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if cfg.DatabaseURL == "" {
		log.Warn().Msg("no database configured, estimate routes are disabled")
		return out, nil
	}
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	out.DB = db
	hh.DB = &gormDBPinger{db: db}

	opts := estimate.Options{
		MaxIDAttempts:          cfg.MaxIDAttempts,
		MaxDesignationAttempts: cfg.MaxDesignationAttempts,
		LockTimeout:            cfg.LockTimeout,
	}
	if out.Events != nil {
		opts.Events = out.Events
	}
	eh := &estimatehandler.Handlers{Service: estimate.NewService(db, opts)}
	eh.Register(app.Group("/api/v1"))

	return out, nil
}
