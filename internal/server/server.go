// Package server exposes chat sessions over REST and WebSocket.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"carelink/internal/ai"
	"carelink/internal/attachment"
	"carelink/internal/cache"
	"carelink/internal/config"
	"carelink/internal/dispatcher"
	"carelink/internal/escalation"
	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/notifications"
	"carelink/internal/observability"
	"carelink/internal/registry"
	"carelink/internal/session"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// attachmentsPath is where in-memory attachments are served from.
const attachmentsPath = "/attachments"

// Deps are already-initialized collaborators. Zero values are filled from config.
type Deps struct {
	Redis     *redis.Client
	Completer ai.Completer
	Blobs     attachment.BlobStore
	Ledger    escalation.Ledger
	LedgerDB  *gorm.DB
	Transport dispatcher.Transport
	Rooms     []models.ChatRoom
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	redis          *redis.Client
	ledgerDB       *gorm.DB
	blobs          attachment.BlobStore
	notifier       *notifications.Notifier
	hub            *notifications.Hub
	sessions       *session.Manager
	promMiddleware *fiberprometheus.FiberPrometheus

	appOnce     sync.Once
	app         *fiber.App
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
}

// NewServer creates a server, connecting to every backend the config names.
func NewServer(cfg *config.Config) (*Server, error) {
	rdb := cache.InitRedis(cfg.RedisURL)
	deps, err := BuildDeps(context.Background(), cfg, rdb)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}
	return NewServerWithDeps(cfg, deps)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
func NewServerWithDeps(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Rooms == nil {
		rooms, err := registry.LoadSeedFile(cfg.SeedRoomsFile)
		if err != nil {
			return nil, err
		}
		deps.Rooms = rooms
	}
	if deps.Blobs == nil {
		deps.Blobs = attachment.NewMemoryBlobStore(attachmentsPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         cfg,
		redis:          deps.Redis,
		ledgerDB:       deps.LedgerDB,
		blobs:          deps.Blobs,
		notifier:       notifications.NewNotifier(deps.Redis),
		promMiddleware: middleware.InitMetrics("carelink-api"),
		shutdownCtx:    ctx,
		shutdownFn:     cancel,
	}
	s.hub = notifications.NewHub(s.notifier)

	transport := deps.Transport
	if transport == nil {
		if s.notifier.Enabled() {
			transport = s.notifier
		} else {
			transport = dispatcher.SimulatedTransport{Delay: cfg.SendAckDelay()}
		}
	}

	limits := attachment.Limits{MaxBytes: cfg.AttachmentMaxBytes(), AllowedTypes: cfg.AllowedAttachmentTypes()}
	if len(limits.AllowedTypes) == 0 {
		limits.AllowedTypes = attachment.DefaultLimits().AllowedTypes
	}

	factory := session.Deps{
		Rooms:     deps.Rooms,
		Completer: deps.Completer,
		Notifier:  s.notifier,
		Ledger:    deps.Ledger,
		Blobs:     deps.Blobs,
		Limits:    limits,
		Transport: transport,
		Sink: func(ev models.RoomEvent) {
			s.hub.Publish(s.shutdownCtx, ev)
		},
		AITimeout:         cfg.AITimeout(),
		SendTimeout:       cfg.SendTimeout(),
		EmergencyAckDelay: cfg.EmergencyAckDelay(),
	}.Factory()
	s.sessions = session.NewManager(factory, cfg.SessionIdleTimeout(), session.WithOnClose(s.hub.CloseSession))

	return s, nil
}

// Sessions exposes the session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// App returns the Fiber app, building it on first use.
func (s *Server) App() *fiber.App {
	s.appOnce.Do(func() {
		app := fiber.New(fiber.Config{
			AppName:   "CareLink Chat API",
			BodyLimit: s.bodyLimit(),
			// Session and room ids outlive the request in session maps and
			// background turns, so they must not alias fasthttp buffers.
			Immutable: true,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				var fe *fiber.Error
				if errors.As(err, &fe) {
					code := models.CodeValidation
					switch {
					case fe.Code == fiber.StatusNotFound:
						code = models.CodeNotFound
					case fe.Code >= fiber.StatusInternalServerError:
						code = models.CodeInternal
					}
					return models.RespondWithError(c, fe.Code, &models.AppError{Code: code, Message: fe.Message})
				}
				observability.Logger.ErrorContext(c.UserContext(), "unhandled error", "error", err)
				return models.RespondWithError(c, models.StatusForError(err), err)
			},
		})
		s.SetupMiddleware(app)
		s.SetupRoutes(app)
		s.app = app
	})
	return s.app
}

func (s *Server) bodyLimit() int {
	const files = 5
	limit := s.config.AttachmentMaxBytes()*files + 1<<20
	if limit < 4<<20 {
		return 4 << 20
	}
	return int(limit)
}

// SetupMiddleware installs the global middleware chain.
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	// Request and session ids into the request context
	app.Use(middleware.ContextMiddleware())

	if s.config.TracingEnabled {
		app.Use(middleware.TracingMiddleware())
	}

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	// Security headers
	app.Use(helmet.New(helmet.Config{CrossOriginResourcePolicy: "cross-origin"}))

	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Accept-Language, " + middleware.SessionHeader +
			", X-User-ID, X-User-Name, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		MaxAge: 86400,
	}))

	// Global rate limiting (300 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes registers every endpoint.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{Title: "CareLink Chat Metrics"}))
	api.Get("/alerts", s.GetRecentAlerts)

	rooms := api.Group("/rooms", s.SessionRequired())
	rooms.Get("/", s.GetRooms)
	rooms.Post("/emergency", s.CreateEmergencyRoom)
	rooms.Put("/:id/active", s.SetActiveRoom)
	rooms.Delete("/:id", s.DeactivateRoom)
	rooms.Get("/:id/typing", s.GetTyping)
	rooms.Post("/:id/read", s.MarkRoomRead)
	rooms.Put("/:id/participants/:participantId/presence", s.SetPresence)
	rooms.Get("/:id/messages", s.GetMessages)
	rooms.Post("/:id/messages",
		middleware.RateLimit(s.redis, s.config.SendRateLimitPerMin, time.Minute, "send"),
		s.SendMessage,
	)
	rooms.Post("/:id/messages/:messageId/read", s.MarkRead)
	rooms.Post("/:id/messages/:messageId/delivered", s.MarkDelivered)

	sess := api.Group("/session", s.SessionRequired())
	sess.Put("/language", s.SetLanguage)
	sess.Delete("/", s.EndSession)

	if mem, ok := s.blobs.(*attachment.MemoryBlobStore); ok {
		app.Get(attachmentsPath+"/*", s.ServeMemoryAttachment(mem))
	} else if _, ok := s.blobs.(*attachment.LocalBlobStore); ok {
		app.Static(attachmentsPath, s.config.BlobLocalDir)
	}

	app.Use("/ws", s.WebSocketUpgrade())
	app.Get("/ws", s.WebSocketEvents())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports the state of optional backends. Redis and the ledger
// database are optional; they only fail readiness when configured and down.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	ledgerStatus := "memory"
	if s.ledgerDB != nil {
		ledgerStatus = "healthy"
		if sqlDB, err := s.ledgerDB.DB(); err != nil {
			ledgerStatus = "unhealthy"
		} else if err := sqlDB.PingContext(ctx); err != nil {
			ledgerStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overall := "healthy"
	if redisStatus == "unhealthy" || ledgerStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status":   overall,
		"sessions": s.sessions.Count(),
		"checks": fiber.Map{
			"redis":  redisStatus,
			"ledger": ledgerStatus,
		},
		"time": time.Now(),
	})
}

// Start starts the server
func (s *Server) Start() error {
	app := s.App()

	if s.notifier.Enabled() {
		if err := s.hub.StartWiring(s.shutdownCtx); err != nil {
			observability.Logger.Error("failed to start room event wiring", "hub", s.hub.Name(), "error", err)
		}
	}
	s.sessions.StartReaper(time.Minute)

	observability.Logger.Info("server starting", "port", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

// Shutdown stops accepting requests, drains sessions, then closes backends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			observability.Logger.Error("error shutting down HTTP server", "error", err)
		}
	}

	if err := s.sessions.Shutdown(ctx); err != nil {
		observability.Logger.Warn("sessions closed with pending work", "error", err)
	}

	if err := s.hub.Shutdown(ctx); err != nil {
		observability.Logger.Error("error shutting down hub", "hub", s.hub.Name(), "error", err)
	}

	// Stop Redis subscribers only after sessions have flushed their events.
	s.shutdownFn()

	if s.ledgerDB != nil {
		if sqlDB, err := s.ledgerDB.DB(); err == nil {
			if cerr := sqlDB.Close(); cerr != nil {
				observability.Logger.Error("error closing ledger DB", "error", cerr)
			}
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			observability.Logger.Error("error closing redis", "error", rerr)
		}
	}

	observability.Logger.Info("server shutdown complete")
	return nil
}
