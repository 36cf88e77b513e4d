package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"runroute.dev/route-metrics/internal/gpx/reader"
	"runroute.dev/route-metrics/internal/routes"
)

const DefaultMaxUploadBytes = 16 << 20

type Config struct {
	Addr           string
	WebhookSecret  string
	MaxUploadBytes int
	AccessLog      bool
}

type Server struct {
	App    *fiber.App
	cfg    Config
	svc    *routes.Service
	logger *slog.Logger
}

func New(cfg Config, svc *routes.Service, logger *slog.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.MaxUploadBytes,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(fiberlogger.New())
	}

	s := &Server{
		App:    app,
		cfg:    cfg,
		svc:    svc,
		logger: logger,
	}
	registerRoutes(s)
	return s
}

func (s *Server) String() string {
	return fmt.Sprintf("http-server(%s)@%p", s.cfg.Addr, s)
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = s.App.Shutdown()
	}()

	if err := s.App.Listener(l); err != nil {
		return err
	}
	return ctx.Err()
}

type webhookPayload struct {
	ID   string `json:"_id"`
	Type string `json:"_type"`
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	s.App.Post("/webhooks/routes", s.checkSecret, func(c *fiber.Ctx) error {
		var body webhookPayload
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if body.Type != "" && body.Type != "route" {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ignored": body.Type})
		}
		if body.ID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "_id required")
		}

		l := s.logger.With("request", uuid.NewString(), "route", body.ID)
		rep, err := s.svc.Refresh(c.UserContext(), body.ID)
		if err != nil {
			l.Error("Webhook refresh failed", "error", err)
			return refreshError(err)
		}
		l.Info("Webhook refresh", "outcome", rep.Outcome)
		return c.JSON(fiber.Map{
			"outcome": rep.Outcome,
			"result":  rep.Result,
		})
	})

	s.App.Post("/gpx/metrics", func(c *fiber.Ctx) error {
		body := c.Body()
		if len(body) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "empty body")
		}
		res, err := s.svc.Measure(c.UserContext(), body)
		if err != nil {
			return refreshError(err)
		}
		return c.JSON(res)
	})
}

func (s *Server) checkSecret(c *fiber.Ctx) error {
	if s.cfg.WebhookSecret == "" {
		return c.Next()
	}
	got := c.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "bad webhook secret")
	}
	return c.Next()
}

func refreshError(err error) error {
	var perr *reader.ParseError
	var merr *reader.MalformedTrackpointError
	switch {
	case errors.Is(err, routes.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, routes.ErrNoGPX), errors.Is(err, reader.ErrEmptyTrack),
		errors.As(err, &perr), errors.As(err, &merr):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var ferr *fiber.Error
	if errors.As(err, &ferr) {
		code = ferr.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
