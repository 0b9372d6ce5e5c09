package httpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ncecere/usage_meter/internal/app"
	"github.com/ncecere/usage_meter/internal/config"
	"github.com/ncecere/usage_meter/internal/limits"
	"github.com/ncecere/usage_meter/internal/models"
	"github.com/ncecere/usage_meter/internal/timeutil"
	"github.com/ncecere/usage_meter/internal/workspaces"
)

// Server wraps the Fiber app hosting the internal read surface: health,
// metrics, and the summary/report endpoints output consumers poll.
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	container *app.Container
}

// New constructs a server with baseline middleware ready.
func New(container *app.Container) (*Server, error) {
	if container == nil {
		return nil, fmt.Errorf("dependency container is required")
	}

	cfg := container.Config
	if cfg == nil {
		return nil, fmt.Errorf("container missing config")
	}

	fiberApp := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "usage-meter",
		ReadTimeout:           cfg.Server.ReadTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
	})

	fiberApp.Use(requestid.New())
	fiberApp.Use(logger.New())
	fiberApp.Use(recover.New())

	if container.Observability != nil && container.Observability.TracerProvider() != nil {
		tracer := otel.Tracer("usage-meter/http")
		fiberApp.Use(func(c *fiber.Ctx) error {
			spanCtx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Path())
			c.SetUserContext(spanCtx)
			err := c.Next()
			route := ""
			if r := c.Route(); r != nil {
				route = r.Path
			}
			span.SetAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", c.Response().StatusCode()),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else if status := c.Response().StatusCode(); status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
			} else {
				span.SetStatus(codes.Ok, "OK")
			}
			span.End()
			return err
		})
	}

	if container.Observability != nil {
		if handler := container.Observability.PrometheusHandler(); handler != nil {
			fiberApp.Get("/metrics", adaptor.HTTPHandler(handler))
		}
	}

	registerRoutes(fiberApp, container)

	return &Server{
		app:       fiberApp,
		cfg:       cfg,
		container: container,
	}, nil
}

// Listen serves until the context is canceled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.cfg.Server.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.GracefulShutdownDelay)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func registerRoutes(fiberApp *fiber.App, container *app.Container) {
	fiberApp.Get("/healthz", func(c *fiber.Ctx) error {
		checks := fiber.Map{"status": "ok"}
		if err := container.DBPool.Ping(c.UserContext()); err != nil {
			checks["status"] = "degraded"
			checks["database"] = err.Error()
		}
		if err := container.Redis.Ping(c.UserContext()).Err(); err != nil {
			checks["status"] = "degraded"
			checks["redis"] = err.Error()
		}
		if checks["status"] != "ok" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(checks)
		}
		return c.JSON(checks)
	})

	internal := fiberApp.Group("/internal/workspaces/:workspace_id")

	internal.Get("/billing-summary", func(c *fiber.Ctx) error {
		workspaceID, err := uuid.Parse(c.Params("workspace_id"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid workspace id")
		}

		if summary, ok := container.BillingCache.GetCachedBillingSummary(c.UserContext(), workspaceID); ok {
			return c.JSON(summary)
		}

		// Cache miss is a normal condition; recompute and repopulate.
		start, end := timeutil.RollingWindow(container.Config.Aggregator.WindowDays, time.Now())
		summary, err := container.Aggregator.AggregateWorkspaceUsage(c.UserContext(), workspaceID, start, end)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, "summary unavailable")
		}
		container.BillingCache.CacheBillingSummary(c.UserContext(), workspaceID, summary, container.Config.Billing.SummaryTTL)
		return c.JSON(summary)
	})

	internal.Get("/billing-report", func(c *fiber.Ctx) error {
		workspaceID, err := uuid.Parse(c.Params("workspace_id"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid workspace id")
		}

		period, err := parsePeriod(c.Query("start"), c.Query("end"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		limitCfg := limits.LimitConfig{RequestsPerMinute: container.Config.RateLimits.ReportRequestsPerMinute}
		if err := container.RateLimiter.Allow(c.UserContext(), workspaceID, "billing_report", limitCfg); err != nil {
			if errors.Is(err, limits.ErrLimitExceeded) {
				return fiber.NewError(fiber.StatusTooManyRequests, "billing report rate limit exceeded")
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		report, err := container.Calculator.GenerateBillingReport(c.UserContext(), workspaceID, period)
		if err != nil {
			if errors.Is(err, workspaces.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "workspace not found")
			}
			if errors.Is(err, timeutil.ErrInvalidRange) {
				return fiber.NewError(fiber.StatusBadRequest, "end must be after start")
			}
			return fiber.NewError(fiber.StatusBadGateway, "billing report unavailable")
		}
		return c.JSON(report)
	})
}

// parsePeriod accepts RFC3339 timestamps or bare dates; a bare end date is
// treated as inclusive by advancing it one day.
func parsePeriod(startRaw, endRaw string) (models.BillingPeriod, error) {
	if startRaw == "" || endRaw == "" {
		return models.BillingPeriod{}, fmt.Errorf("start and end are required")
	}

	start, _, err := parseTimestamp(startRaw)
	if err != nil {
		return models.BillingPeriod{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endIsDay, err := parseTimestamp(endRaw)
	if err != nil {
		return models.BillingPeriod{}, fmt.Errorf("invalid end: %w", err)
	}
	if endIsDay {
		end = end.AddDate(0, 0, 1)
	}
	return models.BillingPeriod{Start: start, End: end}, nil
}

func parseTimestamp(raw string) (time.Time, bool, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), false, nil
	}
	ts, err := timeutil.ParseDayKey(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}
