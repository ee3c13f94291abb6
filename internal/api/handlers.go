package api

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/geniusdynamics/upgradeapp/internal/queue"
	"github.com/geniusdynamics/upgradeapp/internal/service"
	"github.com/geniusdynamics/upgradeapp/internal/updater"
)

var logger = loggo.GetLogger("upgradeapp.api")

// Handler exposes the upgrade service over HTTP.
type Handler struct {
	svc   *service.UpgradeService
	queue *queue.Queue
}

// NewHandler creates a Handler. Upgrades are queued on q.
func NewHandler(svc *service.UpgradeService, q *queue.Queue) *Handler {
	return &Handler{svc: svc, queue: q}
}

// UpgradeRequest is the body of POST /api/backends/:backend/upgrade.
type UpgradeRequest struct {
	Item   string `json:"item"`
	DryRun bool   `json:"dry_run"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register mounts all routes on app.
func (h *Handler) Register(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/backends", h.listBackends)
	api.Get("/backends/:backend/items", h.listItems)
	api.Get("/backends/:backend/updates", h.checkUpdates)
	api.Post("/backends/:backend/upgrade", h.upgrade)
	api.Get("/jobs", h.listJobs)
	api.Get("/jobs/:id", h.getJob)

	app.Use("/ws", requireUpgrade)
	app.Get("/ws/progress", websocket.New(h.ProgressUpdates))
}

func (h *Handler) listBackends(c *fiber.Ctx) error {
	return c.JSON(h.svc.Backends(c.UserContext()))
}

func (h *Handler) listItems(c *fiber.Ctx) error {
	return h.run(c, service.Request{Backend: c.Params("backend"), Action: service.ActionList})
}

func (h *Handler) checkUpdates(c *fiber.Ctx) error {
	return h.run(c, service.Request{Backend: c.Params("backend"), Action: service.ActionCheck, Item: c.Query("item")})
}

func (h *Handler) run(c *fiber.Ctx, req service.Request) error {
	res, err := h.svc.Run(c.UserContext(), req)
	if err != nil {
		return c.Status(statusFor(err)).JSON(res)
	}
	return c.JSON(res)
}

func (h *Handler) upgrade(c *fiber.Ctx) error {
	backend := c.Params("backend")
	if !h.svc.Supports(backend) {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: fmt.Sprintf("unsupported backend %q", backend)})
	}

	var body UpgradeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body: " + err.Error()})
		}
	}

	req := service.Request{Backend: backend, Action: service.ActionUpgrade, Item: body.Item, DryRun: body.DryRun}
	job, err := h.queue.Submit(describe(req), func(ctx context.Context, progress func(string)) (any, error) {
		progress(fmt.Sprintf("Starting %s upgrade", backend))
		res, err := h.svc.Run(ctx, req)
		if res != nil && res.Message != "" {
			progress(res.Message)
		}
		return res, err
	})
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job": job})
}

func (h *Handler) listJobs(c *fiber.Ctx) error {
	return c.JSON(h.queue.List())
}

func (h *Handler) getJob(c *fiber.Ctx) error {
	job, err := h.queue.Get(c.Params("id"))
	if err != nil {
		return c.Status(statusFor(err)).JSON(errorResponse{Error: err.Error()})
	}
	return c.JSON(job)
}

func describe(req service.Request) string {
	target := "all items"
	if req.Item != "" {
		target = req.Item
	}
	mode := ""
	if req.DryRun {
		mode = " (dry run)"
	}
	return fmt.Sprintf("upgrade %s: %s%s", req.Backend, target, mode)
}

// statusFor maps error categories to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.NotSupported), errors.Is(err, errors.NotValid):
		return fiber.StatusBadRequest
	case errors.Is(err, errors.NotFound):
		return fiber.StatusNotFound
	case errors.Is(err, updater.ErrUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, errors.Timeout):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
