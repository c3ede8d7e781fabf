package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/slidevoice/api/internal/service"
	"github.com/slidevoice/api/pkg/response"
)

type HealthHandler struct {
	service *service.HealthService
}

func NewHealthHandler(svc *service.HealthService) *HealthHandler {
	return &HealthHandler{service: svc}
}

// Health handles GET /health. It answers 200 whenever the process is up;
// missing tools only change the reported status.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return response.OK(c, h.service.Check(c.Context()))
}

// Root handles GET /
func (h *HealthHandler) Root(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"service":   "slidevoice",
		"timestamp": time.Now().Unix(),
		"endpoints": fiber.Map{
			"upload":    "POST /upload",
			"status":    "GET /status/{task_id}",
			"download":  "GET /download/{task_id}",
			"tasks":     "GET /tasks",
			"delete":    "DELETE /tasks/{task_id}",
			"health":    "GET /health",
			"websocket": "GET /ws/tasks/{task_id}",
		},
	})
}
