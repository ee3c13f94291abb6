package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const eventBuffer = 64

// requireUpgrade rejects plain HTTP requests on websocket routes.
func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// ProgressUpdates streams queue events to the client as JSON until either
// side goes away.
func (h *Handler) ProgressUpdates(c *websocket.Conn) {
	events, unsubscribe := h.queue.Subscribe(eventBuffer)
	defer unsubscribe()

	// The client never sends anything; reading detects the close.
	go func() {
		defer unsubscribe()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range events {
		if err := c.WriteJSON(ev); err != nil {
			logger.Debugf("progress client gone: %v", err)
			return
		}
	}
}
