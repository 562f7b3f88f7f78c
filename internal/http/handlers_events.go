package http

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"saiten/internal/coordinator"
)

// heartbeatInterval keeps intermediaries from closing idle event
// streams.
const heartbeatInterval = 15 * time.Second

// eventsHandler streams lifecycle snapshots for one session as
// server-sent events: the current snapshot first, then every phase or
// progress change. Comment heartbeats fill the gaps and double as the
// disconnect probe.
func eventsHandler(c *fiber.Ctx) error {
	coord := c.Locals("coordinator").(*coordinator.Coordinator)

	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	sub, unsubscribe := coord.Subscribe(sid)
	initial := coord.Snapshot(sid)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		send := func(snap coordinator.Snapshot) bool {
			payload, err := json.Marshal(snap)
			if err != nil {
				return false
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		if !send(initial) {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case snap, open := <-sub:
				if !open {
					return
				}
				if !send(snap) {
					return
				}
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))

	return nil
}
