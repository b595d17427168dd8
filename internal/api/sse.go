package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recapd/recapd/internal/apperr"
	"github.com/recapd/recapd/internal/event"
	"github.com/recapd/recapd/internal/server"
	"github.com/recapd/recapd/internal/server/middleware"
)

// keepAliveInterval should be less than proxy timeouts (typically 60s).
const keepAliveInterval = 30 * time.Second

// Events streams a job's event log over SSE, replaying from sequence zero and
// following live events until the terminal event. One consumer at a time;
// on disconnect the history stays available for a resubscription.
func (h *Handler) Events(c *gin.Context) {
	id := c.Param("id")
	owner := middleware.Owner(c)

	snap, err := h.jobs.Get(id)
	if err != nil || snap.Owner != owner {
		server.RespondWithError(c, apperr.NotFound("job", id))
		return
	}

	buf := h.jobs.Events(id)
	if buf == nil {
		server.RespondWithError(c, apperr.NotFound("job", id))
		return
	}

	stream, err := buf.Subscribe()
	if err != nil {
		ae := apperr.New(apperr.CodeInvalidInput, "Another consumer is already attached to this stream.", http.StatusConflict)
		server.RespondWithError(c, ae)
		return
	}
	defer stream.Close()

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		server.RespondWithError(c, apperr.Internal(errors.New("streaming not supported")))
		return
	}

	// SSE connections outlive the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()

	// Pull events on a separate goroutine so keep-alives flow while the
	// stream is idle. The puller exits with the request context.
	events := make(chan event.Event)
	done := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Next(ctx)
			if err != nil {
				done <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
	}()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("Event stream client disconnected", map[string]interface{}{
				"job_id": id,
			})
			return

		case ev := <-events:
			_, _ = fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
			flusher.Flush()

		case err := <-done:
			if errors.Is(err, event.ErrStreamDone) {
				h.log.Debug("Event stream complete", map[string]interface{}{
					"job_id": id,
				})
			}
			return

		case <-keepAlive.C:
			_, _ = fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}
