package batch

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
)

// ServeSSE streams a task's events to one client until the task reaches a
// terminal state or the client disconnects.
//
// The wire format is plain SSE data records. Every client sees an init
// snapshot first; clients attached at completion time additionally get the
// frozen final event, so reconnecting after the task finished still yields a
// well-formed init + terminal sequence.
func ServeSSE(c *gin.Context, task *Task) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(interface{ Flush() })
	if !ok {
		c.String(500, "streaming unsupported")
		return
	}

	sub := task.Subscribe()
	defer task.Unsubscribe(sub)

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, open := <-sub.Ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			flusher.Flush()
			if Status(ev.Type).Terminal() {
				return
			}
		case <-clientGone:
			return
		}
	}
}
