package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/pkg/model"
)

// eventFrame is the wire shape of one project event on the SSE stream.
type eventFrame struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Events implements GET /projects/{pid}/events: an initial connected
// event, optional replay from ?afterId=, then the live per-project
// stream. Subscriber buffers are bounded; overflow shows up client-side
// as a seq gap, recoverable by reconnecting with afterId.
func (h *Handler) Events(c *gin.Context) {
	project := h.project(c)
	ctx := c.Request.Context()

	// Subscribe before replay so no event falls between the two.
	sub := h.Broker.Subscribe(project.ID)
	defer sub.Close()

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	write := func(eventType string, id string, payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return true
		}
		if id != "" {
			fmt.Fprintf(c.Writer, "id: %s\n", id)
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	if !write("connected", "", gin.H{"projectId": project.ID}) {
		return
	}

	var lastSeq int64
	afterID := c.Query("afterId")
	if afterID == "" {
		afterID = c.Query("since")
	}
	if afterID != "" {
		replay, err := h.Store.ListProjectEventsAfterID(ctx, project.ID, afterID, 1000)
		if err != nil {
			h.Logger.WithError(err).Warn("event replay failed")
		}
		for _, e := range replay {
			if !write(e.Type, e.ID, frameOf(e)) {
				return
			}
			lastSeq = e.Seq
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Seq <= lastSeq {
				continue
			}
			lastSeq = e.Seq
			if !write(e.Type, e.ID, frameOf(e)) {
				return
			}
		}
	}
}

func frameOf(e *model.ProjectEvent) eventFrame {
	return eventFrame{
		ID:        e.ID,
		Seq:       e.Seq,
		Type:      e.Type,
		Data:      json.RawMessage(e.Data),
		CreatedAt: e.CreatedAt,
	}
}
