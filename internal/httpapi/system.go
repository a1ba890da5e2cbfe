package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// startupTask is one in-flight dispatcher job surfaced to the UI.
type startupTask struct {
	JobID   string `json:"jobId"`
	JobType string `json:"jobType"`
	Attempt int    `json:"attempt"`
}

// SystemStatus implements GET /projects/{pid}/system/status.
func (h *Handler) SystemStatus(c *gin.Context) {
	tasks := []startupTask{}
	if h.Dispatcher != nil {
		for _, j := range h.Dispatcher.InFlight() {
			tasks = append(tasks, startupTask{
				JobID:   j.ID,
				JobType: string(j.Type),
				Attempt: j.Attempts,
			})
		}
	}

	started, failed := h.Completions.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"messages":     []string{},
		"startupTasks": tasks,
		"completions": gin.H{
			"started": started,
			"failed":  failed,
		},
	})
}
