package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 1)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// Health reports datastore reachability and the number of supervised jobs.
func (h *Handler) Health(c *gin.Context) {
	components, status, code := h.componentHealth(c.Request.Context())
	active := 0
	if h.Orchestrator != nil {
		active = len(h.Orchestrator.ActiveJobs())
	}
	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"activeJobs": active,
	})
}

// MetricsText writes the Prometheus text exposition.
func (h *Handler) MetricsText(c *gin.Context) {
	h.Metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
