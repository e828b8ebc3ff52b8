package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"relaycast/internal/models"
	"relaycast/internal/orchestrator"
)

type createJobsRequest struct {
	PageIDs             []string   `json:"pageIds"`
	VideoIDs            []string   `json:"videoIds"`
	Playlist            bool       `json:"playlist"`
	ProfileID           string     `json:"profileId"`
	TitleTemplate       string     `json:"titleTemplate"`
	DescriptionTemplate string     `json:"descriptionTemplate"`
	FirstComment        string     `json:"firstComment"`
	ScheduledAt         *time.Time `json:"scheduledAt"`
	Priority            int        `json:"priority"`
	Loop                string     `json:"loop"`
}

type updateLiveRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// CreateJobs queues jobs for every requested page and video combination.
func (h *Handler) CreateJobs(c *gin.Context) {
	var req createJobsRequest
	if !bindJSON(c, &req) {
		return
	}
	var loop models.LoopMode
	if strings.TrimSpace(req.Loop) != "" {
		parsed, ok := models.ParseLoopMode(req.Loop)
		if !ok {
			abortWithError(c, http.StatusBadRequest, fmt.Errorf("unknown loop mode %q", req.Loop))
			return
		}
		loop = parsed
	}
	jobs, err := h.Orchestrator.CreateJobs(c.Request.Context(), orchestrator.CreateJobsRequest{
		PageIDs:             req.PageIDs,
		VideoIDs:            req.VideoIDs,
		Playlist:            req.Playlist,
		ProfileID:           strings.TrimSpace(req.ProfileID),
		TitleTemplate:       req.TitleTemplate,
		DescriptionTemplate: req.DescriptionTemplate,
		FirstComment:        req.FirstComment,
		ScheduledAt:         req.ScheduledAt,
		Priority:            req.Priority,
		LoopMode:            loop,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, jobs)
}

// ListJobs returns every job joined with names and its latest session. The
// optional status query parameter filters by job status.
func (h *Handler) ListJobs(c *gin.Context) {
	views, err := h.Orchestrator.ListJobs(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := models.JobStatus(strings.ToLower(raw))
		if !models.IsKnownJobStatus(status) {
			abortWithError(c, http.StatusBadRequest, fmt.Errorf("unknown status %q", raw))
			return
		}
		filtered := views[:0]
		for _, view := range views {
			if view.Job.Status == status {
				filtered = append(filtered, view)
			}
		}
		views = filtered
	}
	c.JSON(http.StatusOK, views)
}

// StopJob stops one job.
func (h *Handler) StopJob(c *gin.Context) {
	job, err := h.Orchestrator.StopJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// StopAll stops every active job.
func (h *Handler) StopAll(c *gin.Context) {
	count, err := h.Orchestrator.StopAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stopped": count})
}

// RestartJob requeues an idle job.
func (h *Handler) RestartJob(c *gin.Context) {
	job, err := h.Orchestrator.RestartJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// UpdateLive changes the title and description of a live broadcast.
func (h *Handler) UpdateLive(c *gin.Context) {
	var req updateLiveRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Title == nil && req.Description == nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("title or description is required"))
		return
	}
	update := orchestrator.LiveMetadata{Title: req.Title, Description: req.Description}
	if err := h.Orchestrator.UpdateLiveMetadata(c.Request.Context(), c.Param("id"), update); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
