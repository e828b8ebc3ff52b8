package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"relaycast/internal/models"
	"relaycast/internal/pipeline"
	"relaycast/internal/storage"
)

const (
	previewInput = "input.mp4"
	previewURL   = "rtmps://live.invalid:443/rtmp/preview"
)

type createVideoRequest struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

type createProfileRequest struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

type profileResponse struct {
	models.Profile
	Warnings []string `json:"warnings,omitempty"`
}

type previewRequest struct {
	ProfileID string          `json:"profileId"`
	Data      json.RawMessage `json:"data"`
	Input     string          `json:"input"`
	URL       string          `json:"url"`
	Loop      bool            `json:"loop"`
}

type previewResponse struct {
	Command      []string `json:"command"`
	Encoder      string   `json:"encoder"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	FilterGraph  string   `json:"filterGraph"`
	AudioFilters []string `json:"audioFilters,omitempty"`
	Loop         string   `json:"loop"`
	Warnings     []string `json:"warnings,omitempty"`
}

type pageResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	HasToken  bool      `json:"hasToken"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newPageResponse(page models.Page) pageResponse {
	return pageResponse{
		ID:        page.ID,
		Name:      page.Name,
		Category:  page.Category,
		HasToken:  !page.Token.Empty(),
		UpdatedAt: page.UpdatedAt,
	}
}

// ListVideos returns the content library.
func (h *Handler) ListVideos(c *gin.Context) {
	videos, err := h.Store.ListVideos(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, videos)
}

// CreateVideo registers a local path or s3:// locator.
func (h *Handler) CreateVideo(c *gin.Context) {
	var req createVideoRequest
	if !bindJSON(c, &req) {
		return
	}
	locator := strings.TrimSpace(req.Path)
	if locator == "" {
		abortWithError(c, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = path.Base(locator)
	}
	video, err := h.Store.CreateVideo(c.Request.Context(), storage.CreateVideoParams{Path: locator, Filename: filename})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, video)
}

// ListProfiles returns stored editing profiles.
func (h *Handler) ListProfiles(c *gin.Context) {
	profiles, err := h.Store.ListProfiles(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profiles)
}

// CreateProfile stores an editing profile. Sections that fail to parse are
// kept verbatim and reported as warnings.
func (h *Handler) CreateProfile(c *gin.Context) {
	var req createProfileRequest
	if !bindJSON(c, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		abortWithError(c, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if err := validateProfileDocument(req.Data); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	profile, err := h.Store.CreateProfile(c.Request.Context(), name, req.Data)
	if err != nil {
		h.fail(c, err)
		return
	}
	parsed := pipeline.ParseProfile(profile.Data)
	c.JSON(http.StatusCreated, profileResponse{Profile: profile, Warnings: parsed.Warnings})
}

// PreviewProfile compiles a stored or inline profile and returns the
// transcoder command line it would run.
func (h *Handler) PreviewProfile(c *gin.Context) {
	var req previewRequest
	if !bindJSON(c, &req) {
		return
	}
	data := req.Data
	if id := strings.TrimSpace(req.ProfileID); id != "" {
		stored, err := h.Store.GetProfile(c.Request.Context(), id)
		if err != nil {
			h.fail(c, err)
			return
		}
		data = stored.Data
	} else if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if err := validateProfileDocument(data); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	input := strings.TrimSpace(req.Input)
	if input == "" {
		input = previewInput
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		url = previewURL
	}
	profile := pipeline.ParseProfile(data)
	inv := h.Compiler.Build(input, profile)
	width, height := inv.Size()
	command := append([]string{h.FFmpegPath}, inv.ForStreaming(url, req.Loop)...)
	c.JSON(http.StatusOK, previewResponse{
		Command:      command,
		Encoder:      inv.Encoder(),
		Width:        width,
		Height:       height,
		FilterGraph:  inv.FilterGraph(),
		AudioFilters: inv.AudioFilters(),
		Loop:         string(profile.Loop),
		Warnings:     inv.Warnings,
	})
}

// ListPages returns the destination pages without their credentials.
func (h *Handler) ListPages(c *gin.Context) {
	pages, err := h.Store.ListPages(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]pageResponse, 0, len(pages))
	for _, page := range pages {
		out = append(out, newPageResponse(page))
	}
	c.JSON(http.StatusOK, out)
}

type pageDetailsResponse struct {
	pageResponse
	FanCount   int64  `json:"fanCount"`
	Link       string `json:"link,omitempty"`
	PictureURL string `json:"pictureUrl,omitempty"`
}

// GetPage returns a destination page with the descriptive fields the
// platform reports for it.
func (h *Handler) GetPage(c *gin.Context) {
	ctx := c.Request.Context()
	pageID := c.Param("id")
	details, err := h.Orchestrator.PageDetails(ctx, pageID)
	if err != nil {
		h.fail(c, err)
		return
	}
	page, err := h.Store.GetPage(ctx, pageID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pageDetailsResponse{
		pageResponse: newPageResponse(page),
		FanCount:     details.FanCount,
		Link:         details.Link,
		PictureURL:   details.Picture.Data.URL,
	})
}

// SyncPages refreshes page credentials from the linked account.
func (h *Handler) SyncPages(c *gin.Context) {
	pages, err := h.Orchestrator.SyncPages(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]pageResponse, 0, len(pages))
	for _, page := range pages {
		out = append(out, newPageResponse(page))
	}
	c.JSON(http.StatusOK, out)
}

// validateProfileDocument requires a JSON object. Individual sections are
// checked leniently by the parser.
func validateProfileDocument(data json.RawMessage) error {
	if len(data) == 0 {
		return errors.New("data is required")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("data must be a JSON object: %w", err)
	}
	return nil
}
