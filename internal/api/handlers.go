package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"captionai/internal/captions"
	"captionai/internal/chat"
	"captionai/internal/locator"
	"captionai/internal/logger"
	"captionai/internal/media"
	"captionai/internal/pipeline"
	"captionai/internal/session"
)

const internalErrorMessage = "Internal server error. Please try again."

// Runner executes one caption run. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, mode media.Kind, asset media.Asset) (*pipeline.Bundle, error)
}

// ChatRelay answers a prompt with display text. *chat.Relay implements it.
type ChatRelay interface {
	AskForDisplay(ctx context.Context, req chat.Request) (string, error)
}

// Options tune the mock caption route.
type Options struct {
	Limits             media.Limits
	SimulateProcessing bool
}

// Handler wires HTTP routes to the locator store, the caption pipeline, the
// chat relay and the session store.
type Handler struct {
	locator  locator.Store
	runner   Runner
	relay    ChatRelay
	sessions *session.Manager
	limits   media.Limits
	simulate bool
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewHandler constructs a Handler instance.
func NewHandler(store locator.Store, runner Runner, relay ChatRelay, sessions *session.Manager, opts Options) *Handler {
	limits := opts.Limits
	if limits == (media.Limits{}) {
		limits = media.DefaultLimits
	}
	return &Handler{
		locator:  store,
		runner:   runner,
		relay:    relay,
		sessions: sessions,
		limits:   limits,
		simulate: opts.SimulateProcessing,
		sleep:    sleepContext,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestLogger())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/caption", h.postCaption)
	api.GET("/caption", h.getLocator)
	api.GET("/caption/formats/:format", h.downloadCaptions)
	api.POST("/gemini", h.askGemini)

	sessionRoutes := api.Group("/sessions/:id/:mode")
	sessionRoutes.POST("/generate", h.generate)
	sessionRoutes.POST("/messages", h.sendMessage)
	sessionRoutes.GET("/turns", h.listTurns)
}

// requestLogger puts a request-scoped logger into the request context.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)
		l := logger.L.With("request_id", reqID, "method", c.Request.Method, "path", c.FullPath())
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), l))
		c.Next()
	}
}

func internalError(c *gin.Context, msg string, err error) {
	logger.FromContext(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": internalErrorMessage})
}

// POST /api/caption serves two bodies: a multipart "video" upload gets the
// mock caption result, a JSON {url} body replaces the backend locator.
func (h *Handler) postCaption(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.mockCaption(c)
		return
	}
	h.setLocator(c)
}

func (h *Handler) setLocator(c *gin.Context) {
	var req struct {
		URL *string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "url must be a string"})
		return
	}
	if req.URL == nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "url is required"})
		return
	}
	if err := h.locator.Set(c.Request.Context(), *req.URL); err != nil {
		if errors.Is(err, locator.ErrInvalidURL) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "url is required"})
			return
		}
		internalError(c, "store backend url", err)
		return
	}
	logger.FromContext(c.Request.Context()).Info("backend url updated", "url", *req.URL)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Backend URL updated",
		"url":     *req.URL,
	})
}

func (h *Handler) getLocator(c *gin.Context) {
	url, ok, err := h.locator.Lookup(c.Request.Context())
	if err != nil {
		internalError(c, "read backend url", err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Backend URL is not set"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "url": url})
}

func (h *Handler) mockCaption(c *gin.Context) {
	file, err := c.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video file provided"})
		return
	}
	asset := media.Asset{
		Name:     file.Filename,
		MimeType: file.Header.Get("Content-Type"),
		Size:     file.Size,
	}
	if err := h.limits.Validate(media.KindVideo, asset); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": h.assetMessage(media.KindVideo, err)})
		return
	}

	if h.simulate {
		if err := h.sleep(c.Request.Context(), captions.ProcessingDelay(file.Size)); err != nil {
			internalError(c, "mock caption interrupted", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Captions generated successfully for \"%s\"", file.Filename),
		"data":    captions.Generate(file.Filename, file.Size),
	})
}

// assetMessage renders a media validation error the way the upload form shows it.
func (h *Handler) assetMessage(kind media.Kind, err error) string {
	switch {
	case errors.Is(err, media.ErrInvalidMediaType):
		return fmt.Sprintf("Invalid file type. Please upload %s %s file.", article(kind), kind)
	case errors.Is(err, media.ErrMediaTooLarge):
		limit := h.limits.Video
		if kind == media.KindImage {
			limit = h.limits.Image
		}
		return fmt.Sprintf("File too large. Maximum size is %dMB.", limit>>20)
	}
	return err.Error()
}

func article(kind media.Kind) string {
	if kind == media.KindImage {
		return "an"
	}
	return "a"
}

func (h *Handler) downloadCaptions(c *gin.Context) {
	caps := captions.Fixture()
	format := strings.ToLower(c.Param("format"))
	var (
		body        []byte
		contentType string
	)
	switch format {
	case "srt":
		body, contentType = []byte(captions.FormatSRT(caps)), "text/plain; charset=utf-8"
	case "vtt":
		body, contentType = []byte(captions.FormatVTT(caps)), "text/vtt; charset=utf-8"
	case "json":
		raw, err := json.MarshalIndent(caps, "", "  ")
		if err != nil {
			internalError(c, "encode captions", err)
			return
		}
		body, contentType = raw, "application/json"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be one of srt, vtt, json"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"captions.%s\"", format))
	c.Data(http.StatusOK, contentType, body)
}

type geminiRequest struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context"`
	Caption string `json:"caption"`
	Mode    string `json:"mode"`
}

func (h *Handler) askGemini(c *gin.Context) {
	var req geminiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" || strings.TrimSpace(req.Mode) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Prompt and mode are required."})
		return
	}
	mode, err := media.ParseKind(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be video or image"})
		return
	}

	text, err := h.relay.AskForDisplay(c.Request.Context(), chat.Request{
		Prompt:  req.Prompt,
		Context: req.Context,
		Caption: req.Caption,
		Mode:    mode,
	})
	if err != nil {
		internalError(c, "chat relay failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": text})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
