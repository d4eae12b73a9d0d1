package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"captionai/internal/chat"
	"captionai/internal/logger"
	"captionai/internal/media"
	"captionai/internal/models"
	"captionai/internal/pipeline"
	"captionai/internal/session"
)

// Turn texts shown when a request could not be completed.
const (
	generateFailedText = "❌ An unexpected error occurred while processing your media. Please check your connection and try again."
	chatFailedText     = "❌ Sorry, I couldn't get an answer right now. Please try again."
)

// sessionMode resolves the :id and :mode path params. It writes the error
// response itself and reports false when either is invalid.
func (h *Handler) sessionMode(c *gin.Context) (*session.Session, media.Kind, bool) {
	mode, err := media.ParseKind(c.Param("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be video or image"})
		return nil, "", false
	}
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		} else {
			internalError(c, "load session", err)
		}
		return nil, "", false
	}
	return s, mode, true
}

func (h *Handler) generate(c *gin.Context) {
	s, mode, ok := h.sessionMode(c)
	if !ok {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	release, err := s.Begin(mode)
	if err != nil {
		if errors.Is(err, session.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "captions are already being generated"})
			return
		}
		internalError(c, "begin caption run", err)
		return
	}
	defer release()

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer f.Close()

	ctx := c.Request.Context()
	bundle, err := h.runner.Run(ctx, mode, media.Asset{
		Name:     file.Filename,
		MimeType: file.Header.Get("Content-Type"),
		Size:     file.Size,
		Body:     f,
	})
	if err != nil {
		status, msg := h.runFailure(mode, err)
		turn, terr := s.Append(ctx, mode, models.RoleAssistant, generateFailedText)
		if terr != nil {
			internalError(c, "record failed run", terr)
			return
		}
		if status == http.StatusInternalServerError {
			logger.FromContext(ctx).Error("caption run failed", "session", s.ID, "mode", string(mode), "error", err)
		}
		c.JSON(status, gin.H{"error": msg, "turn": turn})
		return
	}

	if err := s.SetBundle(mode, *bundle); err != nil {
		internalError(c, "store caption bundle", err)
		return
	}
	turn, err := s.Append(ctx, mode, models.RoleAssistant, bundleText(*bundle))
	if err != nil {
		internalError(c, "record caption turn", err)
		return
	}
	logger.FromContext(ctx).Info("caption run", "session", s.ID, "mode", string(mode), "state", pipeline.StateDisplayed.String())
	c.JSON(http.StatusOK, gin.H{
		"caption": bundle.Caption,
		"context": bundle.Context,
		"turn":    turn,
	})
}

// runFailure maps a failed run to an HTTP status and a client message.
func (h *Handler) runFailure(mode media.Kind, err error) (int, string) {
	var (
		upstream *media.UpstreamError
		netErr   *url.Error
	)
	switch {
	case errors.Is(err, media.ErrInvalidMediaType), errors.Is(err, media.ErrMediaTooLarge), errors.Is(err, media.ErrUnknownKind):
		return http.StatusBadRequest, h.assetMessage(mode, err)
	case errors.Is(err, media.ErrLocatorUnset):
		return http.StatusFailedDependency, "Backend URL is not set"
	case errors.As(err, &upstream):
		return http.StatusBadGateway, upstream.Error()
	case errors.Is(err, media.ErrMalformedResponse):
		return http.StatusBadGateway, "media backend returned a malformed response"
	case errors.As(err, &netErr):
		return http.StatusBadGateway, "media backend is unreachable"
	}
	return http.StatusInternalServerError, internalErrorMessage
}

// bundleText is the transcript form of a finished run.
func bundleText(b pipeline.Bundle) string {
	if b.Context == "" {
		return b.Caption
	}
	return b.Caption + "\n\n" + b.Context
}

func (h *Handler) sendMessage(c *gin.Context) {
	s, mode, ok := h.sessionMode(c)
	if !ok {
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	ctx := c.Request.Context()
	userTurn, err := s.Append(ctx, mode, models.RoleUser, req.Prompt)
	if err != nil {
		internalError(c, "record user turn", err)
		return
	}
	pending, err := s.AppendPending(ctx, mode)
	if err != nil {
		internalError(c, "reserve assistant turn", err)
		return
	}

	bundle, _ := s.Bundle(mode)
	text, askErr := h.relay.AskForDisplay(ctx, chat.Request{
		Prompt:  req.Prompt,
		Context: bundle.Context,
		Caption: bundle.Caption,
		Mode:    mode,
	})
	if askErr != nil {
		text = chatFailedText
	}
	assistant, err := s.Resolve(ctx, mode, pending.ID, text)
	if err != nil {
		internalError(c, "record assistant turn", err)
		return
	}
	if askErr != nil {
		internalError(c, "chat relay failed", askErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":      userTurn,
		"assistant": assistant,
	})
}

func (h *Handler) listTurns(c *gin.Context) {
	s, mode, ok := h.sessionMode(c)
	if !ok {
		return
	}
	turns, err := s.Turns(mode)
	if err != nil {
		internalError(c, "list turns", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}
