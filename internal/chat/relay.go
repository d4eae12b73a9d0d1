// Package chat relays user prompts, together with the latest caption bundle,
// to a generative model.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"captionai/internal/logger"
	"captionai/internal/media"
)

// ErrorMarker prefixes the text shown in place of a reply when the model
// provider fails.
const ErrorMarker = "❌ Gemini API error: "

const systemPrompt = "You are a chatbot that helps users with their questions and tasks regarding video and image captioning. " +
	"Your task is to provide accurate and helpful responses based on the user's input and provided context."

var (
	ErrAPIKeyUnset    = errors.New("chat: model api key is not set")
	ErrPromptRequired = errors.New("chat: prompt is required")
	ErrModeRequired   = errors.New("chat: mode is required")
)

// ProviderError wraps a failure of the model call itself.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return e.Err.Error() }

func (e *ProviderError) Unwrap() error { return e.Err }

// Request is one prompt. Context and Caption may be empty.
type Request struct {
	Prompt  string
	Context string
	Caption string
	Mode    media.Kind
}

// Relay makes one model call per Ask, with no retry or streaming.
// A Relay without a generator fails every Ask with ErrAPIKeyUnset.
type Relay struct {
	gen Generator
}

func NewRelay(gen Generator) *Relay {
	return &Relay{gen: gen}
}

// Ask returns the model's text, or a *ProviderError when the call fails.
func (r *Relay) Ask(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrPromptRequired
	}
	if req.Mode == "" {
		return "", ErrModeRequired
	}
	if _, err := media.ParseKind(string(req.Mode)); err != nil {
		return "", err
	}
	if r == nil || r.gen == nil {
		return "", ErrAPIKeyUnset
	}

	msg, err := r.gen.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(BuildPrompt(req)),
	})
	if err != nil {
		return "", &ProviderError{Err: err}
	}
	if msg == nil {
		return "", &ProviderError{Err: errors.New("empty response")}
	}
	if msg.Content != "" {
		return msg.Content, nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", &ProviderError{Err: fmt.Errorf("encode response: %w", err)}
	}
	return string(raw), nil
}

// AskForDisplay is Ask for user-facing callers: a provider failure becomes
// the marked error text instead of an error. Configuration and validation
// errors are still returned.
func (r *Relay) AskForDisplay(ctx context.Context, req Request) (string, error) {
	text, err := r.Ask(ctx, req)
	if err == nil {
		return text, nil
	}
	if shown, ok := Display(err); ok {
		logger.FromContext(ctx).Warn("chat model call failed", "mode", string(req.Mode), "error", err)
		return shown, nil
	}
	return "", err
}

// Display renders a provider failure as chat text.
func Display(err error) (string, bool) {
	var perr *ProviderError
	if !errors.As(err, &perr) {
		return "", false
	}
	return ErrorMarker + perr.Error(), true
}

// BuildPrompt lays out the caption and context of the current mode ahead of
// the user's prompt.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s caption: %s\n", req.Mode, orNone(req.Caption))
	fmt.Fprintf(&b, "%s context: %s\n\n", req.Mode, orNone(req.Context))
	fmt.Fprintf(&b, "prompt: %s", req.Prompt)
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
