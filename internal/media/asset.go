package media

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind is the media category a request works on. It doubles as the chat mode.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

var (
	ErrUnknownKind      = errors.New("media: unknown kind")
	ErrInvalidMediaType = errors.New("media: invalid media type")
	ErrMediaTooLarge    = errors.New("media: file too large")
)

// ParseKind accepts "video" or "image".
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindVideo:
		return KindVideo, nil
	case KindImage:
		return KindImage, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Asset is an uploaded file held for the duration of one request.
type Asset struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// ServerPath identifies an asset stored by the backend's upload stage.
// It is opaque and only passed back to later analysis calls.
type ServerPath string

// Limits are the per-kind size ceilings in bytes.
type Limits struct {
	Video int64
	Image int64
}

// DefaultLimits allows 500 MiB videos and 10 MiB images.
var DefaultLimits = Limits{
	Video: 500 << 20,
	Image: 10 << 20,
}

func (l Limits) ceiling(kind Kind) int64 {
	if kind == KindImage {
		return l.Image
	}
	return l.Video
}

// Validate checks the declared MIME category and the size ceiling for kind.
func (l Limits) Validate(kind Kind, a Asset) error {
	if kind != KindVideo && kind != KindImage {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !strings.HasPrefix(strings.ToLower(a.MimeType), string(kind)+"/") {
		return fmt.Errorf("%w: %q is not a %s file", ErrInvalidMediaType, a.MimeType, kind)
	}
	if limit := l.ceiling(kind); limit > 0 && a.Size > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d MiB", ErrMediaTooLarge, a.Size, limit>>20)
	}
	return nil
}
