// Package media talks to the externally hosted media-processing backend
// whose base URL is held by the locator store.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"captionai/internal/locator"
	"captionai/internal/logger"
)

const maxResponseBytes = 8 << 20

var (
	// ErrLocatorUnset means no backend url has been configured.
	ErrLocatorUnset = errors.New("media: backend url is not set")
	// ErrMalformedResponse means a 2xx body lacked the expected fields.
	ErrMalformedResponse = errors.New("media: malformed backend response")
)

// UpstreamError is a non-2xx answer from the backend.
type UpstreamError struct {
	Op         string
	StatusCode int
	Status     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("media: %s: backend returned %s", e.Op, e.Status)
}

// Client issues the backend calls. Every call resolves the locator first and
// makes a single attempt; failures are returned as is, without retry.
type Client struct {
	locator    locator.Store
	httpClient *http.Client
}

// NewClient builds a client reading the backend url from store.
// A nil httpClient selects http.DefaultClient.
func NewClient(store locator.Store, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{locator: store, httpClient: httpClient}
}

// Resolve returns the current backend url without a trailing slash.
func (c *Client) Resolve(ctx context.Context) (string, error) {
	base, ok, err := c.locator.Lookup(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve backend url: %w", err)
	}
	if !ok || strings.TrimSpace(base) == "" {
		return "", ErrLocatorUnset
	}
	return strings.TrimRight(base, "/"), nil
}

// Upload sends the asset to {locator}/upload and returns the stored path.
func (c *Client) Upload(ctx context.Context, asset Asset) (ServerPath, error) {
	base, err := c.Resolve(ctx)
	if err != nil {
		return "", err
	}
	body, contentType := multipartBody("file", asset)
	resp, err := c.post(ctx, "upload", base+"/upload", body, contentType)
	if err != nil {
		return "", err
	}
	path, err := decodeUpload(resp)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return path, nil
}

// AnalyzeImage runs keyframe captioning and object detection for path.
func (c *Client) AnalyzeImage(ctx context.Context, path ServerPath) (ImageAnalysis, error) {
	base, err := c.Resolve(ctx)
	if err != nil {
		return ImageAnalysis{}, err
	}
	resp, err := c.post(ctx, "image_process", stageURL(base, "image_process", path), nil, "")
	if err != nil {
		return ImageAnalysis{}, err
	}
	res, err := decodeImageAnalysis(resp)
	if err != nil {
		return ImageAnalysis{}, fmt.Errorf("image_process: %w", err)
	}
	return res, nil
}

// AnalyzeVideo runs motion description and transcription for path.
func (c *Client) AnalyzeVideo(ctx context.Context, path ServerPath) (VideoAnalysis, error) {
	base, err := c.Resolve(ctx)
	if err != nil {
		return VideoAnalysis{}, err
	}
	resp, err := c.post(ctx, "video_process", stageURL(base, "video_process", path), nil, "")
	if err != nil {
		return VideoAnalysis{}, err
	}
	res, err := decodeVideoAnalysis(resp)
	if err != nil {
		return VideoAnalysis{}, fmt.Errorf("video_process: %w", err)
	}
	return res, nil
}

// CaptionImage uploads an image straight to {locator}/caption/img and returns the caption.
func (c *Client) CaptionImage(ctx context.Context, asset Asset) (string, error) {
	base, err := c.Resolve(ctx)
	if err != nil {
		return "", err
	}
	body, contentType := multipartBody("image", asset)
	resp, err := c.post(ctx, "caption/img", base+"/caption/img", body, contentType)
	if err != nil {
		return "", err
	}
	caption, err := decodeCaption(resp)
	if err != nil {
		return "", fmt.Errorf("caption/img: %w", err)
	}
	return caption, nil
}

func stageURL(base, stage string, path ServerPath) string {
	return base + "/" + stage + "?" + url.Values{"video_path": {string(path)}}.Encode()
}

func (c *Client) post(ctx context.Context, op, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.FromContext(ctx).Warn("backend call failed", "op", op, "status", resp.StatusCode)
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%s: %w: body exceeds %d MiB", op, ErrMalformedResponse, maxResponseBytes>>20)
	}
	logger.FromContext(ctx).Debug("backend call finished", "op", op, "bytes", len(data))
	return data, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartBody streams asset as a single-file form so large videos are not
// buffered in memory.
func multipartBody(field string, asset Asset) (io.Reader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(field), quoteEscaper.Replace(asset.Name)))
		ct := asset.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err == nil && asset.Body != nil {
			_, err = io.Copy(part, asset.Body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}
