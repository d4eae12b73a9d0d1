package media

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response shapes of the external backend. The flat form ({"ic": ..., "od": ...})
// is the documented contract; the same fields nested under "result" are also
// accepted because some backend builds wrap them.

// ImageAnalysis is the keyframe stage output.
type ImageAnalysis struct {
	CaptionText         string `json:"caption_text"`
	ObjectDetectionText string `json:"object_detection_text"`
}

// VideoAnalysis is the motion/audio stage output.
type VideoAnalysis struct {
	MotionText     string `json:"motion_text"`
	TranscriptText string `json:"transcript_text"`
}

func decodeUpload(body []byte) (ServerPath, error) {
	vals, err := decodeFields(body, "path")
	if err != nil {
		return "", err
	}
	if vals[0] == "" {
		return "", fmt.Errorf("%w: empty %q", ErrMalformedResponse, "path")
	}
	return ServerPath(vals[0]), nil
}

func decodeImageAnalysis(body []byte) (ImageAnalysis, error) {
	vals, err := decodeFields(body, "ic", "od")
	if err != nil {
		return ImageAnalysis{}, err
	}
	return ImageAnalysis{CaptionText: vals[0], ObjectDetectionText: vals[1]}, nil
}

func decodeVideoAnalysis(body []byte) (VideoAnalysis, error) {
	vals, err := decodeFields(body, "video_motion", "transcript")
	if err != nil {
		return VideoAnalysis{}, err
	}
	return VideoAnalysis{MotionText: vals[0], TranscriptText: vals[1]}, nil
}

// decodeCaption reads the /caption/img body: a JSON string is unquoted,
// anything else is returned as trimmed text.
func decodeCaption(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty caption body", ErrMalformedResponse)
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s, nil
	}
	return string(trimmed), nil
}

func decodeFields(body []byte, names ...string) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if _, ok := obj[names[0]]; !ok {
		if nested, ok := obj["result"]; ok {
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(nested, &inner); err == nil {
				obj = inner
			}
		}
	}
	out := make([]string, len(names))
	for i, name := range names {
		raw, ok := obj[name]
		if !ok || string(raw) == "null" {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedResponse, name)
		}
		out[i] = textValue(raw)
	}
	return out, nil
}

// textValue renders a field as text. Non-string values keep their compact JSON form.
func textValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return strings.TrimSpace(string(raw))
}
