// Package captions produces the fixed demo captions served by the mock
// caption route, and formats captions as SRT and WebVTT.
package captions

import (
	"fmt"
	"strings"
	"time"
)

// Caption is one timed line. Timestamps use the SRT form HH:MM:SS,mmm.
type Caption struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Text  string `json:"text"`
}

type Formats struct {
	SRT  string    `json:"srt"`
	VTT  string    `json:"vtt"`
	JSON []Caption `json:"json"`
}

// Result is the data block of a mock caption response.
type Result struct {
	Filename     string    `json:"filename"`
	FileSize     int64     `json:"fileSize"`
	Duration     string    `json:"duration"`
	CaptionCount int       `json:"captionCount"`
	Captions     []Caption `json:"captions"`
	Formats      Formats   `json:"formats"`
	Confidence   float64   `json:"confidence"`
	Language     string    `json:"language"`
}

// Fixture returns the demo captions.
func Fixture() []Caption {
	return []Caption{
		{Start: "00:00:01,000", End: "00:00:05,000", Text: "Welcome to our presentation on artificial intelligence and machine learning."},
		{Start: "00:00:06,000", End: "00:00:10,000", Text: "Today we'll explore the latest developments in natural language processing."},
		{Start: "00:00:11,000", End: "00:00:15,000", Text: "These technologies are revolutionizing how we interact with computers."},
		{Start: "00:00:16,000", End: "00:00:20,000", Text: "Let's dive into the technical details and practical applications."},
	}
}

// Generate builds the mock result for an uploaded file.
func Generate(filename string, size int64) Result {
	caps := Fixture()
	return Result{
		Filename:     filename,
		FileSize:     size,
		Duration:     "00:00:20",
		CaptionCount: len(caps),
		Captions:     caps,
		Formats: Formats{
			SRT:  FormatSRT(caps),
			VTT:  FormatVTT(caps),
			JSON: caps,
		},
		Confidence: 0.95,
		Language:   "en-US",
	}
}

// FormatSRT renders numbered blocks separated by blank lines.
func FormatSRT(caps []Caption) string {
	blocks := make([]string, len(caps))
	for i, c := range caps {
		blocks[i] = fmt.Sprintf("%d\n%s --> %s\n%s\n", i+1, c.Start, c.End, c.Text)
	}
	return strings.Join(blocks, "\n")
}

// FormatVTT renders a WEBVTT document; the millisecond separator becomes '.'.
func FormatVTT(caps []Caption) string {
	blocks := make([]string, len(caps))
	for i, c := range caps {
		blocks[i] = fmt.Sprintf("%s --> %s\n%s", vttTimestamp(c.Start), vttTimestamp(c.End), c.Text)
	}
	return "WEBVTT\n\n" + strings.Join(blocks, "\n\n")
}

func vttTimestamp(ts string) string {
	return strings.ReplaceAll(ts, ",", ".")
}

// ProcessingDelay is the simulated work time for a file of size bytes:
// 3s plus 100ms per MiB, capped at 10s.
func ProcessingDelay(size int64) time.Duration {
	d := 3*time.Second + time.Duration(float64(size)/(1<<20)*float64(100*time.Millisecond))
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}
