// Package pipeline runs one "generate captions" cycle: resolve the backend,
// upload, run the analysis stages and fold their output into a text bundle.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"captionai/internal/logger"
	"captionai/internal/media"
)

// Labels used when assembling a bundle.
const (
	LabelMotion     = "Video Motion: "
	LabelTranscript = "Audio Transcript: "
	LabelKeyFrames  = "Key Frames caption: "
	LabelObjects    = "Object Detection: "
)

type State int

const (
	StateIdle State = iota
	StateLocatorResolved
	StateUploaded
	StateAnalyzing
	StateAssembled
	StateDisplayed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocatorResolved:
		return "locator_resolved"
	case StateUploaded:
		return "uploaded"
	case StateAnalyzing:
		return "analyzing"
	case StateAssembled:
		return "assembled"
	case StateDisplayed:
		return "displayed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Processor is the backend surface a run needs. *media.Client implements it.
type Processor interface {
	Resolve(ctx context.Context) (string, error)
	Upload(ctx context.Context, asset media.Asset) (media.ServerPath, error)
	AnalyzeImage(ctx context.Context, path media.ServerPath) (media.ImageAnalysis, error)
	AnalyzeVideo(ctx context.Context, path media.ServerPath) (media.VideoAnalysis, error)
	CaptionImage(ctx context.Context, asset media.Asset) (string, error)
}

// Bundle is the assembled output of a run.
type Bundle struct {
	Mode    media.Kind `json:"mode"`
	Caption string     `json:"caption"`
	Context string     `json:"context"`
}

// StageError reports the state a run was trying to reach when it failed.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Observer is told about every state a run enters.
type Observer func(ctx context.Context, state State, err error)

type Orchestrator struct {
	proc    Processor
	limits  media.Limits
	observe Observer
}

// New returns an orchestrator over proc. A nil observer logs transitions.
func New(proc Processor, limits media.Limits, observe Observer) *Orchestrator {
	if observe == nil {
		observe = logTransition
	}
	return &Orchestrator{proc: proc, limits: limits, observe: observe}
}

func logTransition(ctx context.Context, state State, err error) {
	if err != nil {
		logger.FromContext(ctx).Warn("caption run failed", "state", state.String(), "error", err)
		return
	}
	logger.FromContext(ctx).Debug("caption run", "state", state.String())
}

// Run executes one orchestration run for mode. It returns no partial bundle
// on failure and never retries.
func (o *Orchestrator) Run(ctx context.Context, mode media.Kind, asset media.Asset) (*Bundle, error) {
	o.observe(ctx, StateIdle, nil)
	if err := o.limits.Validate(mode, asset); err != nil {
		return nil, o.fail(ctx, StateIdle, err)
	}

	if _, err := o.proc.Resolve(ctx); err != nil {
		return nil, o.fail(ctx, StateLocatorResolved, err)
	}
	o.observe(ctx, StateLocatorResolved, nil)

	var (
		bundle Bundle
		err    error
	)
	switch mode {
	case media.KindVideo:
		bundle, err = o.runVideo(ctx, asset)
	default:
		bundle, err = o.runImage(ctx, asset)
	}
	if err != nil {
		return nil, err
	}
	o.observe(ctx, StateAssembled, nil)
	return &bundle, nil
}

func (o *Orchestrator) runVideo(ctx context.Context, asset media.Asset) (Bundle, error) {
	path, err := o.proc.Upload(ctx, asset)
	if err != nil {
		return Bundle{}, o.fail(ctx, StateUploaded, err)
	}
	o.observe(ctx, StateUploaded, nil)

	o.observe(ctx, StateAnalyzing, nil)
	var (
		img media.ImageAnalysis
		vid media.VideoAnalysis
	)
	// the two stages only share the path; neither waits for the other
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		img, err = o.proc.AnalyzeImage(gctx, path)
		return err
	})
	g.Go(func() error {
		var err error
		vid, err = o.proc.AnalyzeVideo(gctx, path)
		return err
	})
	if err := g.Wait(); err != nil {
		return Bundle{}, o.fail(ctx, StateAnalyzing, err)
	}
	return AssembleVideo(img, vid), nil
}

func (o *Orchestrator) runImage(ctx context.Context, asset media.Asset) (Bundle, error) {
	o.observe(ctx, StateAnalyzing, nil)
	caption, err := o.proc.CaptionImage(ctx, asset)
	if err != nil {
		return Bundle{}, o.fail(ctx, StateAnalyzing, err)
	}
	return Bundle{Mode: media.KindImage, Caption: caption}, nil
}

func (o *Orchestrator) fail(ctx context.Context, state State, err error) error {
	o.observe(ctx, StateFailed, err)
	return &StageError{State: state, Err: err}
}

// AssembleVideo folds both analysis results into labelled caption and context blocks.
func AssembleVideo(img media.ImageAnalysis, vid media.VideoAnalysis) Bundle {
	return Bundle{
		Mode:    media.KindVideo,
		Caption: strings.Join([]string{LabelMotion + vid.MotionText, LabelTranscript + vid.TranscriptText}, "\n"),
		Context: strings.Join([]string{LabelKeyFrames + img.CaptionText, LabelObjects + img.ObjectDetectionText}, "\n"),
	}
}
