package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/ayusman/spotwise/internal/annotate"
	"github.com/ayusman/spotwise/internal/capture"
	"github.com/ayusman/spotwise/internal/detector"
	"github.com/ayusman/spotwise/internal/encode"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// detectLogEvery limits detection failure logging to the first failure and
// every detectLogEvery-th one after it.
const detectLogEvery = 100

// Stages are the per-frame processing stages shared by every stream.
type Stages struct {
	Detector  *detector.Adapter
	Annotator *annotate.Annotator
	Encoder   *encode.Encoder
}

// pipeline turns a frame into an encoded FrameMessage.
//
// Pipeline logic:
// 1. Run detection (failures substitute an empty result)
// 2. Annotate a copy of the frame
// 3. Encode the annotated copy as JPEG (failures skip the frame)
// 4. Marshal the outbound message once for every subscriber
type pipeline struct {
	stages    Stages
	targetFPS float64
	logger    *zap.SugaredLogger

	detectFailures int
}

func newPipeline(stages Stages, targetFPS float64, logger *zap.SugaredLogger) *pipeline {
	return &pipeline{stages: stages, targetFPS: targetFPS, logger: logger}
}

// Process returns the marshalled FrameMessage for frame. The error wraps
// encode.ErrEncodingFailed when the frame must be skipped.
func (p *pipeline) Process(ctx context.Context, frame *capture.Frame, props capture.Properties) ([]byte, error) {
	result, err := p.stages.Detector.Detect(ctx, frame.Mat)
	if err != nil {
		p.detectFailures++
		if p.detectFailures == 1 || p.detectFailures%detectLogEvery == 0 {
			p.logger.Warnw("detection failed, continuing without detections",
				"seq", frame.Seq, "failures", p.detectFailures, "error", err)
		}
	}

	annotated := p.stages.Annotator.Annotate(frame.Mat, result)
	defer annotated.Close()

	jpeg, err := p.stages.Encoder.Encode(annotated)
	if err != nil {
		return nil, err
	}

	msg, err := json.Marshal(FrameMessage{
		Type:       TypeFrame,
		Seq:        frame.Seq,
		Frame:      base64.StdEncoding.EncodeToString(jpeg),
		Detections: result,
		FPS:        p.targetFPS,
		Resolution: Resolution{Width: props.Width, Height: props.Height},
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal frame message")
	}
	return msg, nil
}
