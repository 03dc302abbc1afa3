package task

import (
	"context"
	"image"
	"math"

	"encodeagent/crop"
	"encodeagent/logging"
)

// SmartCropper runs a fresh crop engine for every file.
type SmartCropper struct {
	Source  crop.FrameSource
	Options crop.EngineOptions
	status  *Publisher
}

func NewSmartCropper(source crop.FrameSource, opts crop.EngineOptions, status *Publisher) *SmartCropper {
	return &SmartCropper{Source: source, Options: opts, status: status}
}

func (c *SmartCropper) Crop(ctx context.Context, path string) (string, error) {
	opts := c.Options
	if c.status != nil {
		last := -1
		opts.OnFrame = chainOnFrame(c.Options.OnFrame, func(progress float64) {
			pct := int(math.Round(progress * 100))
			if pct == last {
				return
			}
			last = pct
			c.status.Update(func(st *AgentStatus) { st.Percent = float64(pct) })
		})
	}

	r, err := crop.NewEngine(c.Source, opts).Calculate(ctx, path)
	if err != nil {
		return "", err
	}
	if r == nil {
		logging.Info("No picture found in %s, encoding without crop", path)
		return "", nil
	}
	logging.Info("Smart crop for %s: %s", path, r)
	return r.HandbrakeString(), nil
}

func chainOnFrame(next func(float64, image.Image), progress func(float64)) func(float64, image.Image) {
	return func(p float64, img image.Image) {
		progress(p)
		if next != nil {
			next(p, img)
		}
	}
}
