package main

import (
	"fmt"
	"time"

	"encodeagent/crop"

	"github.com/spf13/cobra"
)

var cropCmd = &cobra.Command{
	Use:   "crop [file]",
	Short: "Detect the black borders of a video file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCrop,
}

func runCrop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	smp, err := newSampler(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	engine := crop.NewEngine(smp, crop.EngineOptions{DebugDir: debugCropDir})
	r, err := engine.Calculate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if r == nil {
		fmt.Fprintf(out, "No picture found (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	}
	fmt.Fprintf(out, "Rectangle: %s\n", r)
	fmt.Fprintf(out, "Size:      %dx%d\n", r.CroppedWidth(), r.CroppedHeight())
	fmt.Fprintf(out, "Crop:      %s\n", r.HandbrakeString())
	fmt.Fprintf(out, "Took:      %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
