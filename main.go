package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"encodeagent/api"
	"encodeagent/config"
	"encodeagent/crop"
	"encodeagent/encoder"
	"encodeagent/ffmpeg"
	"encodeagent/history"
	"encodeagent/lock"
	"encodeagent/logging"
	"encodeagent/mediainfo"
	"encodeagent/metrics"
	"encodeagent/sampler"
	"encodeagent/task"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "encodeagent",
	Short: "Distributed video encoding agent",
	Long: `encodeagent watches a shared storage folder for video files, claims them
with lock files, encodes them with an external encoder and reports its
status over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent and its HTTP server (default)",
	RunE:  runAgent,
}

var debugCropDir string

func init() {
	rootCmd.PersistentFlags().StringVar(&debugCropDir, "crop-debug-dir", "", "write crop analysis images to this directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cropCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Fatal("%v", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// newSampler wires the ffmpeg tools into a frame sampler.
func newSampler(cfg *config.Config) (*sampler.Sampler, error) {
	tools, err := ffmpeg.NewTools(cfg.FFmpegBin, cfg.FFprobeBin)
	if err != nil {
		return nil, err
	}
	return sampler.New(tools, tools, sampler.Options{
		Interval:    cfg.CropInterval,
		MinCaptures: cfg.CropMinCaptures,
		Lossless:    cfg.CropLossless,
		Workers:     cfg.CropThreads,
	}), nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return fmt.Errorf("work directory %s is unusable: %w", cfg.WorkDir, err)
	}
	defaultPath := filepath.Join(cfg.WorkDir, "encoder-default.txt")
	if err := config.WriteDefaultEncoderConfig(defaultPath); err != nil {
		logging.Warn("Could not write %s: %v", defaultPath, err)
	}

	status := task.NewPublisher(func(st task.AgentStatus) {
		metrics.SetStatus(metrics.Status{
			AgentActive:   st.AgentActive,
			Paused:        st.Paused,
			EncoderActive: st.EncoderActive,
			Percent:       st.Percent,
			FPS:           st.FPS,
			AvgFPS:        st.AvgFPS,
			ETA:           st.ETA,
		})
	})

	launcher, err := encoder.NewLauncher(cfg.EncoderBin, cfg.ReaderGrace, cfg.StderrLogPath())
	if err != nil {
		return err
	}
	locks, err := lock.NewFileCoordinator(cfg.LockGrace, cfg.LockStaleAfter)
	if err != nil {
		return err
	}
	deps := task.Deps{
		Locks:   locks,
		Prober:  mediainfo.NewProber(cfg.MediaInfoBin),
		Encoder: launcher,
		Resources: &encoder.SystemResources{
			IdleCPU:  cfg.ThrottleCPU,
			FreeMem:  cfg.ThrottleFreeMem,
			FreeDisk: cfg.ThrottleFreeDisk,
			Dir:      cfg.WorkDir,
		},
	}
	if smp, err := newSampler(cfg); err != nil {
		logging.Warn("Smart crop unavailable: %v", err)
	} else {
		deps.Cropper = task.NewSmartCropper(smp, crop.EngineOptions{DebugDir: debugCropDir}, status)
	}

	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := task.NewAgent(cfg, deps, store, status)
	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.SetupRouter(agent, cfg),
	}
	serveErr := make(chan error, 1)
	go func() {
		logging.Info("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		agent.Shutdown()
		return fmt.Errorf("listen: %w", err)
	}

	stop()
	logging.Info("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server forced to shutdown: %v", err)
	}
	agent.Shutdown()

	logging.Info("Server exiting")
	return nil
}
