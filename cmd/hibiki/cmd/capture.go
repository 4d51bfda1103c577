package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hibikitv/hibiki/internal/config"
	"github.com/hibikitv/hibiki/internal/encoder"
	"github.com/hibikitv/hibiki/internal/livestream"
	"github.com/hibikitv/hibiki/internal/models"
	"github.com/hibikitv/hibiki/internal/tuner"
)

var (
	captureChannel  string
	captureService  string
	captureQuality  string
	captureDualMono bool
	captureOutput   string
	captureDuration time.Duration
)

// captureCmd drives the full streaming core end-to-end from the command
// line: reserve a tuner, run the encoder, and write the encoded TS chunks a
// viewer would receive to a file. Useful for verifying a backend and
// encoder setup without the API layer.
var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture an encoded live stream to a file",
	Example: `  hibiki capture --channel gr011 --service 32736/32736/1024 --quality 720p --output out.ts
  hibiki capture --channel bs101 --service 4/16625/101 --quality 1080p --duration 30s --output -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := parseService(captureService)
		if err != nil {
			return err
		}
		svc.DualMono = captureDualMono

		quality, err := models.ParseQuality(captureQuality)
		if err != nil {
			return err
		}

		encoderType, err := encoder.ParseType(cfg.Encoder.Kind)
		if err != nil {
			return err
		}

		var out io.WriteCloser
		if captureOutput == "-" {
			out = os.Stdout
		} else {
			f, err := os.Create(captureOutput)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			out = f
			defer f.Close()
		}

		backend := newTunerBackend(cfg)
		resolver := livestream.StaticResolver{captureChannel: svc}

		registryConfig := livestream.DefaultConfig()
		registryConfig.Encoder = encoderType
		registryConfig.EncoderBinaryPath = cfg.Encoder.BinaryPath
		registryConfig.TunerHandoff = !cfg.UseMirakurunForTV()
		registryConfig.MaxAliveTime = cfg.LiveStream.MaxAliveTime
		registryConfig.ClientStallTimeout = cfg.LiveStream.ClientStallTimeout
		registryConfig.ONAirFreezeTimeout = cfg.LiveStream.ONAirFreezeTimeout
		registryConfig.MaxEncoderRestarts = cfg.LiveStream.MaxEncoderRestarts
		registryConfig.Logger = slog.Default()

		registry := livestream.NewRegistry(registryConfig, backend, resolver)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if captureDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, captureDuration)
			defer cancel()
		}

		client, err := registry.Connect(ctx, captureChannel, quality, livestream.ClientKindMPEGTS)
		if err != nil {
			return fmt.Errorf("connecting to live stream: %w", err)
		}
		defer client.Disconnect()
		defer registry.Shutdown(context.Background())

		written := 0
		for {
			chunk, err := client.Read(ctx)
			if errors.Is(err, io.EOF) {
				slog.Info("Live stream ended", slog.Int("bytes_written", written))
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					slog.Info("Capture stopped", slog.Int("bytes_written", written))
					return nil
				}
				return err
			}
			n, err := out.Write(chunk)
			written += n
			if err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
		}
	},
}

// newTunerBackend builds the tuner backend selected by the configuration.
func newTunerBackend(cfg *config.Config) tuner.Backend {
	if cfg.UseMirakurunForTV() {
		return tuner.NewMirakurunBackend(tuner.MirakurunBackendConfig{
			BaseURL: cfg.Backend.Endpoint,
			Logger:  slog.Default(),
		})
	}
	return tuner.NewEDCBBackend(tuner.EDCBBackendConfig{
		Endpoint: cfg.Backend.Endpoint,
		Logger:   slog.Default(),
	})
}

// parseService parses "NID/TSID/SID" broadcast coordinates.
func parseService(s string) (tuner.ServiceInfo, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return tuner.ServiceInfo{}, fmt.Errorf("service must be NID/TSID/SID, got %q", s)
	}
	values := make([]int, 3)
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return tuner.ServiceInfo{}, fmt.Errorf("service must be NID/TSID/SID, got %q", s)
		}
		values[i] = v
	}
	return tuner.ServiceInfo{
		NetworkID:         values[0],
		TransportStreamID: values[1],
		ServiceID:         values[2],
	}, nil
}

func init() {
	captureCmd.Flags().StringVar(&captureChannel, "channel", "", "display channel ID (e.g. gr011)")
	captureCmd.Flags().StringVar(&captureService, "service", "", "broadcast coordinates as NID/TSID/SID")
	captureCmd.Flags().StringVar(&captureQuality, "quality", "720p", "encoding quality preset")
	captureCmd.Flags().BoolVar(&captureDualMono, "dual-mono", false, "treat the service audio as dual-mono")
	captureCmd.Flags().StringVar(&captureOutput, "output", "-", "output file (- for stdout)")
	captureCmd.Flags().DurationVar(&captureDuration, "duration", 0, "stop after this duration (0 = until interrupted)")
	_ = captureCmd.MarkFlagRequired("channel")
	_ = captureCmd.MarkFlagRequired("service")
	rootCmd.AddCommand(captureCmd)
}
