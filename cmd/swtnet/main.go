// Command swtnet trains and runs wavelet-fused residual image classifiers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openfluke/swtnet/config"
	"github.com/openfluke/swtnet/gpu"
	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/swtnet"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "swtnet",
		Short:         "Wavelet-fused residual network image classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.String("log-level", "info", "debug, info, warn or error")
	pf.String("log-format", "text", "text or json")
	pf.String("device", "cpu", "cpu or gpu")
	pf.Int("image-size", 224, "square input size in pixels")
	pf.Int("num-classes", 6, "number of output classes")
	pf.Bool("grayscale", false, "decompose a single luma channel")
	pf.String("wavelet", "rbio3.5", "wavelet basis")
	pf.String("injector", "conv", "wavelet injector: conv, pool or zero")
	pf.Int("base-width", 64, "channel width of the first stage")
	pf.Int("workers", 4, "preprocessing workers (0 = all CPUs)")
	pf.Int("batch-size", 32, "batch size")
	pf.Int64("seed", 1, "random seed")

	root.AddCommand(newTrainCmd(), newEvaluateCmd(), newPredictCmd(), newInspectCmd())
	return root
}

// env is the resolved state shared by every subcommand.
type env struct {
	cfg config.Config
	log *slog.Logger
}

func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	gpu.SetLogger(log)
	return &env{cfg: cfg, log: log}, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// buildModel constructs the fused model and, when snapshot is set, loads it.
func (e *env) buildModel(snapshot string) (*swtnet.Model, map[string]string, error) {
	mc, err := e.cfg.Model()
	if err != nil {
		return nil, nil, err
	}
	if mc.Device == nn.DeviceGPU && !gpu.Available() {
		return nil, nil, errors.New("device gpu requested but no WebGPU adapter is available")
	}
	m, err := swtnet.New(mc, swtnet.WithLogger(e.log))
	if err != nil {
		return nil, nil, err
	}
	var meta map[string]string
	if snapshot != "" {
		if meta, err = m.Load(snapshot); err != nil {
			return nil, nil, err
		}
		e.log.Info("snapshot loaded", "path", snapshot, "epoch", meta["epoch"], "run_id", meta["run_id"])
	}
	return m, meta, nil
}
