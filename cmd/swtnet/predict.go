package main

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openfluke/swtnet/dataset"
	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/training"
)

func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict IMAGE...",
		Short: "Print class probabilities for images",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPredict,
	}
	cmd.Flags().String("snapshot", "", "safetensors snapshot to load")
	cmd.Flags().StringSlice("classes", nil, "class names in label order")
	return cmd
}

func runPredict(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	snapshot, _ := cmd.Flags().GetString("snapshot")
	if snapshot == "" {
		return errors.New("--snapshot is required")
	}
	classes, _ := cmd.Flags().GetStringSlice("classes")

	model, _, err := e.buildModel(snapshot)
	if err != nil {
		return err
	}
	opts, err := e.options(false)
	if err != nil {
		return err
	}
	device, _ := nn.ParseDevice(e.cfg.Device)
	rng := rand.New(rand.NewSource(e.cfg.Seed))

	out := cmd.OutOrStdout()
	for _, path := range args {
		img, err := dataset.DecodeFile(path)
		if err != nil {
			return err
		}
		stack, err := dataset.Preprocess(img, opts, rng)
		if err != nil {
			return errors.Wrapf(err, "preprocess %s", path)
		}
		for _, d := range stack.Degenerate {
			e.log.Warn("constant wavelet level", "path", path, "channel", d.Channel, "level", d.Level)
		}
		preds, err := training.Predict(model, dataset.StackBatch(stack, device))
		if err != nil {
			return errors.Wrap(err, path)
		}
		p := preds[0]
		fmt.Fprintf(out, "%s: %s\n", path, className(classes, p.Class))
		for c, prob := range p.Probabilities {
			fmt.Fprintf(out, "  %-20s %.4f\n", className(classes, c), prob)
		}
	}
	return nil
}

func className(names []string, c int) string {
	if c < len(names) {
		return names[c]
	}
	return fmt.Sprint(c)
}
