package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openfluke/swtnet/training"
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Report loss and accuracy of a snapshot on an image folder",
		RunE:  runEvaluate,
	}
	cmd.Flags().String("snapshot", "", "safetensors snapshot to evaluate")
	cmd.Flags().String("val-dir", "", "images, one sub-directory per class")
	return cmd
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	snapshot, _ := cmd.Flags().GetString("snapshot")
	if snapshot == "" {
		return errors.New("--snapshot is required")
	}
	model, _, err := e.buildModel(snapshot)
	if err != nil {
		return err
	}
	val, ds, err := e.loadSplit(cmd.Context(), e.cfg.ValDir, false, false)
	if err != nil {
		return err
	}

	m, err := training.Evaluate(cmd.Context(), model, val)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "samples:  %d\n", m.Samples)
	fmt.Fprintf(out, "loss:     %.6f\n", m.Loss)
	fmt.Fprintf(out, "accuracy: %.2f%%\n", 100*m.Accuracy)
	for c, acc := range m.PerClassAccuracy() {
		name := fmt.Sprint(c)
		if c < len(ds.Classes) {
			name = ds.Classes[c]
		}
		fmt.Fprintf(out, "  %-20s %.2f%%\n", name, 100*acc)
	}
	return nil
}
