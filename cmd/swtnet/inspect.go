package main

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/openfluke/swtnet/dataset"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the model blueprint and, for --image, wavelet level statistics",
		RunE:  runInspect,
	}
	cmd.Flags().String("image", "", "image to decompose")
	return cmd
}

func runInspect(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	model, _, err := e.buildModel("")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(model.Blueprint()); err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("image")
	if path == "" {
		return nil
	}
	img, err := dataset.DecodeFile(path)
	if err != nil {
		return err
	}
	opts, err := e.options(false)
	if err != nil {
		return err
	}
	stack, err := dataset.Preprocess(img, opts, rand.New(rand.NewSource(e.cfg.Seed)))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%-6s %-8s %12s %12s %12s %12s\n", "entry", "channel", "mean", "std", "min", "max")
	for i, planes := range stack.Planes {
		entry := "source"
		if i > 0 {
			entry = fmt.Sprintf("L%d", i)
		}
		for c, p := range planes {
			data := p.RawMatrix().Data
			mean, std := stat.PopMeanStdDev(data, nil)
			fmt.Fprintf(out, "%-6s %-8d %12.4f %12.4f %12.4f %12.4f\n", entry, c, mean, std, floats.Min(data), floats.Max(data))
		}
	}
	for _, d := range stack.Degenerate {
		fmt.Fprintf(out, "constant: channel %d level %d\n", d.Channel, d.Level)
	}
	return nil
}
