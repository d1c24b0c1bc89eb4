package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openfluke/swtnet/nn"
	"github.com/openfluke/swtnet/training"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on an image folder",
		RunE:  runTrain,
	}
	f := cmd.Flags()
	f.String("train-dir", "", "training images, one sub-directory per class")
	f.String("val-dir", "", "validation images (optional)")
	f.String("checkpoint-dir", "checkpoints", "where per-epoch snapshots are written")
	f.String("resume", "", "snapshot to resume from")
	f.Int("epochs", 50, "total epochs")
	f.Float64("learning-rate", 0.001, "initial learning rate")
	f.Int("lr-step-size", 8, "epochs between learning rate decays")
	f.Float64("lr-gamma", 0.1, "learning rate decay factor")
	f.String("optimizer", "adam", "adam, adamw or sgd")
	f.String("schedule", "step", "step, exponential, cosine or constant")
	f.Float64("dropout", 0.3, "dropout before the classifier")
	f.Bool("augment", true, "augment training images")
	return cmd
}

func runTrain(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := e.cfg

	model, meta, err := e.buildModel(cfg.Resume)
	if err != nil {
		return err
	}
	start := 0
	if meta != nil {
		if start, err = training.ResumeEpoch(meta); err != nil {
			return err
		}
	}

	train, _, err := e.loadSplit(ctx, cfg.TrainDir, cfg.Augment, true)
	if err != nil {
		return err
	}
	var val training.BatchSource
	if cfg.ValDir != "" {
		l, _, err := e.loadSplit(ctx, cfg.ValDir, false, false)
		if err != nil {
			return err
		}
		val = l
	}

	sched, err := nn.NewScheduler(cfg.Schedule, float32(cfg.LearningRate), cfg.LRStepSize, float32(cfg.LRGamma), cfg.Epochs)
	if err != nil {
		return err
	}
	opt, err := nn.NewOptimizer(cfg.Optimizer)
	if err != nil {
		return err
	}
	tr, err := training.New(model, training.Config{
		Epochs:        cfg.Epochs,
		StartEpoch:    start,
		Scheduler:     sched,
		Optimizer:     opt,
		CheckpointDir: cfg.CheckpointDir,
		Logger:        e.log,
	})
	if err != nil {
		return err
	}

	res, err := tr.Fit(ctx, train, val)
	if res != nil && cfg.CheckpointDir != "" && len(res.History) > 0 {
		if serr := res.Save(filepath.Join(cfg.CheckpointDir, "history.json")); serr != nil {
			e.log.Error("writing history failed", "err", serr)
		}
	}
	if err != nil {
		return err
	}
	e.log.Info("training finished",
		"best_epoch", res.BestEpoch,
		"best_val_loss", res.BestValLoss,
		"total_time", res.TotalTime,
		"samples_per_sec", res.AvgThroughput)
	return nil
}
