// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// resnext trains, evaluates and describes ResNeXt models on CIFAR-10/100 and CUB-200-2011.
//
// Hyperparameters are set with --set, e.g.:
//
//	resnext --data=~/work/resnext --checkpoint=rx29 --set="model=resnext29_8x64;dataset=cifar10;train_steps=20000"
//
// Use --summary to print the architecture and variables of the configured model without training, and
// --classify=<image files> to classify images with a trained checkpoint.
package main

import (
	gocontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/resnext/internal/trainer"
	"github.com/gomlx/resnext/pkg/classifier"
	"github.com/gomlx/resnext/ui/summary"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDataDir    = flag.String("data", "~/work/resnext", "Directory to cache downloaded datasets, and base directory of relative checkpoints.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the train and validation data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagSummary    = flag.Bool("summary", false, "Print the model architecture and its variables, and exit.")
	flagClassify   = flag.String("classify", "", "Comma-separated list of image files to classify with the model in --checkpoint.")
)

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	goCtx, cancel := signal.NotifyContext(gocontext.Background(), os.Interrupt)
	defer cancel()

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	var err error
	switch {
	case *flagSummary:
		err = printSummary(backend, ctx)
	case *flagClassify != "":
		err = classifyFiles(backend, strings.Split(*flagClassify, ","))
	default:
		err = trainer.Train(goCtx, backend, ctx, trainer.Config{
			DataDir:    *flagDataDir,
			Checkpoint: *flagCheckpoint,
			Evaluate:   *flagEval,
			Verbosity:  *flagVerbosity,
			ParamsSet:  paramsSet,
		})
	}
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// printSummary builds the model configured in ctx on a batch of one image, to create its variables, and prints
// its description.
func printSummary(backend backends.Backend, ctx *context.Context) error {
	model, err := trainer.SelectModel(ctx)
	if err != nil {
		return err
	}
	summary.DetectColors(os.Stdout)
	fmt.Print(summary.ModelTable(model))
	g := NewGraph(backend, "summary")
	defer g.Finalize()
	_ = model.Build(ctx.In("model"), Parameter(g, "images",
		shapes.Make(dtypes.Float32, 1, model.InputSize, model.InputSize, 3)))
	fmt.Print(summary.VariablesTable(ctx, 2))
	return nil
}

// classifyFiles loads the model in --checkpoint and prints the class predicted for each image file.
func classifyFiles(backend backends.Backend, files []string) error {
	if *flagCheckpoint == "" {
		return errors.New("--classify requires --checkpoint")
	}
	checkpointDir := fsutil.MustReplaceTildeInDir(*flagCheckpoint)
	if !path.IsAbs(checkpointDir) {
		checkpointDir = path.Join(fsutil.MustReplaceTildeInDir(*flagDataDir), checkpointDir)
	}
	c, err := classifier.New(backend, checkpointDir)
	if err != nil {
		return err
	}
	for _, file := range files {
		img, err := imaging.Open(file, imaging.AutoOrientation(true))
		if err != nil {
			return errors.Wrapf(err, "failed to read image %q", file)
		}
		predictions, err := c.Classify(img)
		if err != nil {
			return err
		}
		p := predictions[0]
		fmt.Printf("%s:\tclass %d %q (p=%.3f)\n", file, p.Class, p.Label, p.Probability)
	}
	return nil
}
