// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer trains and evaluates the ResNeXt models on CIFAR-10/100 or CUB-200-2011, configured by
// context hyperparameters.
package trainer

import (
	gocontext "context"
	"fmt"
	"os"
	"path"
	"slices"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/resnext/internal/datasets/birds"
	"github.com/gomlx/resnext/internal/datasets/cifar"
	"github.com/gomlx/resnext/pkg/resnext"
	"github.com/gomlx/resnext/pkg/stn"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context hyperparameters, see CreateDefaultContext for their default values.
const (
	// ParamModel is the name of the model, one of resnext.ModelNames.
	ParamModel = "model"

	// ParamDataset is one of ValidDatasets.
	ParamDataset = "dataset"

	// ParamNumClasses overrides the number of classes of the model. If <= 0, the number of classes of the dataset is used.
	ParamNumClasses = "num_classes"

	ParamBatchSize      = "batch_size"
	ParamEvalBatchSize  = "eval_batch_size"
	ParamTrainSteps     = "train_steps"
	ParamNumCheckpoints = "num_checkpoints"

	// ParamUse448px makes the spatial transformer model take 448x448 images, see resnext.SpatialTransformConfig.
	ParamUse448px = "use_448px"

	// ParamNumTransformers overrides the number of glimpses of the spatial transformer model, if > 0.
	ParamNumTransformers = "num_transformers"

	// ParamAugmentation enables random flips and (for CIFAR) random shifts of up to 4 pixels of the training images.
	ParamAugmentation = "augmentation"

	// ParamNumWorkers is the number of goroutines reading and resizing CUB-200-2011 images. 0 uses the number of cores.
	ParamNumWorkers = "num_workers"
)

const (
	DatasetCifar10  = "cifar10"
	DatasetCifar100 = "cifar100"
	DatasetBirds    = "birds"
)

var (
	// ValidDatasets accepted by ParamDataset.
	ValidDatasets = []string{DatasetCifar10, DatasetCifar100, DatasetBirds}

	// ParamsExcludedFromSaving are the hyperparameters not saved along the checkpoints, and that may be changed
	// in further training sessions.
	ParamsExcludedFromSaving = []string{ParamTrainSteps, ParamNumCheckpoints, ParamNumWorkers, ParamEvalBatchSize}

	// CifarMaxShift is the maximum shift, in pixels, of the augmented CIFAR images.
	CifarMaxShift = 4
)

// CreateDefaultContext returns a context with the default hyperparameters set.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		ParamModel:           resnext.NameResNeXt29_8x64,
		ParamDataset:         DatasetCifar10,
		ParamNumClasses:      0,
		ParamBatchSize:       64,
		ParamEvalBatchSize:   200,
		ParamTrainSteps:      5000,
		ParamNumCheckpoints:  3,
		ParamUse448px:        false,
		ParamNumTransformers: 0,
		ParamAugmentation:    true,
		ParamNumWorkers:      0,

		optimizers.ParamOptimizer:             "adamw",
		optimizers.ParamLearningRate:          1e-3,
		cosineschedule.ParamPeriodSteps:       0,
		cosineschedule.ParamCycles:            1,
		cosineschedule.ParamMinLearningRate:   0.0,
		regularizers.ParamL2:                  5e-4,
		batchnorm.AveragesUpdatesTriggerParam: true,
	})
	return ctx
}

// SelectModel returns the model configured by the hyperparameters in ctx, taking channels-last images.
func SelectModel(ctx *context.Context) (*resnext.Model, error) {
	datasetName := context.GetParamOr(ctx, ParamDataset, DatasetCifar10)
	if !slices.Contains(ValidDatasets, datasetName) {
		return nil, errors.Errorf("parameter %q must be one of %q, got %q", ParamDataset, ValidDatasets, datasetName)
	}
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses <= 0 {
		numClasses = DatasetNumClasses(datasetName)
	}
	model, err := resnext.ByName(context.GetParamOr(ctx, ParamModel, resnext.NameResNeXt29_8x64), numClasses)
	if err != nil {
		return nil, errors.WithMessagef(err, "parameter %q", ParamModel)
	}
	model.ChannelsAxis = images.ChannelsLast
	if model.Kind == resnext.KindSpatialTransform {
		if n := context.GetParamOr(ctx, ParamNumTransformers, 0); n > 0 {
			model.NumTransformers = n
		}
		if context.GetParamOr(ctx, ParamUse448px, false) {
			model.Use448px = true
			model.InputSize = 2 * resnext.BirdInputSize
		}
	}
	return model, nil
}

// DatasetNumClasses returns the number of classes of one of ValidDatasets.
func DatasetNumClasses(datasetName string) int {
	switch datasetName {
	case DatasetCifar100:
		return cifar.C100.NumClasses()
	case DatasetBirds:
		return birds.NumClasses
	default:
		return cifar.C10.NumClasses()
	}
}

// DatasetNormalizer returns the function that normalizes the images of one of ValidDatasets.
func DatasetNormalizer(datasetName string) func(images *Node) *Node {
	if datasetName == DatasetBirds {
		return birds.Normalize
	}
	return cifar.Normalize
}

// Augment randomly flips horizontally and shifts by up to maxShift pixels (filling with zeros) each of the
// channels-last images in x, with one affine transform per image.
func Augment(ctx *context.Context, x *Node, maxShift int) *Node {
	g := x.Graph()
	dtype := x.DType()
	batchSize, height, width := x.Shape().Dimensions[0], x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	flips := ctx.RandomBernoulli(Scalar(g, dtype, 0.5), shapes.Make(dtype, batchSize))
	scaleX := OneMinus(MulScalar(flips, 2))
	zeros := ZerosLike(scaleX)
	ones := OnesLike(scaleX)
	shiftX, shiftY := zeros, zeros
	if maxShift > 0 {
		shifts := ctx.RandomIntN(g, int32(2*maxShift+1), shapes.Make(dtypes.Int32, batchSize, 2))
		shifts = AddScalar(ConvertDType(shifts, dtype), -float64(maxShift))
		shiftX = MulScalar(Squeeze(Slice(shifts, AxisRange(), AxisElem(0)), -1), 2.0/float64(width))
		shiftY = MulScalar(Squeeze(Slice(shifts, AxisRange(), AxisElem(1)), -1), 2.0/float64(height))
	}
	theta := Stack([]*Node{
		Stack([]*Node{scaleX, zeros, shiftX}, -1),
		Stack([]*Node{zeros, ones, shiftY}, -1),
	}, 1) // [batch, 2, 3]
	return stn.Transform(x, theta, height, width)
}

// ModelFn wraps model.ModelFn: it sets up the learning rate schedule, and normalizes the images before building
// the model. During training, if ParamAugmentation is set and maxShift > 0, images are first augmented with Augment.
func ModelFn(model *resnext.Model, normalize func(images *Node) *Node, maxShift int) train.ModelFn {
	modelFn := model.ModelFn()
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		x := inputs[0]
		g := x.Graph()
		if !x.DType().IsFloat() {
			x = ConvertDType(x, dtypes.Float32)
		}
		cosineschedule.New(ctx, g, x.DType()).FromContext().Done()
		if maxShift > 0 && ctx.IsTraining(g) && context.GetParamOr(ctx, ParamAugmentation, false) {
			x = Augment(ctx, x, maxShift)
		}
		if normalize != nil {
			x = normalize(x)
		}
		return modelFn(ctx, spec, []*Node{x})
	}
}

// Datasets used for training and evaluation.
type Datasets struct {
	// Train is batched, shuffled and infinite.
	Train train.Dataset

	// TrainEval and TestEval loop over one epoch of each partition.
	TrainEval, TestEval train.Dataset

	// Normalize the batches of images yielded.
	Normalize func(images *Node) *Node

	// MaxShift for the Augment of the training images. If 0, the dataset does its own augmentation.
	MaxShift int

	// parallel holds the datasets that need to be stopped when done.
	parallel []*datasets.ParallelDataset
}

// Done releases resources (goroutines) held by the datasets.
func (ds *Datasets) Done() {
	for _, pds := range ds.parallel {
		pds.Done()
	}
	ds.parallel = nil
}

// CreateDatasets downloads (if needed) the dataset selected by ParamDataset into dataDir, and creates
// the datasets for training and evaluation, with images of imageSize x imageSize.
func CreateDatasets(goCtx gocontext.Context, ctx *context.Context, backend backends.Backend, dataDir string,
	imageSize int) (*Datasets, error) {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	datasetName := context.GetParamOr(ctx, ParamDataset, DatasetCifar10)
	switch datasetName {
	case DatasetCifar10, DatasetCifar100:
		source := cifar.C10
		if datasetName == DatasetCifar100 {
			source = cifar.C100
		}
		if imageSize != cifar.Height {
			return nil, errors.Errorf("dataset %q has %dx%d images, but the model takes %dx%d images",
				datasetName, cifar.Height, cifar.Width, imageSize, imageSize)
		}
		baseTrain, err := cifar.NewDataset(goCtx, backend, "Training", dataDir, source, cifar.Train)
		if err != nil {
			return nil, err
		}
		baseTest, err := cifar.NewDataset(goCtx, backend, "Validation", dataDir, source, cifar.Test)
		if err != nil {
			return nil, err
		}
		return &Datasets{
			Train:     baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true),
			TrainEval: baseTrain.BatchSize(evalBatchSize, false),
			TestEval:  baseTest.BatchSize(evalBatchSize, false),
			Normalize: DatasetNormalizer(datasetName),
			MaxShift:  CifarMaxShift,
		}, nil

	case DatasetBirds:
		if err := birds.Download(goCtx, dataDir); err != nil {
			return nil, err
		}
		metadata, err := birds.LoadMetadata(path.Join(fsutil.MustReplaceTildeInDir(dataDir), birds.SubDir))
		if err != nil {
			return nil, err
		}
		numWorkers := context.GetParamOr(ctx, ParamNumWorkers, 0)
		parallel := func(ds train.Dataset) *datasets.ParallelDataset {
			return datasets.CustomParallel(ds).Parallelism(numWorkers).Buffer(4).Start()
		}
		augment := context.GetParamOr(ctx, ParamAugmentation, false)
		ds := &Datasets{
			Train: parallel(birds.NewDataset("Training", metadata, true, imageSize).
				BatchSize(batchSize, true).Shuffle().Infinite(true).FlipRandomly(augment)),
			TrainEval: parallel(birds.NewDataset("TrainEval", metadata, true, imageSize).BatchSize(evalBatchSize, false)),
			TestEval:  parallel(birds.NewDataset("Validation", metadata, false, imageSize).BatchSize(evalBatchSize, false)),
			Normalize: DatasetNormalizer(datasetName),
		}
		for _, pds := range []train.Dataset{ds.Train, ds.TrainEval, ds.TestEval} {
			ds.parallel = append(ds.parallel, pds.(*datasets.ParallelDataset))
		}
		return ds, nil

	default:
		return nil, errors.Errorf("parameter %q must be one of %q, got %q", ParamDataset, ValidDatasets, datasetName)
	}
}

// Config of a training session, other than the hyperparameters in the context.
type Config struct {
	// DataDir holds the downloaded datasets, and is the base directory of relative checkpoint paths.
	DataDir string

	// Checkpoint directory to save to and restore from. No checkpoints are saved if empty.
	Checkpoint string

	// Evaluate the model on the train and test datasets at the end.
	Evaluate bool

	Verbosity int

	// ParamsSet are the hyperparameters set on the command line, which override those loaded from a checkpoint.
	ParamsSet []string
}

// Train the model configured by the hyperparameters in ctx.
func Train(goCtx gocontext.Context, backend backends.Backend, ctx *context.Context, cfg Config) (err error) {
	err = exceptions.TryCatch[error](func() { trainImpl(goCtx, backend, ctx, cfg) })
	return
}

func trainImpl(goCtx gocontext.Context, backend backends.Backend, ctx *context.Context, cfg Config) {
	dataDir := fsutil.MustReplaceTildeInDir(cfg.DataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	// Checkpoints are loaded first, since they may change the hyperparameters.
	var checkpoint *checkpoints.Handler
	if cfg.Checkpoint != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(cfg.Checkpoint, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(cfg.ParamsSet, ParamsExcludedFromSaving...)...).
			Done())
		klog.Infof("Checkpointing model to %q", checkpoint.Dir())
	}
	if cfg.Verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	model := must.M1(SelectModel(ctx))
	ds := must.M1(CreateDatasets(goCtx, ctx, backend, dataDir, model.InputSize))
	defer ds.Done()
	klog.V(1).Infof("training %s (%s) on %q, backend %q", model.Name, model.Kind, context.GetParamOr(ctx, ParamDataset, ""),
		backend.Name())

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	ctx = ctx.In("model")
	trainer := train.NewTrainer(backend, ctx, ModelFn(model, ds.Normalize, ds.MaxShift),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{meanAccuracyMetric})

	loop := train.NewLoop(trainer)
	if cfg.Verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(ds.Train, numTrainSteps-globalStep))
		klog.V(1).Infof("[Step %d] median train step: %d microseconds",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())

		if must.M1(batchnorm.UpdateAverages(trainer, ds.TrainEval)) {
			klog.V(1).Info("Updated batch normalization mean/variances averages.")
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}
	} else {
		klog.Infof("target %s=%d already reached at global step %d: to train further, set a larger number",
			ParamTrainSteps, numTrainSteps, globalStep)
	}

	if cfg.Evaluate {
		must.M(commandline.ReportEval(trainer, ds.TestEval, ds.TrainEval))
	}
}
