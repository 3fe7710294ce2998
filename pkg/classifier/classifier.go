// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a trained ResNeXt model for inference.
//
// It loads a checkpoint saved by the trainer, rebuilds the same model from the hyperparameters stored with it,
// and offers a Classify method that takes images of any size: they are resized and center-cropped to the
// model's input size first.
package classifier

import (
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/resnext/internal/datasets/birds"
	"github.com/gomlx/resnext/internal/datasets/cifar"
	"github.com/gomlx/resnext/internal/trainer"
	"github.com/gomlx/resnext/pkg/resnext"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Prediction for one image.
type Prediction struct {
	// Class is the index of the most likely class.
	Class int

	// Label of the class, if known. Empty otherwise.
	Label string

	// Probability of Class, from the softmax of the logits.
	Probability float32
}

// Classifier holds a compiled model with its weights.
type Classifier struct {
	backend backends.Backend
	ctx     *context.Context
	model   *resnext.Model
	labels  []string

	// mu serializes calls to exec.
	mu   sync.Mutex
	exec *context.Exec
}

// New loads the checkpoint in checkpointDir and creates a Classifier with it.
//
// All hyperparameters are read from the checkpoint, so the model built is the one that was trained.
func New(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	ctx := context.New()
	handler, err := checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading model from %q", checkpointDir)
	}
	hasCheckpoints, err := handler.HasCheckpoints()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to list checkpoints in %q", checkpointDir)
	}
	if !hasCheckpoints {
		return nil, errors.Errorf("no checkpoints found in %q", checkpointDir)
	}
	klog.V(1).Infof("loaded %s", handler)

	// Creating new variables is an error from here on: all of them must come from the checkpoint.
	return NewFromContext(backend, ctx.Reuse())
}

// NewFromContext creates a Classifier for the model configured by the hyperparameters in ctx, with the variables
// under the "model" scope of ctx.
func NewFromContext(backend backends.Backend, ctx *context.Context) (*Classifier, error) {
	model, err := trainer.SelectModel(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "cannot build classifier")
	}
	datasetName := context.GetParamOr(ctx, trainer.ParamDataset, trainer.DatasetCifar10)
	c := &Classifier{
		backend: backend,
		ctx:     ctx,
		model:   model,
	}
	if datasetName == trainer.DatasetCifar10 && model.NumClasses == len(cifar.C10Labels) {
		c.labels = cifar.C10Labels
	}
	modelFn := trainer.ModelFn(model, trainer.DatasetNormalizer(datasetName), 0)
	c.exec, err = context.NewExec(backend, ctx.In("model"),
		func(ctx *context.Context, batch *Node) (classes, probabilities *Node) {
			logits := modelFn(ctx, nil, []*Node{batch})[0]
			classes = ArgMax(logits, -1, dtypes.Int32)
			probabilities = Softmax(logits, -1)
			probabilities = ReduceMax(probabilities, -1)
			return
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create executor for %s", model.Name)
	}
	return c, nil
}

// WithLabels sets the names of the classes, used to fill Prediction.Label.
// For CUB-200-2011 models, use birds.Metadata.Classes.
func (c *Classifier) WithLabels(labels []string) *Classifier {
	c.labels = labels
	return c
}

// Model returns the model served.
func (c *Classifier) Model() *resnext.Model {
	return c.model
}

// Preprocess resizes img (keeping its aspect ratio) and center crops it to the model's input size.
func (c *Classifier) Preprocess(img image.Image) image.Image {
	size := c.model.InputSize
	if b := img.Bounds(); b.Dx() == size && b.Dy() == size {
		return img
	}
	if c.model.Kind == resnext.KindCifar {
		return imaging.Fill(img, size, size, imaging.Center, imaging.Linear)
	}
	return birds.ResizeAndCenterCrop(img, size)
}

// Classify returns one Prediction per image.
func (c *Classifier) Classify(imgs ...image.Image) ([]Prediction, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	batch := make([]image.Image, len(imgs))
	for ii, img := range imgs {
		batch[ii] = c.Preprocess(img)
	}
	input := images.ToTensor(dtypes.Float32).Batch(batch)

	var classesT, probabilitiesT *tensors.Tensor
	c.mu.Lock()
	err := exceptions.TryCatch[error](func() {
		classesT, probabilitiesT = c.exec.MustExec2(input)
	})
	c.mu.Unlock()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to classify %d images", len(imgs))
	}

	classes := tensors.MustCopyFlatData[int32](classesT)
	probabilities := tensors.MustCopyFlatData[float32](probabilitiesT)
	predictions := make([]Prediction, len(imgs))
	for ii := range predictions {
		predictions[ii] = Prediction{Class: int(classes[ii]), Probability: probabilities[ii]}
		if predictions[ii].Class < len(c.labels) {
			predictions[ii].Label = c.labels[predictions[ii].Class]
		}
	}
	return predictions, nil
}
