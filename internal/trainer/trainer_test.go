// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"bytes"
	gocontext "context"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/resnext/internal/datasets/cifar"
	"github.com/gomlx/resnext/pkg/resnext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectModel(t *testing.T) {
	ctx := CreateDefaultContext()
	m, err := SelectModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, resnext.NameResNeXt29_8x64, m.Name)
	assert.Equal(t, 10, m.NumClasses)
	assert.Equal(t, images.ChannelsLast, m.ChannelsAxis)

	ctx.SetParams(map[string]any{
		ParamModel:           resnext.NameSpatialTransformResNeXt50,
		ParamDataset:         DatasetBirds,
		ParamNumTransformers: 2,
		ParamUse448px:        true,
	})
	m, err = SelectModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, m.NumClasses)
	assert.Equal(t, 2, m.NumTransformers)
	assert.True(t, m.Use448px)
	assert.Equal(t, 448, m.InputSize)
	assert.Equal(t, 224, m.OutHeight)

	ctx.SetParam(ParamNumClasses, 17)
	m, err = SelectModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 17, m.NumClasses)

	ctx.SetParam(ParamDataset, "imagenet")
	_, err = SelectModel(ctx)
	require.Error(t, err)

	ctx.SetParams(map[string]any{ParamDataset: DatasetCifar100, ParamModel: "vgg16"})
	_, err = SelectModel(ctx)
	require.Error(t, err)
}

func TestAugment(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(7))
	const batchSize, size = 16, 4

	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, batchSize, size, size, 1))
		x = AddScalar(x, 1)
		return []*Node{x, Augment(ctx, x, 0)}
	})
	original := tensors.MustCopyFlatData[float32](outputs[0])
	augmented := tensors.MustCopyFlatData[float32](outputs[1])
	numFlipped := 0
	for b := range batchSize {
		flipped := true
		same := true
		for h := range size {
			for w := range size {
				got := augmented[b*size*size+h*size+w]
				if abs(got-original[b*size*size+h*size+w]) > 1e-3 {
					same = false
				}
				if abs(got-original[b*size*size+h*size+(size-1-w)]) > 1e-3 {
					flipped = false
				}
			}
		}
		require.Truef(t, same || flipped, "image %d is neither the original nor its horizontal flip", b)
		if flipped {
			numFlipped++
		}
	}
	assert.Greater(t, numFlipped, 0)
	assert.Less(t, numFlipped, batchSize)

	// With shifts, values are still either zero (outside the image) or pixel values of the same image.
	shifted := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.Float32, batchSize, size, size, 3))
		return Augment(ctx, x, 2)
	})
	require.NoError(t, shifted.Shape().Check(dtypes.Float32, batchSize, size, size, 3))
	for _, v := range tensors.MustCopyFlatData[float32](shifted) {
		require.True(t, abs(v) < 1e-3 || abs(v-1) < 1e-3, "unexpected value %g", v)
	}
}

// TestModelFn builds the model with the default hyperparameters (including the learning rate schedule) for
// inference and for training.
func TestModelFn(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, training := range []bool{false, true} {
		ctx := CreateDefaultContext()
		ctx.SetParam(ParamModel, "resnext11_2x4")
		model, err := SelectModel(ctx)
		require.NoError(t, err)
		modelFn := ModelFn(model, DatasetNormalizer(DatasetCifar10), CifarMaxShift)
		var logits *tensors.Tensor
		require.NotPanicsf(t, func() {
			logits = context.MustExecOnce(backend, ctx.In("model"), func(ctx *context.Context, g *Graph) *Node {
				ctx.SetTraining(g, training)
				x := Ones(g, shapes.Make(dtypes.Float32, 2, cifar.Height, cifar.Width, cifar.Depth))
				return modelFn(ctx, nil, []*Node{x})[0]
			})
		}, "training=%v", training)
		assert.NoError(t, logits.Shape().Check(dtypes.Float32, 2, 10), "training=%v", training)
	}
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// writeFakeCifar10 writes a CIFAR-10 layout with 4 training examples per file and 4 test examples.
func writeFakeCifar10(t *testing.T, dataDir string) {
	require.NoError(t, os.MkdirAll(path.Join(dataDir, cifar.C10SubDir), 0755))
	files := append(cifar.C10.Files(cifar.Train), cifar.C10.Files(cifar.Test)...)
	for fileIdx, fileName := range files {
		var buf bytes.Buffer
		for ii := range 4 {
			label := byte((fileIdx + ii) % 10)
			buf.WriteByte(label)
			buf.Write(bytes.Repeat([]byte{label * 20}, cifar.Height*cifar.Width*cifar.Depth))
		}
		require.NoError(t, os.WriteFile(path.Join(dataDir, fileName), buf.Bytes(), 0644))
	}
}

func TestCreateDatasets(t *testing.T) {
	dataDir := t.TempDir()
	writeFakeCifar10(t, dataDir)
	defer cifar.ResetCache()
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{ParamBatchSize: 4, ParamEvalBatchSize: 8})

	ds, err := CreateDatasets(gocontext.Background(), ctx, backend, dataDir, cifar.Height)
	require.NoError(t, err)
	defer ds.Done()
	assert.Equal(t, CifarMaxShift, ds.MaxShift)
	_, inputs, labels, err := ds.Train.Yield()
	require.NoError(t, err)
	assert.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 4, 32, 32, 3))
	assert.NoError(t, labels[0].Shape().Check(dtypes.Int64, 4, 1))

	_, err = CreateDatasets(gocontext.Background(), ctx, backend, dataDir, 224)
	require.Error(t, err)

	ctx.SetParam(ParamBatchSize, 0)
	_, err = CreateDatasets(gocontext.Background(), ctx, backend, dataDir, cifar.Height)
	require.Error(t, err)
}

func TestTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	dataDir := t.TempDir()
	writeFakeCifar10(t, dataDir)
	defer cifar.ResetCache()
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamModel:         "resnext11_2x4",
		ParamBatchSize:     4,
		ParamEvalBatchSize: 8,
		ParamTrainSteps:    3,
	})
	err := Train(gocontext.Background(), backend, ctx, Config{
		DataDir:    dataDir,
		Checkpoint: "checkpoint",
		Evaluate:   true,
		Verbosity:  -1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx.In("model")))
	assert.DirExists(t, path.Join(dataDir, "checkpoint"))

	// Training again with the same number of steps is a no-op.
	ctx2 := CreateDefaultContext()
	ctx2.SetParams(map[string]any{ParamModel: "resnext11_2x4", ParamBatchSize: 4, ParamTrainSteps: 3})
	require.NoError(t, Train(gocontext.Background(), backend, ctx2, Config{DataDir: dataDir, Checkpoint: "checkpoint",
		Verbosity: -1}))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx2.In("model")))
}
