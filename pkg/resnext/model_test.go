// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactories(t *testing.T) {
	testCases := []struct {
		model       *Model
		name        string
		kind        Kind
		cardinality int
		baseWidth   int
		numClasses  int
		blocks      []int
	}{
		{ResNeXt29_16x64(DefaultCifarClasses), NameResNeXt29_16x64, KindCifar, 16, 64, 10, []int{3, 3, 3}},
		{ResNeXt29_8x64(100), NameResNeXt29_8x64, KindCifar, 8, 64, 100, []int{3, 3, 3}},
		{ResNeXt50_32x4(DefaultBirdClasses), NameResNeXt50_32x4, KindBird, 32, 4, 200, []int{3, 4, 6, 3}},
		{SpatialTransformResNeXt50(DefaultBirdClasses), NameSpatialTransformResNeXt50, KindSpatialTransform, 32, 4, 200, []int{3, 4, 6, 3}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.model
			assert.Equal(t, tc.name, m.Name)
			assert.Equal(t, tc.kind, m.Kind)
			assert.Equal(t, tc.cardinality, m.Cardinality)
			assert.Equal(t, tc.baseWidth, m.BaseWidth)
			assert.Equal(t, tc.numClasses, m.NumClasses)
			assert.Equal(t, tc.blocks, m.StageBlocks())

			ctx := context.New()
			logits := buildGraph(t, ctx, m.InputShape(dtypes.Float32, 2), m.Build)
			require.NoError(t, logits.Shape().Check(dtypes.Float32, 2, tc.numClasses))
		})
	}

	stModel := SpatialTransformResNeXt50(DefaultBirdClasses)
	assert.Equal(t, 1, stModel.NumTransformers)
	assert.Equal(t, 224, stModel.OutHeight)
	assert.Equal(t, 224, stModel.OutWidth)
	assert.Equal(t, 2048, stModel.SpatialTransformConfig().DescriptorWidth())
}

func TestByName(t *testing.T) {
	for _, name := range ModelNames {
		m, err := ByName(name, 0)
		require.NoError(t, err)
		assert.Equal(t, name, m.Name)
		if m.Kind == KindCifar {
			assert.Equal(t, DefaultCifarClasses, m.NumClasses)
			assert.Equal(t, CifarInputSize, m.InputSize)
		} else {
			assert.Equal(t, DefaultBirdClasses, m.NumClasses)
			assert.Equal(t, BirdInputSize, m.InputSize)
		}
	}
	m, err := ByName(NameResNeXt29_8x64, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, m.NumClasses)

	m, err = ByName("resnext38_4x16", 0)
	require.NoError(t, err)
	assert.Equal(t, KindCifar, m.Kind)
	assert.Equal(t, []int{4, 4, 4}, m.StageBlocks())
	assert.Equal(t, DefaultCifarClasses, m.NumClasses)

	_, err = ByName("resnext30_4x16", 0)
	require.ErrorIs(t, err, ErrInvalidDepth)
	_, err = ByName("resnet50", 10)
	require.Error(t, err)
}

func TestNewCifarResNeXt(t *testing.T) {
	m, err := NewCifarResNeXt(38, 4, 16, 100)
	require.NoError(t, err)
	assert.Equal(t, "resnext38_4x16", m.Name)
	assert.Equal(t, []int{4, 4, 4}, m.StageBlocks())

	_, err = NewCifarResNeXt(30, 4, 16, 100)
	require.ErrorIs(t, err, ErrInvalidDepth)
	_, err = NewCifarResNeXt(29, 4, 16, 0)
	require.Error(t, err)
}

func TestModelInitialize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := NewCifarResNeXt(11, 2, 4, 10)
	require.NoError(t, err)
	m.ChannelsAxis = images.ChannelsLast
	ctx := context.New()
	require.NoError(t, m.Initialize(backend, ctx, 1))
	require.Greater(t, ctx.NumParameters(), 0)
	for v := range ctx.IterVariables() {
		_, err := v.Value()
		require.NoError(t, err, "variable %s has no value", v.ScopeAndName())
	}

	// Initialized variables are reused when building the model again.
	numVariables := ctx.NumVariables()
	logits := context.MustExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, m.InputShape(dtypes.Float32, 3))
		return m.Build(ctx, x)
	})
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 3, 10))
	require.Equal(t, numVariables, ctx.NumVariables())

	// Initializing again keeps the current values.
	values := make(map[string]any, numVariables)
	for v := range ctx.IterVariables() {
		value, err := v.Value()
		require.NoError(t, err)
		values[v.ScopeAndName()] = value.Value()
	}
	require.NoError(t, m.Initialize(backend, ctx, 2))
	require.Equal(t, numVariables, ctx.NumVariables())
	for v := range ctx.IterVariables() {
		value, err := v.Value()
		require.NoError(t, err)
		assert.Equal(t, values[v.ScopeAndName()], value.Value(), "variable %s changed", v.ScopeAndName())
	}
}

func TestModelFnConvertsInput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := NewCifarResNeXt(11, 2, 4, 10)
	require.NoError(t, err)
	m.ChannelsAxis = images.ChannelsLast
	modelFn := m.ModelFn()
	logits := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, m.InputShape(dtypes.Uint8, 2))
		return modelFn(ctx, nil, []*Node{x})[0]
	})
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 2, 10))
}
