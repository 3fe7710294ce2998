// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stn

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// image2x3 is a [1, 2, 3, 1] image with values 0 to 5.
func image2x3(g *Graph) *Node {
	return IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 3, 1))
}

func thetaConst(g *Graph, values [2][3]float32) *Node {
	return Const(g, [][][]float32{{values[0][:], values[1][:]}})
}

func TestAffineGrid(t *testing.T) {
	graphtest.RunTestGraphFn(t, "identity", func(g *Graph) (inputs, outputs []*Node) {
		theta := thetaConst(g, [2][3]float32{{1, 0, 0}, {0, 1, 0}})
		inputs = []*Node{theta}
		outputs = []*Node{AffineGrid(theta, 2, 2)}
		return
	}, []any{
		[][][][]float32{{
			{{-0.5, -0.5}, {0.5, -0.5}},
			{{-0.5, 0.5}, {0.5, 0.5}},
		}},
	}, 1e-5)

	graphtest.RunTestGraphFn(t, "scale and translate", func(g *Graph) (inputs, outputs []*Node) {
		theta := thetaConst(g, [2][3]float32{{0.5, 0, 0.25}, {0, 2, 0}})
		inputs = []*Node{theta}
		outputs = []*Node{AffineGrid(theta, 1, 2)}
		return
	}, []any{
		[][][][]float32{{{{0, 0}, {0.5, 0}}}},
	}, 1e-5)

	g := NewGraph(graphtest.BuildTestBackend(), "bad_theta")
	require.Panics(t, func() { _ = AffineGrid(Zeros(g, shapes.Make(dtypes.Float32, 1, 3, 3)), 2, 2) })
	require.Panics(t, func() { _ = AffineGrid(Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 3)), 0, 2) })
}

func TestGridSample(t *testing.T) {
	graphtest.RunTestGraphFn(t, "identity", func(g *Graph) (inputs, outputs []*Node) {
		x := image2x3(g)
		inputs = []*Node{x}
		outputs = []*Node{Transform(x, thetaConst(g, [2][3]float32{{1, 0, 0}, {0, 1, 0}}), 2, 3)}
		return
	}, []any{
		[][][][]float32{{{{0}, {1}, {2}}, {{3}, {4}, {5}}}},
	}, 1e-4)

	graphtest.RunTestGraphFn(t, "horizontal flip", func(g *Graph) (inputs, outputs []*Node) {
		x := image2x3(g)
		inputs = []*Node{x}
		outputs = []*Node{Transform(x, thetaConst(g, [2][3]float32{{-1, 0, 0}, {0, 1, 0}}), 2, 3)}
		return
	}, []any{
		[][][][]float32{{{{2}, {1}, {0}}, {{5}, {4}, {3}}}},
	}, 1e-4)

	// A shift of one pixel to the right reads zeros past the border.
	graphtest.RunTestGraphFn(t, "translation", func(g *Graph) (inputs, outputs []*Node) {
		x := image2x3(g)
		inputs = []*Node{x}
		outputs = []*Node{Transform(x, thetaConst(g, [2][3]float32{{1, 0, 2.0 / 3.0}, {0, 1, 0}}), 2, 3)}
		return
	}, []any{
		[][][][]float32{{{{1}, {2}, {0}}, {{4}, {5}, {0}}}},
	}, 1e-4)

	// Zooming out by 2: every output pixel lands half a pixel outside a corner of the image.
	graphtest.RunTestGraphFn(t, "zoom out", func(g *Graph) (inputs, outputs []*Node) {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 2, 1))
		inputs = []*Node{x}
		outputs = []*Node{Transform(x, thetaConst(g, [2][3]float32{{2, 0, 0}, {0, 2, 0}}), 2, 2)}
		return
	}, []any{
		[][][][]float32{{{{0}, {0.25}}, {{0.5}, {0.75}}}},
	}, 1e-4)

	// Half pixel shift interpolates between neighbours, for every channel.
	graphtest.RunTestGraphFn(t, "bilinear", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{0, 10}, {2, 20}}}}) // [1, 1, 2, 2]
		grid := Const(g, [][][][]float32{{{{0, 0}}}})      // center of the image.
		inputs = []*Node{x, grid}
		outputs = []*Node{GridSample(x, grid)}
		return
	}, []any{
		[][][][]float32{{{{1, 15}}}},
	}, 1e-4)

	g := NewGraph(graphtest.BuildTestBackend(), "bad_grid")
	x := Zeros(g, shapes.Make(dtypes.Float32, 2, 4, 4, 3))
	require.Panics(t, func() { _ = GridSample(x, Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 4, 2))) })
	require.Panics(t, func() { _ = GridSample(x, Zeros(g, shapes.Make(dtypes.Float32, 2, 4, 4, 3))) })
}

func TestTransformGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := MustExecOnceN(backend, func(g *Graph) []*Node {
		x := Add(IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 4, 2)), Const(g, float32(1)))
		theta := Const(g, [][][]float32{
			{{0.8, 0.1, 0.05}, {-0.1, 0.7, 0.1}},
			{{0.5, 0, -0.2}, {0, 0.5, 0.3}},
		})
		glimpse := Transform(x, theta, 3, 3)
		loss := ReduceAllSum(Square(glimpse))
		grads := Gradient(loss, theta, x)
		return []*Node{glimpse, grads[0], grads[1]}
	})
	require.Len(t, outputs, 3)
	assert.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 3, 3, 2))
	assert.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 2, 2, 3))
	assert.NoError(t, outputs[2].Shape().Check(dtypes.Float32, 2, 4, 4, 2))

	var thetaGradNorm, imageGradNorm float64
	for _, v := range tensors.MustCopyFlatData[float32](outputs[1]) {
		thetaGradNorm += float64(v * v)
	}
	for _, v := range tensors.MustCopyFlatData[float32](outputs[2]) {
		imageGradNorm += float64(v * v)
	}
	assert.Greater(t, thetaGradNorm, 0.0, "gradient with respect to theta should not be zero")
	assert.Greater(t, imageGradNorm, 0.0, "gradient with respect to the image should not be zero")
}

func TestLocalise(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, numTransformers := range []int{1, 3} {
		ctx := context.New()
		theta := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			features := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 4, 8))
			return Localise(ctx.In("localise"), features, numTransformers)
		})
		require.NoError(t, theta.Shape().Check(dtypes.Float32, 2, numTransformers, 2, 3))

		// Zero weights and identity bias: every transform starts as the identity.
		values := tensors.MustCopyFlatData[float32](theta)
		for ii, v := range values {
			assert.InDeltaf(t, IdentityParams[ii%NumAffineParams], float64(v), 1e-6, "theta flat index %d", ii)
		}

		weights := ctx.GetVariableByScopeAndName("/localise", "weights")
		require.NotNil(t, weights)
		assert.NoError(t, weights.Shape().Check(dtypes.Float32, 8, numTransformers*NumAffineParams))
		biases := ctx.GetVariableByScopeAndName("/localise", "biases")
		require.NotNil(t, biases)
		assert.NoError(t, biases.Shape().Check(dtypes.Float32, numTransformers*NumAffineParams))
	}

	g := NewGraph(backend, "bad_localise")
	ctx := context.New()
	require.Panics(t, func() { _ = Localise(ctx, Zeros(g, shapes.Make(dtypes.Float32, 2, 8)), 0) })
	require.Panics(t, func() { _ = Localise(ctx, Zeros(g, shapes.Make(dtypes.Float32, 2, 8, 3)), 1) })
}
