// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stn implements a spatial transformer: a localization head that regresses affine transforms,
// and the differentiable sampling of images according to those transforms.
//
// Images are always channels-last, shaped [batch, height, width, channels]. Coordinates are normalized
// to [-1, 1], where -1 and +1 are the outer edges of the border pixels (the "align_corners=false"
// convention): so the identity transform samples exactly the pixel centers when the output has the
// same size as the input.
//
// Affine transforms ("theta") are shaped [batch, 2, 3] and map output coordinates (x, y, 1) to
// input coordinates (x', y').
package stn

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// NumAffineParams is the number of parameters of a 2D affine transform.
const NumAffineParams = 6

// IdentityParams is the flat [2, 3] identity transform.
var IdentityParams = []float64{1, 0, 0, 0, 1, 0}

// Localise regresses numTransformers affine transforms from a channels-last feature map
// shaped [batch, height, width, channels] (or already pooled features shaped [batch, channels]).
//
// The feature map is global-average pooled and passed through a linear layer whose weights
// start at zero and whose bias starts at the identity transform: every transform starts as
// the identity, and gradients move it from there.
//
// Variables are created in the current scope of ctx, named "weights" and "biases".
// It returns the transforms shaped [batch, numTransformers, 2, 3].
func Localise(ctx *context.Context, features *Node, numTransformers int) *Node {
	if numTransformers < 1 {
		Panicf("stn.Localise requires numTransformers >= 1, got %d", numTransformers)
	}
	switch features.Rank() {
	case 2:
	case 4:
		features = ReduceMean(features, 1, 2)
	default:
		Panicf("stn.Localise requires features shaped [batch, channels] or [batch, height, width, channels], got %s",
			features.Shape())
	}
	g := features.Graph()
	dtype := features.DType()
	batchSize := features.Shape().Dimensions[0]
	inputDim := features.Shape().Dimensions[1]
	outputDim := numTransformers * NumAffineParams

	weights := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("weights", shapes.Make(dtype, inputDim, outputDim))
	identityBias := make([]float64, 0, outputDim)
	for range numTransformers {
		identityBias = append(identityBias, IdentityParams...)
	}
	biasInit := func(g *Graph, shape shapes.Shape) *Node {
		return ConvertDType(Const(g, identityBias), shape.DType)
	}
	bias := ctx.WithInitializer(biasInit).VariableWithShape("biases", shapes.Make(dtype, outputDim))
	theta := nn.Dense(features, weights.ValueGraph(g), bias.ValueGraph(g))
	return Reshape(theta, batchSize, numTransformers, 2, 3)
}

// AffineGrid generates the sampling grid of an output image of the given size, for each affine transform
// in theta, shaped [batch, 2, 3].
//
// It returns the normalized input coordinates shaped [batch, height, width, 2], where the last axis holds
// (x, y) in this order.
func AffineGrid(theta *Node, height, width int) *Node {
	if theta.Rank() != 3 || theta.Shape().Dimensions[1] != 2 || theta.Shape().Dimensions[2] != 3 {
		Panicf("stn.AffineGrid requires theta shaped [batch, 2, 3], got %s", theta.Shape())
	}
	if height < 1 || width < 1 {
		Panicf("stn.AffineGrid requires a positive output size, got %dx%d", height, width)
	}
	g := theta.Graph()
	dtype := theta.DType()
	batchSize := theta.Shape().Dimensions[0]

	planeShape := shapes.Make(dtype, height, width)
	xs := Iota(g, planeShape, 1)
	xs = AddScalar(MulScalar(xs, 2.0/float64(width)), 1.0/float64(width)-1.0)
	ys := Iota(g, planeShape, 0)
	ys = AddScalar(MulScalar(ys, 2.0/float64(height)), 1.0/float64(height)-1.0)
	base := Stack([]*Node{xs, ys, Ones(g, planeShape)}, -1) // [height, width, 3]
	base = Reshape(base, height*width, 3)

	grid := Einsum("bij,pj->bpi", theta, base) // [batch, height*width, 2]
	return Reshape(grid, batchSize, height, width, 2)
}

// GridSample samples the channels-last x at the normalized coordinates in grid, shaped
// [batch, outHeight, outWidth, 2] with (x, y) in the last axis, using bilinear interpolation.
//
// Points outside of the image read as zero. The result, shaped [batch, outHeight, outWidth, channels],
// is differentiable with respect to both x and grid.
func GridSample(x, grid *Node) *Node {
	if x.Rank() != 4 {
		Panicf("stn.GridSample requires x shaped [batch, height, width, channels], got %s", x.Shape())
	}
	if grid.Rank() != 4 || grid.Shape().Dimensions[3] != 2 ||
		grid.Shape().Dimensions[0] != x.Shape().Dimensions[0] {
		Panicf("stn.GridSample requires grid shaped [batch=%d, height, width, 2], got %s",
			x.Shape().Dimensions[0], grid.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	if grid.DType() != dtype {
		grid = ConvertDType(grid, dtype)
	}
	batchSize, height, width := x.Shape().Dimensions[0], x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	outHeight, outWidth := grid.Shape().Dimensions[1], grid.Shape().Dimensions[2]

	// Un-normalize to pixel coordinates, where pixel centers are integers.
	gridX := Squeeze(Slice(grid, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 1)), -1)
	gridY := Squeeze(Slice(grid, AxisRange(), AxisRange(), AxisRange(), AxisRange(1, 2)), -1)
	pixelX := MulScalar(AddScalar(MulScalar(AddScalar(gridX, 1), float64(width)), -1), 0.5)
	pixelY := MulScalar(AddScalar(MulScalar(AddScalar(gridY, 1), float64(height)), -1), 0.5)

	x0 := StopGradient(Floor(pixelX))
	y0 := StopGradient(Floor(pixelY))
	x1 := AddScalar(x0, 1)
	y1 := AddScalar(y0, 1)
	weightX1 := Sub(pixelX, x0)
	weightY1 := Sub(pixelY, y0)
	weightX0 := OneMinus(weightX1)
	weightY0 := OneMinus(weightY1)

	batchIndices := Iota(g, shapes.Make(dtypes.Int32, batchSize, outHeight, outWidth, 1), 0)
	zero := ZerosLike(weightX0)
	sampleCorner := func(cornerX, cornerY, weight *Node) *Node {
		inside := LogicalAnd(
			LogicalAnd(GreaterOrEqual(cornerX, Scalar(g, dtype, 0.0)), LessOrEqual(cornerX, Scalar(g, dtype, float64(width-1)))),
			LogicalAnd(GreaterOrEqual(cornerY, Scalar(g, dtype, 0.0)), LessOrEqual(cornerY, Scalar(g, dtype, float64(height-1)))))
		indexX := ConvertDType(ClipScalar(cornerX, 0, float64(width-1)), dtypes.Int32)
		indexY := ConvertDType(ClipScalar(cornerY, 0, float64(height-1)), dtypes.Int32)
		indices := Concatenate([]*Node{batchIndices, ExpandAxes(indexY, -1), ExpandAxes(indexX, -1)}, -1)
		values := Gather(x, indices) // [batch, outHeight, outWidth, channels]
		weight = Where(inside, weight, zero)
		return Mul(values, ExpandAxes(weight, -1))
	}

	output := sampleCorner(x0, y0, Mul(weightX0, weightY0))
	output = Add(output, sampleCorner(x1, y0, Mul(weightX1, weightY0)))
	output = Add(output, sampleCorner(x0, y1, Mul(weightX0, weightY1)))
	output = Add(output, sampleCorner(x1, y1, Mul(weightX1, weightY1)))
	return output
}

// Transform warps the channels-last x with the affine transforms theta, shaped [batch, 2, 3],
// into images of size outHeight x outWidth.
func Transform(x, theta *Node, outHeight, outWidth int) *Node {
	return GridSample(x, AffineGrid(theta, outHeight, outWidth))
}
