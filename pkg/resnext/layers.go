// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// BatchNormMomentum is the momentum of the batch normalization moving averages.
	BatchNormMomentum = 0.9

	// BatchNormEpsilon is added to the variance before normalizing.
	BatchNormEpsilon = 1e-5
)

// ConvStddev returns the standard deviation used to initialize a convolution kernel
// of the given spatial size: sqrt(2 / (kernelHeight * kernelWidth * outChannels)).
//
// The fan-out uses the total number of output channels, also for grouped convolutions.
func ConvStddev(kernelHeight, kernelWidth, outChannels int) float64 {
	return math.Sqrt(2.0 / float64(kernelHeight*kernelWidth*outChannels))
}

// LinearStddev returns the Kaiming-normal standard deviation, sqrt(2 / fanIn), used
// to initialize the weights of linear layers.
func LinearStddev(fanIn int) float64 {
	return math.Sqrt(2.0 / float64(fanIn))
}

// conv2D creates a square-kernel 2D convolution without bias, over a channels-last x.
//
// Variables are created in the current scope of ctx, the kernel is named "weights" and shaped
// [kernelSize, kernelSize, inChannels/groups, outChannels].
//
// layers.Convolution only pads SAME or not at all, while the stride 2 convolutions here need an explicit
// symmetric padding.
func conv2D(ctx *context.Context, x *Node, outChannels, kernelSize, stride, padding, groups int) *Node {
	if x.Rank() != 4 {
		Panicf("conv2D requires x shaped [batch, height, width, channels], got %s", x.Shape())
	}
	inChannels := x.Shape().Dimensions[3]
	if groups < 1 || inChannels%groups != 0 || outChannels%groups != 0 {
		Panicf("conv2D: input channels (%d) and output channels (%d) must be divisible by the number of groups (%d)",
			inChannels, outChannels, groups)
	}
	g := x.Graph()
	kernelShape := shapes.Make(x.DType(), kernelSize, kernelSize, inChannels/groups, outChannels)
	stddev := ConvStddev(kernelSize, kernelSize, outChannels)
	kernelVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, stddev)).
		VariableWithShape("weights", kernelShape)
	if regularizer := regularizers.FromContext(ctx); regularizer != nil {
		regularizer(ctx, g, kernelVar)
	}
	return Convolve(x, kernelVar.ValueGraph(g)).
		StridePerAxis(stride, stride).
		PaddingPerDim([][2]int{{padding, padding}, {padding, padding}}).
		ChannelGroupCount(groups).
		Done()
}

// batchNorm normalizes the channels-last x, with variables in the current scope of ctx.
// Scale starts at 1 and offset at 0.
func batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).
		CurrentScope().
		Momentum(BatchNormMomentum).
		Epsilon(BatchNormEpsilon).
		Done()
}

// convBNRelu is the common conv → batch-norm → ReLU sequence, with the convolution and the
// normalization created under the given sub-scopes.
func convBNRelu(ctx *context.Context, convScope, bnScope string, x *Node,
	outChannels, kernelSize, stride, padding, groups int) *Node {
	x = conv2D(ctx.In(convScope), x, outChannels, kernelSize, stride, padding, groups)
	x = batchNorm(ctx.In(bnScope), x)
	return activations.Relu(x)
}

// linear is a fully connected layer over the last axis of x, with Kaiming-normal weights
// and a zero-initialized bias. Unlike layers.Dense, weights and biases live in the current scope of ctx and are
// initialized differently.
func linear(ctx *context.Context, x *Node, outputDim int) *Node {
	g := x.Graph()
	fanIn := x.Shape().Dimensions[x.Rank()-1]
	weights := ctx.WithInitializer(initializers.RandomNormalFn(ctx, LinearStddev(fanIn))).
		VariableWithShape("weights", shapes.Make(x.DType(), fanIn, outputDim))
	if regularizer := regularizers.FromContext(ctx); regularizer != nil {
		regularizer(ctx, g, weights)
	}
	bias := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(x.DType(), outputDim))
	return nn.Dense(x, weights.ValueGraph(g), bias.ValueGraph(g))
}

// GlobalAveragePool takes the mean over the spatial axes of a channels-last feature map,
// returning [batch, channels].
func GlobalAveragePool(x *Node) *Node {
	return ReduceMean(x, 1, 2)
}
