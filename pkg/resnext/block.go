// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Expansion is the ratio between the output channels of a bottleneck block and its
// nominal width ("planes").
const Expansion = 4

// DownsampleScope is the sub-scope of a block holding the shortcut projection variables.
// It only exists for blocks where NeedsProjection is true.
const DownsampleScope = "downsample"

// GroupWidth returns D = floor(planes * baseWidth / 64), the number of channels per group
// in the inner grouped convolution.
func GroupWidth(planes, baseWidth int) int {
	return planes * baseWidth / 64
}

// InnerWidth returns the number of channels of the inner (grouped) convolution of a block:
// D * cardinality, with D given by GroupWidth.
func InnerWidth(planes, cardinality, baseWidth int) int {
	return GroupWidth(planes, baseWidth) * cardinality
}

// NeedsProjection reports whether a block with the given input channels, width and stride
// uses a projection (1x1 convolution + batch norm) in the shortcut, instead of the identity.
func NeedsProjection(inChannels, planes, stride int) bool {
	return stride != 1 || inChannels != planes*Expansion
}

// Bottleneck builds one ResNeXt bottleneck block (type C) over the channels-last x:
//
//	1x1 conv (reduce) → BN → ReLU → 3x3 grouped conv (stride) → BN → ReLU → 1x1 conv (expand) → BN
//
// added to the shortcut, and followed by a ReLU. The output has planes*Expansion channels.
//
// Variables are created under ctx's current scope in the sub-scopes "conv_reduce", "bn_reduce",
// "conv_conv", "bn", "conv_expand", "bn_expand", and, if NeedsProjection, "downsample/conv" and
// "downsample/bn".
func Bottleneck(ctx *context.Context, x *Node, planes, cardinality, baseWidth, stride int) *Node {
	if x.Rank() != 4 {
		Panicf("resnext.Bottleneck requires x shaped [batch, height, width, channels], got %s", x.Shape())
	}
	if cardinality < 1 {
		Panicf("resnext.Bottleneck: cardinality must be >= 1, got %d", cardinality)
	}
	groupWidth := GroupWidth(planes, baseWidth)
	if groupWidth < 1 {
		Panicf("resnext.Bottleneck: planes=%d with baseWidth=%d gives %d channels per group, it must be >= 1",
			planes, baseWidth, groupWidth)
	}
	innerWidth := groupWidth * cardinality
	outChannels := planes * Expansion
	inChannels := x.Shape().Dimensions[3]

	residual := x
	if NeedsProjection(inChannels, planes, stride) {
		downCtx := ctx.In(DownsampleScope)
		residual = conv2D(downCtx.In("conv"), x, outChannels, 1, stride, 0, 1)
		residual = batchNorm(downCtx.In("bn"), residual)
	}

	bottleneck := convBNRelu(ctx, "conv_reduce", "bn_reduce", x, innerWidth, 1, 1, 0, 1)
	bottleneck = convBNRelu(ctx, "conv_conv", "bn", bottleneck, innerWidth, 3, stride, 1, cardinality)
	bottleneck = conv2D(ctx.In("conv_expand"), bottleneck, outChannels, 1, 1, 0, 1)
	bottleneck = batchNorm(ctx.In("bn_expand"), bottleneck)

	return activations.Relu(Add(residual, bottleneck))
}

// Stage builds a run of numBlocks bottleneck blocks of the given width, in sub-scopes "block_%d".
// Only the first block uses stride, the following ones keep the spatial dimensions.
func Stage(ctx *context.Context, x *Node, numBlocks, planes, cardinality, baseWidth, stride int) *Node {
	if numBlocks < 1 {
		Panicf("resnext.Stage requires at least one block, got %d", numBlocks)
	}
	for ii := range numBlocks {
		blockStride := 1
		if ii == 0 {
			blockStride = stride
		}
		x = Bottleneck(ctx.Inf("block_%d", ii), x, planes, cardinality, baseWidth, blockStride)
	}
	return x
}
