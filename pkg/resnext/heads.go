// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/resnext/pkg/stn"
)

const (
	// ClassifierScope is the scope of the final linear layer of every head.
	ClassifierScope = "classifier"

	// LocaliseScope holds the localization backbone and regressor of the spatial transformer head.
	LocaliseScope = "localise"
)

// CifarResNeXt builds the small-image classifier: StemCifar, three stages of (depth-2)/9 blocks,
// global average pooling and a linear layer to numClasses.
//
// It panics if depth is not valid, see ValidateCifarDepth.
// It returns the logits shaped [batch, numClasses].
func CifarResNeXt(ctx *context.Context, x *Node, depth, cardinality, baseWidth, numClasses int,
	channelsAxis images.ChannelsAxisConfig) *Node {
	blocksPerStage, err := CifarBlocksPerStage(depth)
	if err != nil {
		panic(err)
	}
	features := Backbone(ctx, x).
		Stem(StemCifar).
		Stages(blocksPerStage, blocksPerStage, blocksPerStage).
		Cardinality(cardinality).
		BaseWidth(baseWidth).
		ChannelsAxis(channelsAxis).
		Done()
	features = GlobalAveragePool(features)
	return linear(ctx.In(ClassifierScope), features, numClasses)
}

// BirdResNeXt builds the whole-image classifier used for larger images (e.g. Caltech-UCSD Birds):
// StemImageNet, one stage per entry of blocks, global average pooling and a linear layer to numClasses.
//
// It returns the logits shaped [batch, numClasses].
func BirdResNeXt(ctx *context.Context, x *Node, blocks []int, cardinality, baseWidth, numClasses int,
	channelsAxis images.ChannelsAxisConfig) *Node {
	features := Backbone(ctx, x).
		Stages(blocks...).
		Cardinality(cardinality).
		BaseWidth(baseWidth).
		ChannelsAxis(channelsAxis).
		Done()
	features = GlobalAveragePool(features)
	return linear(ctx.In(ClassifierScope), features, numClasses)
}

// SpatialTransformConfig configures the spatial-transformer multi-glimpse classifier.
type SpatialTransformConfig struct {
	// Blocks per stage of every backbone (the localization one and one per glimpse).
	Blocks []int

	// Cardinality and BaseWidth of the bottleneck blocks.
	Cardinality, BaseWidth int

	// NumClasses is the output dimension of the classifier.
	NumClasses int

	// NumTransformers is the number of glimpses (affine transforms) taken from each image.
	NumTransformers int

	// OutHeight, OutWidth is the size of each glimpse.
	OutHeight, OutWidth int

	// Use448px is meant for 448x448 inputs: the localization backbone sees a copy downscaled by
	// half with bilinear interpolation, while glimpses are still sampled from the full resolution image.
	Use448px bool

	// ChannelsAxis is the layout of the input images.
	ChannelsAxis images.ChannelsAxisConfig
}

// DescriptorWidth returns the width of the concatenated glimpse descriptors, fed to the classifier:
// NumTransformers * StageWidths[last] * Expansion.
func (cfg *SpatialTransformConfig) DescriptorWidth() int {
	return cfg.NumTransformers * StageWidths[len(cfg.Blocks)-1] * Expansion
}

func (cfg *SpatialTransformConfig) backbone(ctx *context.Context, x *Node) *Node {
	return Backbone(ctx, x).
		Stages(cfg.Blocks...).
		Cardinality(cfg.Cardinality).
		BaseWidth(cfg.BaseWidth).
		Done()
}

// LocalizationInput returns the image seen by the localization backbone, given the channels-last batch x:
// x itself, or x downscaled by half if Use448px is set.
func (cfg *SpatialTransformConfig) LocalizationInput(x *Node) *Node {
	if !cfg.Use448px {
		return x
	}
	height, width := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	return Interpolate(x, NoInterpolation, height/2, width/2, NoInterpolation).
		Bilinear().
		Done()
}

// Glimpses runs the localization network over x and returns the NumTransformers warped crops of x, each
// shaped [batch, OutHeight, OutWidth, channels] (channels-last), and the predicted transforms, shaped
// [batch, NumTransformers, 2, 3].
func Glimpses(ctx *context.Context, x *Node, cfg *SpatialTransformConfig) (glimpses []*Node, thetas *Node) {
	if cfg.NumTransformers < 1 {
		Panicf("resnext.Glimpses requires NumTransformers >= 1, got %d", cfg.NumTransformers)
	}
	if cfg.OutHeight < 1 || cfg.OutWidth < 1 {
		Panicf("resnext.Glimpses requires a positive glimpse size, got %dx%d", cfg.OutHeight, cfg.OutWidth)
	}
	if x.Rank() != 4 {
		Panicf("resnext.Glimpses requires a batch of images with rank 4, got %s", x.Shape())
	}
	if cfg.ChannelsAxis == images.ChannelsFirst {
		x = TransposeAllAxes(x, 0, 2, 3, 1)
	}

	locCtx := ctx.In(LocaliseScope)
	locFeatures := cfg.backbone(locCtx.In("backbone"), cfg.LocalizationInput(x))
	thetas = stn.Localise(locCtx.In("regressor"), locFeatures, cfg.NumTransformers)

	glimpses = make([]*Node, cfg.NumTransformers)
	for ii := range cfg.NumTransformers {
		theta := Squeeze(Slice(thetas, AxisRange(), AxisRange(ii, ii+1)), 1)
		glimpses[ii] = stn.Transform(x, theta, cfg.OutHeight, cfg.OutWidth)
	}
	return
}

// GlimpseDescriptors takes the glimpses of x (see Glimpses), runs each through its own backbone
// (in scope "crop_%d") followed by global average pooling, and concatenates the results.
//
// It returns the descriptors shaped [batch, cfg.DescriptorWidth()].
func GlimpseDescriptors(ctx *context.Context, x *Node, cfg *SpatialTransformConfig) *Node {
	glimpses, _ := Glimpses(ctx, x, cfg)
	descriptors := make([]*Node, len(glimpses))
	for ii, glimpse := range glimpses {
		features := cfg.backbone(ctx.Inf("crop_%d", ii), glimpse)
		descriptors[ii] = GlobalAveragePool(features)
	}
	if len(descriptors) == 1 {
		return descriptors[0]
	}
	return Concatenate(descriptors, -1)
}

// SpatialTransformResNeXt builds the multi-glimpse classifier: a localization backbone predicts
// cfg.NumTransformers affine transforms, each warps the input into a glimpse described by its own
// backbone, and the concatenated descriptors are classified with one linear layer.
//
// It returns the logits shaped [batch, cfg.NumClasses].
func SpatialTransformResNeXt(ctx *context.Context, x *Node, cfg *SpatialTransformConfig) *Node {
	descriptors := GlimpseDescriptors(ctx, x, cfg)
	return linear(ctx.In(ClassifierScope), descriptors, cfg.NumClasses)
}
