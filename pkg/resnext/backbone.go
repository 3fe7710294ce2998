// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	"fmt"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// StemType selects the first layers of a backbone, applied before the bottleneck stages.
type StemType int

const (
	// StemImageNet is a 7x7 stride-2 convolution (padding 3) → BN → ReLU → 3x3 stride-2 max-pool (padding 1).
	// It reduces the spatial dimensions by 4, and it is used for larger images (224x224).
	StemImageNet StemType = iota

	// StemCifar is a 3x3 stride-1 convolution (padding 1) → BN → ReLU, used for small images (32x32).
	StemCifar
)

// String implements fmt.Stringer.
func (s StemType) String() string {
	switch s {
	case StemImageNet:
		return "imagenet"
	case StemCifar:
		return "cifar"
	default:
		return fmt.Sprintf("StemType(%d)", int(s))
	}
}

// StemChannels is the number of channels output by either stem.
const StemChannels = 64

var (
	// StageWidths are the nominal widths ("planes") of the successive stages. Each stage outputs
	// StageWidths[i] * Expansion channels.
	StageWidths = []int{64, 128, 256, 512}

	// Blocks50 is the number of blocks per stage of the 50-layer backbone.
	Blocks50 = []int{3, 4, 6, 3}
)

// BackboneConfig holds the configuration of a ResNeXt descriptor backbone: a stem followed by
// stages of bottleneck blocks.
// Create it with Backbone, optionally configure it, and call Done to build it.
type BackboneConfig struct {
	ctx          *context.Context
	x            *Node
	stem         StemType
	blocks       []int
	cardinality  int
	baseWidth    int
	channelsAxis images.ChannelsAxisConfig
}

// Backbone prepares a ResNeXt backbone over the batch of images x.
//
// The defaults are the 50-layer, 32x4d configuration: StemImageNet, Blocks50, cardinality 32
// and base width 4, with x shaped [batch, height, width, channels] (images.ChannelsLast).
//
// Call Done to build it. The output is the channels-last feature map of the last stage.
func Backbone(ctx *context.Context, x *Node) *BackboneConfig {
	return &BackboneConfig{
		ctx:          ctx,
		x:            x,
		stem:         StemImageNet,
		blocks:       Blocks50,
		cardinality:  32,
		baseWidth:    4,
		channelsAxis: images.ChannelsLast,
	}
}

// Stem selects the stem layers. Default is StemImageNet.
func (cfg *BackboneConfig) Stem(stem StemType) *BackboneConfig {
	cfg.stem = stem
	return cfg
}

// Stages sets the number of blocks of each stage. There can be from 1 to 4 stages, using
// the widths in StageWidths. Default is Blocks50.
func (cfg *BackboneConfig) Stages(blocks ...int) *BackboneConfig {
	if len(blocks) < 1 || len(blocks) > len(StageWidths) {
		Panicf("resnext.Backbone supports from 1 to %d stages, got %v", len(StageWidths), blocks)
	}
	cfg.blocks = slices.Clone(blocks)
	return cfg
}

// Cardinality sets the number of groups of the inner convolution of each block. Default is 32.
func (cfg *BackboneConfig) Cardinality(cardinality int) *BackboneConfig {
	cfg.cardinality = cardinality
	return cfg
}

// BaseWidth sets the per-group width factor of the blocks. Default is 4.
func (cfg *BackboneConfig) BaseWidth(baseWidth int) *BackboneConfig {
	cfg.baseWidth = baseWidth
	return cfg
}

// ChannelsAxis configures the layout of the input images. With images.ChannelsFirst the input
// is expected as [batch, channels, height, width] and it is transposed to channels-last.
// Default is images.ChannelsLast.
//
// The output feature map is always channels-last.
func (cfg *BackboneConfig) ChannelsAxis(config images.ChannelsAxisConfig) *BackboneConfig {
	cfg.channelsAxis = config
	return cfg
}

// OutputChannels returns the number of channels of the feature map generated by Done.
func (cfg *BackboneConfig) OutputChannels() int {
	return StageWidths[len(cfg.blocks)-1] * Expansion
}

// Done builds the backbone and returns its feature map shaped [batch, height', width', OutputChannels()].
func (cfg *BackboneConfig) Done() *Node {
	ctx := cfg.ctx
	x := cfg.x
	if x.Rank() != 4 {
		Panicf("resnext.Backbone requires a batch of images with rank 4, got %s", x.Shape())
	}
	if cfg.channelsAxis == images.ChannelsFirst {
		x = TransposeAllAxes(x, 0, 2, 3, 1)
	}

	switch cfg.stem {
	case StemImageNet:
		x = convBNRelu(ctx, "conv_1", "bn_1", x, StemChannels, 7, 2, 3, 1)
		x = MaxPool(x).
			ChannelsAxis(images.ChannelsLast).
			Window(3).
			Strides(2).
			PaddingPerDim([][2]int{{1, 1}, {1, 1}}).
			Done()
	case StemCifar:
		x = convBNRelu(ctx, "conv_1_3x3", "bn_1", x, StemChannels, 3, 1, 1, 1)
	default:
		Panicf("resnext.Backbone: unknown stem %s", cfg.stem)
	}

	for ii, numBlocks := range cfg.blocks {
		stride := 2
		if ii == 0 {
			stride = 1
		}
		x = Stage(ctx.Inf("stage_%d", ii+1), x, numBlocks, StageWidths[ii], cfg.cardinality, cfg.baseWidth, stride)
	}
	return x
}
