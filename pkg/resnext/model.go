// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind of architecture built by a Model.
type Kind int

const (
	// KindCifar is the small-image classifier, see CifarResNeXt.
	KindCifar Kind = iota

	// KindBird is the whole-image classifier for larger images, see BirdResNeXt.
	KindBird

	// KindSpatialTransform is the multi-glimpse classifier, see SpatialTransformResNeXt.
	KindSpatialTransform
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindCifar:
		return "cifar"
	case KindBird:
		return "bird"
	case KindSpatialTransform:
		return "spatial_transform"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Model describes one ResNeXt network. Create it with one of the factories (ResNeXt29_8x64, ResNeXt29_16x64,
// ResNeXt50_32x4, SpatialTransformResNeXt50, NewCifarResNeXt) or ByName.
//
// A Model holds no variables: those are created in the context.Context passed to Build, and a model can be
// built more than once on the same context (e.g. for training and evaluation graphs).
type Model struct {
	// Name of the model, one of ModelNames for models created by factories.
	Name string

	Kind Kind

	// Depth of the CIFAR variant, only used by KindCifar.
	Depth int

	// Blocks per stage, for KindBird and KindSpatialTransform.
	Blocks []int

	Cardinality, BaseWidth int
	NumClasses             int

	// NumTransformers, OutHeight and OutWidth configure the glimpses of KindSpatialTransform.
	NumTransformers     int
	OutHeight, OutWidth int
	Use448px            bool

	// InputSize is the expected height and width of the input images.
	InputSize int

	// ChannelsAxis is the layout of the input images. Default (zero value) is images.ChannelsFirst,
	// that is [batch, channels, height, width].
	ChannelsAxis images.ChannelsAxisConfig
}

const (
	NameResNeXt29_8x64            = "resnext29_8x64"
	NameResNeXt29_16x64           = "resnext29_16x64"
	NameResNeXt50_32x4            = "resnext50_32x4"
	NameSpatialTransformResNeXt50 = "spatial_transform_resnext50"
)

// ModelNames lists the names accepted by ByName.
var ModelNames = []string{
	NameResNeXt29_8x64, NameResNeXt29_16x64, NameResNeXt50_32x4, NameSpatialTransformResNeXt50,
}

const (
	// DefaultCifarClasses is the default number of classes of the CIFAR variants (CIFAR-10).
	DefaultCifarClasses = 10

	// DefaultBirdClasses is the default number of classes of the larger image variants (CUB-200).
	DefaultBirdClasses = 200

	// CifarInputSize is the height and width of CIFAR images.
	CifarInputSize = 32

	// BirdInputSize is the height and width of the input to the larger image variants.
	BirdInputSize = 224
)

// NewCifarResNeXt returns a CIFAR model of the given depth, cardinality and base width.
// It returns an error wrapping ErrInvalidDepth if (depth-2) is not a multiple of 9.
func NewCifarResNeXt(depth, cardinality, baseWidth, numClasses int) (*Model, error) {
	if err := ValidateCifarDepth(depth); err != nil {
		return nil, err
	}
	if numClasses < 1 {
		return nil, errors.Errorf("invalid number of classes %d", numClasses)
	}
	return &Model{
		Name:         fmt.Sprintf("resnext%d_%dx%d", depth, cardinality, baseWidth),
		Kind:         KindCifar,
		Depth:        depth,
		Cardinality:  cardinality,
		BaseWidth:    baseWidth,
		NumClasses:   numClasses,
		InputSize:    CifarInputSize,
		ChannelsAxis: images.ChannelsFirst,
	}, nil
}

func mustCifar(depth, cardinality, baseWidth, numClasses int) *Model {
	m, err := NewCifarResNeXt(depth, cardinality, baseWidth, numClasses)
	if err != nil {
		panic(err)
	}
	return m
}

// ResNeXt29_16x64 is the 29 layers CIFAR model with cardinality 16 and base width 64.
func ResNeXt29_16x64(numClasses int) *Model {
	return mustCifar(29, 16, 64, numClasses)
}

// ResNeXt29_8x64 is the 29 layers CIFAR model with cardinality 8 and base width 64.
func ResNeXt29_8x64(numClasses int) *Model {
	return mustCifar(29, 8, 64, numClasses)
}

// ResNeXt50_32x4 is the 50 layers whole-image model with cardinality 32 and base width 4, for 224x224 images.
func ResNeXt50_32x4(numClasses int) *Model {
	return &Model{
		Name:         NameResNeXt50_32x4,
		Kind:         KindBird,
		Blocks:       slices.Clone(Blocks50),
		Cardinality:  32,
		BaseWidth:    4,
		NumClasses:   numClasses,
		InputSize:    BirdInputSize,
		ChannelsAxis: images.ChannelsFirst,
	}
}

// SpatialTransformResNeXt50 is the multi-glimpse model with ResNeXt-50 32x4d backbones, one glimpse of 224x224.
func SpatialTransformResNeXt50(numClasses int) *Model {
	return &Model{
		Name:            NameSpatialTransformResNeXt50,
		Kind:            KindSpatialTransform,
		Blocks:          slices.Clone(Blocks50),
		Cardinality:     32,
		BaseWidth:       4,
		NumClasses:      numClasses,
		NumTransformers: 1,
		OutHeight:       BirdInputSize,
		OutWidth:        BirdInputSize,
		InputSize:       BirdInputSize,
		ChannelsAxis:    images.ChannelsFirst,
	}
}

// ByName returns the model with the given name (see ModelNames). Other CIFAR variants can be named
// "resnext<depth>_<cardinality>x<base_width>", e.g. "resnext38_4x16".
// If numClasses <= 0, the model's default is used.
func ByName(name string, numClasses int) (*Model, error) {
	defaultClasses := DefaultBirdClasses
	var factory func(int) *Model
	switch name {
	case NameResNeXt29_8x64:
		factory, defaultClasses = ResNeXt29_8x64, DefaultCifarClasses
	case NameResNeXt29_16x64:
		factory, defaultClasses = ResNeXt29_16x64, DefaultCifarClasses
	case NameResNeXt50_32x4:
		factory = ResNeXt50_32x4
	case NameSpatialTransformResNeXt50:
		factory = SpatialTransformResNeXt50
	default:
		var depth, cardinality, baseWidth int
		if _, err := fmt.Sscanf(name, "resnext%d_%dx%d", &depth, &cardinality, &baseWidth); err != nil {
			return nil, errors.Errorf("unknown model %q, valid values are %q or \"resnext<depth>_<cardinality>x<base_width>\"",
				name, ModelNames)
		}
		if numClasses <= 0 {
			numClasses = DefaultCifarClasses
		}
		return NewCifarResNeXt(depth, cardinality, baseWidth, numClasses)
	}
	if numClasses <= 0 {
		numClasses = defaultClasses
	}
	return factory(numClasses), nil
}

// SpatialTransformConfig returns the configuration of the spatial-transformer head of the model.
func (m *Model) SpatialTransformConfig() *SpatialTransformConfig {
	return &SpatialTransformConfig{
		Blocks:          m.Blocks,
		Cardinality:     m.Cardinality,
		BaseWidth:       m.BaseWidth,
		NumClasses:      m.NumClasses,
		NumTransformers: m.NumTransformers,
		OutHeight:       m.OutHeight,
		OutWidth:        m.OutWidth,
		Use448px:        m.Use448px,
		ChannelsAxis:    m.ChannelsAxis,
	}
}

// StageBlocks returns the number of blocks in each stage of the model's backbone.
func (m *Model) StageBlocks() []int {
	if m.Kind == KindCifar {
		n, err := CifarBlocksPerStage(m.Depth)
		if err != nil {
			return nil
		}
		return []int{n, n, n}
	}
	return slices.Clone(m.Blocks)
}

// InputShape returns the shape of a batch of input images of the model.
func (m *Model) InputShape(dtype dtypes.DType, batchSize int) shapes.Shape {
	if m.ChannelsAxis == images.ChannelsLast {
		return shapes.Make(dtype, batchSize, m.InputSize, m.InputSize, 3)
	}
	return shapes.Make(dtype, batchSize, 3, m.InputSize, m.InputSize)
}

// Build the model graph for the batch of images x, creating its variables in ctx.
// It returns the logits shaped [batch, NumClasses].
func (m *Model) Build(ctx *context.Context, x *Node) *Node {
	switch m.Kind {
	case KindCifar:
		return CifarResNeXt(ctx, x, m.Depth, m.Cardinality, m.BaseWidth, m.NumClasses, m.ChannelsAxis)
	case KindBird:
		return BirdResNeXt(ctx, x, m.Blocks, m.Cardinality, m.BaseWidth, m.NumClasses, m.ChannelsAxis)
	case KindSpatialTransform:
		return SpatialTransformResNeXt(ctx, x, m.SpatialTransformConfig())
	default:
		exceptions.Panicf("resnext: model %q has unknown kind %s", m.Name, m.Kind)
		return nil
	}
}

// ModelFn returns the train.ModelFn that builds the model over inputs[0], converted to Float32 if needed.
func (m *Model) ModelFn() train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		x := inputs[0]
		if !x.DType().IsFloat() {
			x = ConvertDType(x, dtypes.Float32)
		}
		return []*Node{m.Build(ctx, x)}
	}
}

// Initialize creates all variables of the model in ctx, and sets their initial values (see ConvStddev and
// LinearStddev for the initialization policy).
//
// If ctx already holds variables (e.g. loaded from a checkpoint, or from a previous call) they must be the model's:
// the model is built reusing them, and variables that already have values are not changed.
func (m *Model) Initialize(backend backends.Backend, ctx *context.Context, batchSize int) error {
	if ctx.NumVariables() > 0 {
		ctx = ctx.Reuse()
	}
	err := exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "initialize_"+m.Name)
		defer g.Finalize()
		x := Parameter(g, "images", m.InputShape(dtypes.Float32, batchSize))
		_ = m.Build(ctx, x)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to build model %q", m.Name)
	}
	if err = ctx.InitializeVariables(backend, nil); err != nil {
		return errors.WithMessagef(err, "failed to initialize variables of model %q", m.Name)
	}
	klog.V(1).Infof("model %q initialized: %d variables, %d parameters", m.Name, ctx.NumVariables(), ctx.NumParameters())
	return nil
}
