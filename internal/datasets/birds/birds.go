// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package birds reads the Caltech-UCSD Birds-200-2011 dataset (CUB-200-2011), with 200 classes of bird species,
// and yields batches of resized images for training and evaluation.
//
// The dataset is described in https://www.vision.caltech.edu/datasets/cub_200_2011/.
package birds

import (
	"bufio"
	"context"
	"image"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/resnext/internal/downloader"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	DownloadURL = "https://data.caltech.edu/records/65de6-vp158/files/CUB_200_2011.tgz"
	TarName     = "CUB_200_2011.tgz"
	SubDir      = "CUB_200_2011"

	// NumClasses is the number of bird species.
	NumClasses = 200
)

// Mean and StdDev per channel used to normalize the images: the ImageNet statistics, which the ResNeXt-50
// backbones are usually trained with.
var (
	Mean   = []float32{0.485, 0.456, 0.406}
	StdDev = []float32{0.229, 0.224, 0.225}
)

// Normalize the channels-last images batch, with values in [0, 1], using Mean and StdDev.
func Normalize(images *Node) *Node {
	g := images.Graph()
	mean := Reshape(ConvertDType(Const(g, Mean), images.DType()), 1, 1, 1, len(Mean))
	stddev := Reshape(ConvertDType(Const(g, StdDev), images.DType()), 1, 1, 1, len(StdDev))
	return Div(Sub(images, mean), stddev)
}

// Download the dataset into baseDir, if not there yet.
func Download(ctx context.Context, baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(ctx, DownloadURL, baseDir, TarName, SubDir, "")
}

// Example is one image of the dataset.
type Example struct {
	ID int

	// Path of the image file, relative to the "images" directory.
	Path string

	// Label is the 0-based class.
	Label int

	IsTrain bool
}

// Metadata of the dataset: the class names and all examples, in the order of their ids.
type Metadata struct {
	Dir      string
	Classes  []string
	Examples []Example
}

// Split returns the train or test examples.
func (m *Metadata) Split(train bool) []Example {
	var split []Example
	for _, ex := range m.Examples {
		if ex.IsTrain == train {
			split = append(split, ex)
		}
	}
	return split
}

// ImagePath returns the full path of the image of the example.
func (m *Metadata) ImagePath(ex Example) string {
	return path.Join(m.Dir, "images", ex.Path)
}

// parseIndexFile parses the "<id> <value>" lines of one of the dataset index files.
func parseIndexFile(r io.Reader, fn func(id int, value string) error) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idStr, value, found := strings.Cut(line, " ")
		if !found {
			return errors.Errorf("line %d: expected \"<id> <value>\", got %q", lineNum, line)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return errors.Wrapf(err, "line %d: invalid id %q", lineNum, idStr)
		}
		if err = fn(id, strings.TrimSpace(value)); err != nil {
			return errors.WithMessagef(err, "line %d", lineNum)
		}
	}
	return scanner.Err()
}

func parseIndexFilePath(filePath string, fn func(id int, value string) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	return errors.WithMessagef(parseIndexFile(f, fn), "while parsing %q", filePath)
}

// LoadMetadata reads the index files of the dataset under dir (the "CUB_200_2011" directory).
func LoadMetadata(dir string) (*Metadata, error) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	m := &Metadata{Dir: dir}
	err := parseIndexFilePath(path.Join(dir, "classes.txt"), func(id int, value string) error {
		if id != len(m.Classes)+1 {
			return errors.Errorf("classes out of order: got id %d, expected %d", id, len(m.Classes)+1)
		}
		m.Classes = append(m.Classes, value)
		return nil
	})
	if err != nil {
		return nil, err
	}

	idToIdx := make(map[int]int)
	err = parseIndexFilePath(path.Join(dir, "images.txt"), func(id int, value string) error {
		idToIdx[id] = len(m.Examples)
		m.Examples = append(m.Examples, Example{ID: id, Path: value, Label: -1})
		return nil
	})
	if err != nil {
		return nil, err
	}
	exampleFor := func(id int) (*Example, error) {
		idx, found := idToIdx[id]
		if !found {
			return nil, errors.Errorf("unknown image id %d", id)
		}
		return &m.Examples[idx], nil
	}

	err = parseIndexFilePath(path.Join(dir, "image_class_labels.txt"), func(id int, value string) error {
		ex, err := exampleFor(id)
		if err != nil {
			return err
		}
		class, err := strconv.Atoi(value)
		if err != nil || class < 1 || class > len(m.Classes) {
			return errors.Errorf("invalid class %q for image %d", value, id)
		}
		ex.Label = class - 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = parseIndexFilePath(path.Join(dir, "train_test_split.txt"), func(id int, value string) error {
		ex, err := exampleFor(id)
		if err != nil {
			return err
		}
		ex.IsTrain = value == "1"
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ex := range m.Examples {
		if ex.Label < 0 {
			return nil, errors.Errorf("image %d (%q) has no class label", ex.ID, ex.Path)
		}
	}
	klog.V(1).Infof("CUB-200-2011 metadata: %d classes, %d images", len(m.Classes), len(m.Examples))
	return m, nil
}

// ResizeAndCenterCrop resizes img so its shorter side is size, preserving the aspect ratio, and then crops the
// center size x size square.
func ResizeAndCenterCrop(img image.Image, size int) image.Image {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	switch {
	case width < height:
		height = int(math.Round(float64(height) * float64(size) / float64(width)))
		width = size
	case height < width:
		width = int(math.Round(float64(width) * float64(size) / float64(height)))
		height = size
	default:
		width, height = size, size
	}
	img = imaging.Resize(img, width, height, imaging.Linear)
	return imaging.CropCenter(img, size, size)
}

// Dataset implements train.Dataset over a split of CUB-200-2011, yielding batches of images shaped
// [batchSize, size, size, 3] (float32 in [0, 1], channels-last) and labels shaped [batchSize, 1] (int64).
//
// It is safe for concurrent use, so it can be wrapped with datasets.Parallel.
type Dataset struct {
	name     string
	metadata *Metadata
	examples []Example
	toTensor *images.ToTensorConfig

	size, batchSize int
	dropIncomplete  bool
	infinite        bool
	shuffle         bool
	flipRandomly    bool

	mu   sync.Mutex
	rng  *rand.Rand
	next int
}

// NewDataset creates a dataset over the train or test split of the metadata, resizing images to size x size.
// By default, it yields batches of 32 examples, in order, for one epoch.
func NewDataset(name string, metadata *Metadata, train bool, size int) *Dataset {
	return &Dataset{
		name:      name,
		metadata:  metadata,
		examples:  metadata.Split(train),
		toTensor:  images.ToTensor(dtypes.Float32),
		size:      size,
		batchSize: 32,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// BatchSize sets the batch size, and whether the last incomplete batch of an epoch is dropped.
func (ds *Dataset) BatchSize(batchSize int, dropIncomplete bool) *Dataset {
	ds.batchSize = batchSize
	ds.dropIncomplete = dropIncomplete
	return ds
}

// Shuffle the examples at the start of every epoch.
func (ds *Dataset) Shuffle() *Dataset {
	ds.shuffle = true
	ds.shuffleLocked()
	return ds
}

// Infinite makes the dataset loop over the epochs without ever returning io.EOF.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// FlipRandomly flips half of the images horizontally, for augmentation.
func (ds *Dataset) FlipRandomly(flip bool) *Dataset {
	ds.flipRandomly = flip
	return ds
}

// WithSeed makes the shuffling and augmentation deterministic.
func (ds *Dataset) WithSeed(seed uint64) *Dataset {
	ds.rng = rand.New(rand.NewPCG(seed, seed))
	if ds.shuffle {
		ds.shuffleLocked()
	}
	return ds
}

// NumExamples in the split.
func (ds *Dataset) NumExamples() int { return len(ds.examples) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffle {
		ds.shuffleLocked()
	}
}

func (ds *Dataset) shuffleLocked() {
	ds.rng.Shuffle(len(ds.examples), func(i, j int) {
		ds.examples[i], ds.examples[j] = ds.examples[j], ds.examples[i]
	})
}

// nextBatch selects the examples of the next batch, and whether each should be flipped.
func (ds *Dataset) nextBatch() (batch []Example, flips []bool, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if len(ds.examples) == 0 {
		return nil, nil, errors.Errorf("dataset %q has no examples", ds.name)
	}
	for len(batch) < ds.batchSize {
		if ds.next >= len(ds.examples) {
			if !ds.infinite {
				break
			}
			ds.next = 0
			if ds.shuffle {
				ds.shuffleLocked()
			}
		}
		batch = append(batch, ds.examples[ds.next])
		flips = append(flips, ds.flipRandomly && ds.rng.IntN(2) == 1)
		ds.next++
	}
	if len(batch) == 0 || (ds.dropIncomplete && len(batch) < ds.batchSize) {
		return nil, nil, io.EOF
	}
	return batch, flips, nil
}

// Yield implements train.Dataset. Images are read and resized outside the lock, so parallel calls overlap.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch, flips, err := ds.nextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	imgs := make([]image.Image, len(batch))
	batchLabels := make([]int64, len(batch))
	for ii, ex := range batch {
		img, err := imaging.Open(ds.metadata.ImagePath(ex), imaging.AutoOrientation(true))
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "reading image %d of %q", ex.ID, ds.name)
		}
		img = ResizeAndCenterCrop(img, ds.size)
		if flips[ii] {
			img = imaging.FlipH(img)
		}
		imgs[ii] = img
		batchLabels[ii] = int64(ex.Label)
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(imgs)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchLabels, len(batch), 1)}
	return ds, inputs, labels, nil
}
