// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and loads the CIFAR-10 and CIFAR-100 datasets (https://www.cs.toronto.edu/~kriz/cifar.html)
// as in-memory datasets of channels-last float32 images in [0, 1] and int64 labels.
package cifar

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/resnext/internal/downloader"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	C10URL     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	C10Hash    = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	C100URL     = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	C100TarName = "cifar-100-binary.tar.gz"
	C100SubDir  = "cifar-100-binary"
	C100Hash    = "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec"

	// NumTrainExamples and NumTestExamples are the same for CIFAR-10 and CIFAR-100.
	NumTrainExamples = 50000
	NumTestExamples  = 10000
)

// Height, Width and Depth of the images.
const (
	Height = 32
	Width  = 32
	Depth  = 3

	imageSizeBytes = Height * Width * Depth
)

// Mean and StdDev per channel of the CIFAR-10 training images, used by Normalize.
var (
	Mean   = []float32{0.4914, 0.4822, 0.4465}
	StdDev = []float32{0.2470, 0.2435, 0.2616}
)

var C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// Source selects CIFAR-10 (C10) or CIFAR-100 (C100).
type Source int

const (
	C10 Source = iota
	C100
)

func (s Source) String() string {
	switch s {
	case C10:
		return "cifar10"
	case C100:
		return "cifar100"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// NumClasses of the source. CIFAR-100 uses its 100 fine labels.
func (s Source) NumClasses() int {
	if s == C100 {
		return 100
	}
	return 10
}

// labelBytes is the number of label bytes preceding each image in the binary files. The label used is the last one
// (CIFAR-100 stores the coarse label first, then the fine label).
func (s Source) labelBytes() int {
	if s == C100 {
		return 2
	}
	return 1
}

// Partition refers to the train or test partitions of the datasets.
type Partition int

const (
	Train Partition = iota
	Test
)

func (p Partition) String() string {
	if p == Test {
		return "test"
	}
	return "train"
}

// Files returns the binary files of the partition, relative to the base directory.
func (s Source) Files(partition Partition) []string {
	if s == C100 {
		if partition == Test {
			return []string{path.Join(C100SubDir, "test.bin")}
		}
		return []string{path.Join(C100SubDir, "train.bin")}
	}
	if partition == Test {
		return []string{path.Join(C10SubDir, "test_batch.bin")}
	}
	files := make([]string, 5)
	for ii := range files {
		files[ii] = path.Join(C10SubDir, fmt.Sprintf("data_batch_%d.bin", ii+1))
	}
	return files
}

// Download the source into baseDir, if not there yet.
func Download(ctx context.Context, baseDir string, source Source) error {
	switch source {
	case C10:
		return downloader.DownloadAndUntarIfMissing(ctx, C10URL, baseDir, C10TarName, C10SubDir, C10Hash)
	case C100:
		return downloader.DownloadAndUntarIfMissing(ctx, C100URL, baseDir, C100TarName, C100SubDir, C100Hash)
	default:
		return errors.Errorf("invalid CIFAR source %s", source)
	}
}

// ReadExamples reads all records of a CIFAR binary file: each with the label byte(s) followed by the image
// in planar (channels-first) layout.
//
// Images are appended to images converted to channels-last float32 values in [0, 1], and labels to labels.
func ReadExamples(r io.Reader, source Source, images []float32, labels []int64) ([]float32, []int64, error) {
	numLabelBytes := source.labelBytes()
	record := make([]byte, numLabelBytes+imageSizeBytes)
	for exampleIdx := 0; ; exampleIdx++ {
		_, err := io.ReadFull(r, record)
		if err == io.EOF {
			return images, labels, nil
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading example %d", exampleIdx)
		}
		labels = append(labels, int64(record[numLabelBytes-1]))
		pixels := record[numLabelBytes:]
		for h := range Height {
			for w := range Width {
				for d := range Depth {
					images = append(images, float32(pixels[d*Height*Width+h*Width+w])/255)
				}
			}
		}
	}
}

// Load the partition of the source from baseDir, which must have been downloaded already.
// It returns images shaped [numExamples, Height, Width, Depth] (float32) and labels shaped [numExamples, 1] (int64).
func Load(baseDir string, source Source, partition Partition) (images, labels *tensors.Tensor, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	var flatImages []float32
	var flatLabels []int64
	for _, fileName := range source.Files(partition) {
		filePath := path.Join(baseDir, fileName)
		var f *os.File
		f, err = os.Open(filePath)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening data file %q", filePath)
		}
		flatImages, flatLabels, err = ReadExamples(f, source, flatImages, flatLabels)
		_ = f.Close()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "while reading %q", filePath)
		}
	}
	numExamples := len(flatLabels)
	if numExamples == 0 {
		return nil, nil, errors.Errorf("no examples found for %s/%s in %q", source, partition, baseDir)
	}
	klog.V(1).Infof("loaded %d examples of %s/%s", numExamples, source, partition)
	images = tensors.FromFlatDataAndDimensions(flatImages, numExamples, Height, Width, Depth)
	labels = tensors.FromFlatDataAndDimensions(flatLabels, numExamples, 1)
	return images, labels, nil
}

type cacheKey struct {
	baseDir   string
	source    Source
	partition Partition
}

type imagesAndLabels struct {
	images, labels *tensors.Tensor
}

var (
	cacheMu sync.Mutex
	cache   = make(map[cacheKey]imagesAndLabels)
)

// ResetCache drops the data loaded by NewDataset.
func ResetCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = make(map[cacheKey]imagesAndLabels)
}

// NewDataset downloads (if needed) and loads the partition of the source, and returns an in-memory dataset
// over it yielding one input (the images) and one label.
//
// Loaded data is cached, so creating more datasets over the same partition is cheap.
func NewDataset(ctx context.Context, backend backends.Backend, name, baseDir string, source Source,
	partition Partition) (*datasets.InMemoryDataset, error) {
	if err := Download(ctx, baseDir, source); err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", name)
	}
	key := cacheKey{baseDir, source, partition}
	cacheMu.Lock()
	data, found := cache[key]
	cacheMu.Unlock()
	if !found {
		images, labels, err := Load(baseDir, source, partition)
		if err != nil {
			return nil, errors.WithMessagef(err, "creating dataset %q", name)
		}
		data = imagesAndLabels{images, labels}
		cacheMu.Lock()
		cache[key] = data
		cacheMu.Unlock()
	}
	return datasets.InMemoryFromData(backend, name, []any{data.images}, []any{data.labels})
}

// Normalize the channels-last images in [0, 1] with the per-channel Mean and StdDev.
func Normalize(images *Node) *Node {
	g := images.Graph()
	statsDims := make([]int, images.Rank())
	for ii := range statsDims {
		statsDims[ii] = 1
	}
	statsDims[len(statsDims)-1] = Depth
	mean := Reshape(ConvertDType(Const(g, Mean), images.DType()), statsDims...)
	stddev := Reshape(ConvertDType(Const(g, StdDev), images.DType()), statsDims...)
	return Div(Sub(images, mean), stddev)
}
