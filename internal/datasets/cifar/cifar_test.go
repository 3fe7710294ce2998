// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"bytes"
	"context"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// record builds one binary record: label bytes followed by a planar image where every pixel of channel d
// has value base+d.
func record(labels []byte, base byte) []byte {
	rec := append([]byte{}, labels...)
	for d := range Depth {
		rec = append(rec, bytes.Repeat([]byte{base + byte(d)}, Height*Width)...)
	}
	return rec
}

func TestReadExamples(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(record([]byte{7}, 10))
	buf.Write(record([]byte{2}, 100))
	images, labels, err := ReadExamples(&buf, C10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 2}, labels)
	require.Len(t, images, 2*imageSizeBytes)
	// Channels-last: consecutive values are the 3 channels of the first pixel.
	assert.InDeltaSlice(t, []float32{10.0 / 255, 11.0 / 255, 12.0 / 255}, images[:3], 1e-6)
	assert.InDeltaSlice(t, []float32{100.0 / 255, 101.0 / 255, 102.0 / 255}, images[imageSizeBytes:imageSizeBytes+3], 1e-6)

	// CIFAR-100 uses the second (fine) label.
	buf.Reset()
	buf.Write(record([]byte{3, 42}, 0))
	_, labels, err = ReadExamples(&buf, C100, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, labels)

	// Truncated record.
	buf.Reset()
	buf.Write(record([]byte{1}, 0)[:100])
	_, _, err = ReadExamples(&buf, C10, nil, nil)
	require.Error(t, err)
}

func TestNewDataset(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.MkdirAll(path.Join(baseDir, C10SubDir), 0755))
	for ii, fileName := range C10.Files(Train) {
		content := append(record([]byte{byte(ii)}, 0), record([]byte{byte(ii + 5)}, 50)...)
		require.NoError(t, os.WriteFile(path.Join(baseDir, fileName), content, 0644))
	}
	require.NoError(t, os.WriteFile(path.Join(baseDir, C10.Files(Test)[0]), record([]byte{9}, 1), 0644))
	defer ResetCache()

	images, labels, err := Load(baseDir, C10, Train)
	require.NoError(t, err)
	assert.NoError(t, images.Shape().Check(dtypes.Float32, 10, Height, Width, Depth))
	assert.NoError(t, labels.Shape().Check(dtypes.Int64, 10, 1))
	assert.Equal(t, []int64{0, 5, 1, 6, 2, 7, 3, 8, 4, 9}, tensors.MustCopyFlatData[int64](labels))

	backend := graphtest.BuildTestBackend()
	ds, err := NewDataset(context.Background(), backend, "test", baseDir, C10, Test)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumExamples())

	_, _, err = Load(baseDir, C100, Train)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	graphtest.RunTestGraphFn(t, "mean maps to zero", func(g *Graph) (inputs, outputs []*Node) {
		meanPixel := Reshape(Const(g, Mean), 1, 1, 1, Depth)
		images := BroadcastToDims(meanPixel, 2, 2, 2, Depth)
		inputs = []*Node{images}
		outputs = []*Node{ReduceAllMax(Abs(Normalize(images)))}
		return
	}, []any{float32(0)}, 1e-6)
}
