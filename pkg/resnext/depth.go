// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	"github.com/pkg/errors"
)

// ErrInvalidDepth is returned (wrapped) for CIFAR network depths not of the form 9*n+2.
var ErrInvalidDepth = errors.New("depth should be one of 29, 38, 47, 56, 101")

// ValidCifarDepths lists the commonly used depths of the CIFAR variant.
var ValidCifarDepths = []int{29, 38, 47, 56, 101}

// ValidateCifarDepth checks that (depth-2) is a positive multiple of 9, the only depths for which the three
// CIFAR stages can hold the same number of 3-layer blocks.
func ValidateCifarDepth(depth int) error {
	if depth < 11 || (depth-2)%9 != 0 {
		return errors.Wrapf(ErrInvalidDepth,
			"invalid CIFAR ResNeXt depth %d, it must be 9*n+2 with n >= 1 (at least one block per stage, so depth >= 11)",
			depth)
	}
	return nil
}

// CifarBlocksPerStage returns the number of blocks in each of the three stages of a CIFAR network of the
// given depth, that is (depth-2)/9.
func CifarBlocksPerStage(depth int) (int, error) {
	if err := ValidateCifarDepth(depth); err != nil {
		return 0, err
	}
	return (depth - 2) / 9, nil
}
