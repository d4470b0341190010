/*
 *	Copyright 2024 The mlreco3d Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package iotools

import (
	"github.com/pkg/errors"
)

// Block is the parsed data of one schema key for one event.
//
// Sparse blocks carry voxel coordinates separately from their feature columns,
// so the collate can insert the batch-id column between them. Flat blocks
// (Coords == nil) are plain row matrices.
type Block struct {
	Coords   [][]float32
	Features [][]float32
}

// Rows returns the number of rows in the block.
func (b Block) Rows() int {
	if b.Coords != nil {
		return len(b.Coords)
	}
	return len(b.Features)
}

// CollateFn merges the per-event blocks of one schema key into a single row
// matrix for the whole batch.
type CollateFn func(batch []Block) ([][]float32, error)

// collateRegistry maps iotool.collate_fn to its implementation.
var collateRegistry = map[string]CollateFn{
	"CollateSparse": CollateSparse,
	"CollateDense":  CollateDense,
}

// NewCollate returns the collate function selected by name.
func NewCollate(name string) (CollateFn, error) {
	fn, ok := collateRegistry[name]
	if !ok {
		return nil, errors.Errorf("unknown collate function %q", name)
	}
	return fn, nil
}

// CollateSparse concatenates sparse blocks across the batch, tagging every row
// with its batch id: sparse blocks become rows of
// [coords..., batch_id, features...], flat blocks become
// [features..., batch_id].
func CollateSparse(batch []Block) ([][]float32, error) {
	total := 0
	for _, block := range batch {
		total += block.Rows()
	}
	rows := make([][]float32, 0, total)
	for batchID, block := range batch {
		id := float32(batchID)
		if block.Coords != nil {
			if len(block.Features) != len(block.Coords) {
				return nil, errors.Errorf("sparse block of batch entry %d has %d coordinate rows but %d feature rows",
					batchID, len(block.Coords), len(block.Features))
			}
			for i, coords := range block.Coords {
				row := make([]float32, 0, len(coords)+1+len(block.Features[i]))
				row = append(row, coords...)
				row = append(row, id)
				row = append(row, block.Features[i]...)
				rows = append(rows, row)
			}
			continue
		}
		for _, features := range block.Features {
			row := make([]float32, 0, len(features)+1)
			row = append(row, features...)
			row = append(row, id)
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// CollateDense stacks the per-event feature rows without batch tagging. All
// blocks must have the same number of rows and columns.
func CollateDense(batch []Block) ([][]float32, error) {
	rows := make([][]float32, 0, len(batch)*blockRowsOrOne(batch))
	width := -1
	for batchID, block := range batch {
		if block.Coords != nil {
			return nil, errors.Errorf("CollateDense received a sparse block for batch entry %d", batchID)
		}
		for _, features := range block.Features {
			if width < 0 {
				width = len(features)
			} else if len(features) != width {
				return nil, errors.Errorf("CollateDense received rows of width %d and %d", width, len(features))
			}
			rows = append(rows, features)
		}
	}
	return rows, nil
}

func blockRowsOrOne(batch []Block) int {
	if len(batch) == 0 {
		return 1
	}
	return max(batch[0].Rows(), 1)
}
