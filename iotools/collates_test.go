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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollateSparse(t *testing.T) {
	batch := []Block{
		{
			Coords:   [][]float32{{0, 0, 0}, {1, 2, 3}},
			Features: [][]float32{{0.5}, {1.5}},
		},
		{
			Coords:   [][]float32{{7, 8, 9}},
			Features: [][]float32{{2.5}},
		},
	}
	rows, err := CollateSparse(batch)
	require.NoError(t, err)
	// Batch id sits between the coordinates and the features.
	assert.Equal(t, [][]float32{
		{0, 0, 0, 0, 0.5},
		{1, 2, 3, 0, 1.5},
		{7, 8, 9, 1, 2.5},
	}, rows)
}

func TestCollateSparseFlatBlocks(t *testing.T) {
	// Flat blocks get the batch id appended as the last column.
	batch := []Block{
		{Features: [][]float32{{1, 2, 3, 0.5}}},
		{Features: [][]float32{{4, 5, 6, 1.5}, {7, 8, 9, 2.5}}},
	}
	rows, err := CollateSparse(batch)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{
		{1, 2, 3, 0.5, 0},
		{4, 5, 6, 1.5, 1},
		{7, 8, 9, 2.5, 1},
	}, rows)
}

func TestCollateSparseRaggedBlock(t *testing.T) {
	_, err := CollateSparse([]Block{{
		Coords:   [][]float32{{0, 0, 0}, {1, 1, 1}},
		Features: [][]float32{{0.5}},
	}})
	require.Error(t, err)
}

func TestCollateDense(t *testing.T) {
	rows, err := CollateDense([]Block{
		{Features: [][]float32{{1, 2}}},
		{Features: [][]float32{{3, 4}}},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, rows)

	_, err = CollateDense([]Block{
		{Features: [][]float32{{1, 2}}},
		{Features: [][]float32{{3, 4, 5}}},
	})
	require.Error(t, err, "mismatched widths")

	_, err = CollateDense([]Block{{
		Coords:   [][]float32{{0, 0, 0}},
		Features: [][]float32{{1}},
	}})
	require.Error(t, err, "sparse block fed to dense collate")
}

func TestNewCollate(t *testing.T) {
	_, err := NewCollate("CollateSparse")
	require.NoError(t, err)
	_, err = NewCollate("CollateBogus")
	require.Error(t, err)
}
