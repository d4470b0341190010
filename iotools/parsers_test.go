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

// testEvent builds an event with the products the schema parsers expect.
// Values are chosen exactly representable in half precision.
func testEvent(index int64) Event {
	voxels := [][3]int32{{int32(index), 0, 0}, {int32(index), 1, 0}, {int32(index), 1, 1}}
	return Event{
		Index: index,
		Products: map[string]Product{
			"sparse3d_data": {
				Voxels: voxels,
				Values: [][]float32{{0.5}, {1.5}, {2.5}},
			},
			"sparse3d_fivetypes": {
				Voxels: voxels,
				Values: [][]float32{{0}, {1}, {4}},
			},
			"cluster3d_mcst": {
				Voxels: voxels,
				Values: [][]float32{{0}, {0}, {1}},
			},
			"particle_mcst": {
				Voxels: [][3]int32{{int32(index), 1, 0}},
				Values: [][]float32{{1}},
			},
		},
	}
}

func TestParseSparse3DSCN(t *testing.T) {
	ev := testEvent(3)
	parser, err := NewParser("parse_sparse3d_scn")
	require.NoError(t, err)

	block, err := parser(&ev, []string{"sparse3d_data"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3, 0, 0}, {3, 1, 0}, {3, 1, 1}}, block.Coords)
	assert.Equal(t, [][]float32{{0.5}, {1.5}, {2.5}}, block.Features)

	_, err = parser(&ev, []string{"no_such_product"})
	require.Error(t, err)
	_, err = parser(&ev, []string{"sparse3d_data", "sparse3d_fivetypes"})
	require.Error(t, err, "scn parser takes one source")
}

func TestParseSparse3D(t *testing.T) {
	ev := testEvent(0)
	parser, err := NewParser("parse_sparse3d")
	require.NoError(t, err)

	block, err := parser(&ev, []string{"sparse3d_data", "sparse3d_fivetypes"})
	require.NoError(t, err)
	assert.Nil(t, block.Coords, "parse_sparse3d yields flat rows")
	assert.Equal(t, [][]float32{
		{0, 0, 0, 0.5, 0},
		{0, 1, 0, 1.5, 1},
		{0, 1, 1, 2.5, 4},
	}, block.Features)
}

func TestParseCluster3D(t *testing.T) {
	ev := testEvent(1)
	parser, err := NewParser("parse_cluster3d")
	require.NoError(t, err)

	block, err := parser(&ev, []string{"cluster3d_mcst"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}}, block.Coords)
	assert.Equal(t, [][]float32{{0}, {0}, {1}}, block.Features)
}

func TestParseParticlePoints(t *testing.T) {
	ev := testEvent(2)
	parser, err := NewParser("parse_particle_points")
	require.NoError(t, err)

	// The particle product is the last source.
	block, err := parser(&ev, []string{"sparse3d_data", "particle_mcst"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1, 0}}, block.Coords)
	assert.Equal(t, [][]float32{{1}}, block.Features)
}

func TestNewParserUnknown(t *testing.T) {
	_, err := NewParser("parse_tensor3d")
	require.Error(t, err)
	assert.False(t, HasParser("parse_tensor3d"))
	assert.True(t, HasParser("parse_sparse3d_scn"))
}
