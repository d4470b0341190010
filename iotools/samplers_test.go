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

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSampler(t *testing.T) {
	_, err := NewSampler(100, &config.SamplerConfig{Name: "NoSuchSampler", BatchSize: 4})
	require.Error(t, err)

	_, err = NewSampler(-1, &config.SamplerConfig{Name: "SequentialBatchSampler", BatchSize: 4})
	require.Error(t, err, "negative data size")

	_, err = NewSampler(2, &config.SamplerConfig{Name: "SequentialBatchSampler", BatchSize: 4})
	require.Error(t, err, "batch size larger than data size")

	_, err = NewSampler(100, &config.SamplerConfig{Name: "RandomSequenceSampler", BatchSize: 0})
	require.Error(t, err, "batch size must be positive")
}

func TestSequentialBatchSampler(t *testing.T) {
	s, err := NewSampler(10, &config.SamplerConfig{Name: "SequentialBatchSampler", BatchSize: 4})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, s.Next())
	assert.Equal(t, []int{4, 5, 6, 7}, s.Next())
	// 8..11 would run past the data, so it wraps.
	assert.Equal(t, []int{0, 1, 2, 3}, s.Next())
}

func TestRandomSequenceSampler(t *testing.T) {
	s, err := NewSampler(100, &config.SamplerConfig{Name: "RandomSequenceSampler", BatchSize: 8, Seed: 42})
	require.NoError(t, err)

	for range 20 {
		batch := s.Next()
		require.Len(t, batch, 8)
		start := batch[0]
		assert.GreaterOrEqual(t, start, 0)
		assert.Less(t, start+8, 100+1)
		for i, idx := range batch {
			assert.Equal(t, start+i, idx, "batches are contiguous windows")
		}
	}

	// Same seed, same sequence.
	a, err := NewSampler(100, &config.SamplerConfig{Name: "RandomSequenceSampler", BatchSize: 8, Seed: 7})
	require.NoError(t, err)
	b, err := NewSampler(100, &config.SamplerConfig{Name: "RandomSequenceSampler", BatchSize: 8, Seed: 7})
	require.NoError(t, err)
	for range 5 {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func TestRandomSequenceSamplerFullWindow(t *testing.T) {
	// batch_size == data_size leaves a single valid window.
	s, err := NewSampler(4, &config.SamplerConfig{Name: "RandomSequenceSampler", BatchSize: 4, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, s.Next())
}
