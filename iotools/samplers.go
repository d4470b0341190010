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
	"math/rand"
	"time"

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/pkg/errors"
)

// BatchSampler produces the sequence of event indices that form each batch.
// Samplers are infinite: training drives them for as many steps as configured.
type BatchSampler interface {
	// Next returns the event indices of the next batch.
	Next() []int
}

// SamplerFactory builds a BatchSampler for a dataset of dataSize events.
type SamplerFactory func(dataSize int, cfg *config.SamplerConfig) (BatchSampler, error)

// samplerRegistry maps iotool.sampler.name to its factory.
var samplerRegistry = map[string]SamplerFactory{
	"RandomSequenceSampler":  newRandomSequenceSampler,
	"SequentialBatchSampler": newSequentialBatchSampler,
}

// NewSampler builds the sampler selected by cfg for a dataset of dataSize
// events. It errors on unknown sampler names and on invalid sizes.
func NewSampler(dataSize int, cfg *config.SamplerConfig) (BatchSampler, error) {
	factory, ok := samplerRegistry[cfg.Name]
	if !ok {
		return nil, errors.Errorf("unknown sampler name %q", cfg.Name)
	}
	return factory(dataSize, cfg)
}

// abstractSampler carries the validated sizes and the sampler's own RNG.
type abstractSampler struct {
	dataSize  int
	batchSize int
	rng       *rand.Rand
}

func newAbstractSampler(dataSize, batchSize int, seed int64) (abstractSampler, error) {
	if dataSize < 0 {
		return abstractSampler{}, errors.Errorf("sampler received negative data size %d", dataSize)
	}
	if batchSize <= 0 || batchSize > dataSize {
		return abstractSampler{}, errors.Errorf("sampler received invalid batch size %d for data size %d",
			batchSize, dataSize)
	}
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return abstractSampler{
		dataSize:  dataSize,
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// RandomSequenceSampler yields contiguous windows of batchSize events starting
// at a random offset. Contiguity keeps file reads sequential while the random
// start decorrelates consecutive batches.
type RandomSequenceSampler struct {
	abstractSampler
}

func newRandomSequenceSampler(dataSize int, cfg *config.SamplerConfig) (BatchSampler, error) {
	base, err := newAbstractSampler(dataSize, samplerBatchSize(cfg), samplerSeed(cfg))
	if err != nil {
		return nil, errors.WithMessage(err, "RandomSequenceSampler")
	}
	return &RandomSequenceSampler{abstractSampler: base}, nil
}

// Next implements BatchSampler.
func (s *RandomSequenceSampler) Next() []int {
	start := 0
	if s.dataSize > s.batchSize {
		start = s.rng.Intn(s.dataSize - s.batchSize)
	}
	indices := make([]int, s.batchSize)
	for i := range indices {
		indices[i] = start + i
	}
	return indices
}

// SequentialBatchSampler yields contiguous windows in order, striding by the
// batch size and wrapping around at the end of the data.
type SequentialBatchSampler struct {
	abstractSampler
	position int
}

func newSequentialBatchSampler(dataSize int, cfg *config.SamplerConfig) (BatchSampler, error) {
	base, err := newAbstractSampler(dataSize, samplerBatchSize(cfg), samplerSeed(cfg))
	if err != nil {
		return nil, errors.WithMessage(err, "SequentialBatchSampler")
	}
	return &SequentialBatchSampler{abstractSampler: base}, nil
}

// Next implements BatchSampler.
func (s *SequentialBatchSampler) Next() []int {
	if s.position+s.batchSize > s.dataSize {
		s.position = 0
	}
	indices := make([]int, s.batchSize)
	for i := range indices {
		indices[i] = s.position + i
	}
	s.position += s.batchSize
	return indices
}

func samplerBatchSize(cfg *config.SamplerConfig) int {
	return cfg.BatchSize
}

func samplerSeed(cfg *config.SamplerConfig) int64 {
	if cfg.Seed == 0 {
		return -1
	}
	return cfg.Seed
}
