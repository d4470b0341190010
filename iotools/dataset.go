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

// Package iotools loads detector events into batched tensors: it discovers the
// event files declared under iotool.dataset, applies the schema parsers and the
// configured collate per batch, and exposes the result as a GoMLX
// train.Dataset.
package iotools

import (
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LArCVDataset serves batches of parsed event data. It implements
// train.Dataset: Yield returns the model.network_input tensors as inputs and
// the model.loss_input tensors as labels.
//
// When a sampler is configured the dataset is an infinite stream (the training
// loop decides how many steps to run). Without one it iterates the events once
// per epoch, optionally shuffled, and returns io.EOF at the end -- the form
// evaluation and inference want.
type LArCVDataset struct {
	name   string
	events []Event

	schema       map[string]config.SchemaEntry
	parsers      map[string]ParserFn
	networkInput []string
	lossInput    []string
	collate      CollateFn

	sampler   BatchSampler
	yieldSize int

	mu       sync.Mutex
	pending  []int
	order    []int
	position int
	shuffle  *rand.Rand
}

var _ train.Dataset = (*LArCVDataset)(nil)

// NewDataset builds the dataset configured under cfg.IOTool, reading every
// matching event file up front. Parser and collate names are resolved here, so
// a schema referencing an unknown parser fails fast.
func NewDataset(name string, cfg *config.Config) (*LArCVDataset, error) {
	dsCfg := &cfg.IOTool.Dataset
	if dsCfg.Name != "" && dsCfg.Name != "LArCVDataset" {
		return nil, errors.Errorf("unknown dataset name %q, only LArCVDataset is implemented", dsCfg.Name)
	}
	files, err := FindEventFiles(dsCfg.DataDirs, dsCfg.DataKey, dsCfg.LimitNumFiles)
	if err != nil {
		return nil, err
	}
	events, totalBytes, err := loadEventFiles(files, cfg.IOTool.NumWorkers)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("dataset %q: loaded %s events from %d files (%s)",
		name, humanize.Comma(int64(len(events))), len(files), humanize.Bytes(uint64(totalBytes)))

	parsers := make(map[string]ParserFn, len(dsCfg.Schema))
	for key, entry := range dsCfg.Schema {
		parser, err := NewParser(entry.Parser())
		if err != nil {
			return nil, errors.WithMessagef(err, "schema key %q", key)
		}
		parsers[key] = parser
	}
	collate, err := NewCollate(cfg.IOTool.CollateFn)
	if err != nil {
		return nil, err
	}

	ds := &LArCVDataset{
		name:         name,
		events:       events,
		schema:       dsCfg.Schema,
		parsers:      parsers,
		networkInput: cfg.Model.NetworkInput,
		lossInput:    cfg.Model.LossInput,
		collate:      collate,
		yieldSize:    cfg.Training.MinibatchSize,
	}
	if ds.yieldSize <= 0 {
		ds.yieldSize = cfg.IOTool.BatchSize
	}
	if sCfg := cfg.IOTool.Sampler; sCfg != nil {
		resolved := *sCfg
		if resolved.BatchSize == 0 {
			resolved.BatchSize = cfg.IOTool.BatchSize
		}
		ds.sampler, err = NewSampler(len(events), &resolved)
		if err != nil {
			return nil, err
		}
	}
	if cfg.IOTool.Shuffle {
		ds.shuffle = rand.New(rand.NewSource(shuffleSeed(cfg.Training.Seed)))
	}
	ds.Reset()
	return ds, nil
}

// shuffleSeed resolves training.seed for the epoch shuffle. Zero means
// time-seeded, like the samplers.
func shuffleSeed(seed int64) int64 {
	if seed == 0 {
		return time.Now().UnixNano()
	}
	return seed
}

// loadEventFiles reads the files with at most numWorkers concurrent readers.
func loadEventFiles(files []string, numWorkers int) (events []Event, totalBytes int64, err error) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	perFile := make([][]Event, len(files))
	errs := make([]error, len(files))
	sem := make(chan struct{}, numWorkers)
	var wg sync.WaitGroup
	for i, file := range files {
		wg.Add(1)
		go func(i int, file string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			perFile[i], errs[i] = ReadEvents(file)
		}(i, file)
	}
	wg.Wait()
	for i, file := range files {
		if errs[i] != nil {
			return nil, 0, errs[i]
		}
		if info, statErr := os.Stat(file); statErr == nil {
			totalBytes += info.Size()
		}
		events = append(events, perFile[i]...)
	}
	if len(events) == 0 {
		return nil, 0, errors.Errorf("event files %v contain no events", files)
	}
	return events, totalBytes, nil
}

// Name implements train.Dataset.
func (ds *LArCVDataset) Name() string { return ds.name }

// NumEvents returns the number of events served.
func (ds *LArCVDataset) NumEvents() int { return len(ds.events) }

// EventIndices returns the global event indices of the given positions.
func (ds *LArCVDataset) EventIndices(positions []int) []int64 {
	indices := make([]int64, len(positions))
	for i, pos := range positions {
		indices[i] = ds.events[pos].Index
	}
	return indices
}

// Reset implements train.Dataset: it restarts the epoch order.
func (ds *LArCVDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetOrderLocked()
}

func (ds *LArCVDataset) resetOrderLocked() {
	ds.position = 0
	if ds.shuffle != nil {
		ds.order = ds.shuffle.Perm(len(ds.events))
		return
	}
	ds.order = make([]int, len(ds.events))
	for i := range ds.order {
		ds.order[i] = i
	}
}

// Yield implements train.Dataset. The spec returned is the dataset itself.
func (ds *LArCVDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	positions, err := ds.nextPositions()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, err = ds.Batch(positions, ds.networkInput)
	if err != nil {
		return nil, nil, nil, err
	}
	labels, err = ds.Batch(positions, ds.lossInput)
	if err != nil {
		return nil, nil, nil, err
	}
	return ds, inputs, labels, nil
}

// nextPositions returns the event positions of the next yield. Without a
// sampler the events are served once per epoch, the final batch possibly
// partial; the call after it returns io.EOF alone and restarts the order.
func (ds *LArCVDataset) nextPositions() ([]int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.sampler != nil {
		for len(ds.pending) < ds.yieldSize {
			ds.pending = append(ds.pending, ds.sampler.Next()...)
		}
		positions := ds.pending[:ds.yieldSize:ds.yieldSize]
		ds.pending = ds.pending[ds.yieldSize:]
		return positions, nil
	}
	if ds.position >= len(ds.order) {
		ds.resetOrderLocked()
		return nil, io.EOF
	}
	end := min(ds.position+ds.yieldSize, len(ds.order))
	positions := ds.order[ds.position:end]
	ds.position = end
	return positions, nil
}

// Batch parses and collates the given schema keys over the events at the given
// positions, one tensor per key.
func (ds *LArCVDataset) Batch(positions []int, keys []string) ([]*tensors.Tensor, error) {
	if len(positions) == 0 {
		return nil, errors.New("empty batch")
	}
	batch := make([]*tensors.Tensor, 0, len(keys))
	for _, key := range keys {
		entry, ok := ds.schema[key]
		if !ok {
			return nil, errors.Errorf("no schema entry for %q", key)
		}
		blocks := make([]Block, 0, len(positions))
		for _, pos := range positions {
			block, err := ds.parsers[key](&ds.events[pos], entry.Sources())
			if err != nil {
				return nil, errors.WithMessagef(err, "parsing %q", key)
			}
			blocks = append(blocks, block)
		}
		rows, err := ds.collate(blocks)
		if err != nil {
			return nil, errors.WithMessagef(err, "collating %q", key)
		}
		t, err := rowsToTensor(rows)
		if err != nil {
			return nil, errors.WithMessagef(err, "batching %q", key)
		}
		batch = append(batch, t)
	}
	return batch, nil
}

// rowsToTensor packs a row matrix into a [numRows, width] float32 tensor.
func rowsToTensor(rows [][]float32) (*tensors.Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("batch produced no rows")
	}
	width := len(rows[0])
	flat := make([]float32, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, errors.Errorf("row 0 has width %d but row %d has width %d", width, i, len(row))
		}
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), width), nil
}
