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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = `
iotool:
  batch_size: 16
  shuffle: false
  num_workers: 4
  collate_fn: CollateSparse
  sampler:
    name: RandomSequenceSampler
    batch_size: 16
  dataset:
    name: LArCVDataset
    data_dirs:
      - /data/dlprod_ppn_v08
    data_key: train_512px
    limit_num_files: 10
    schema:
      input_data:
        - parse_sparse3d_scn
        - sparse3d_data
      segment_label:
        - parse_sparse3d_scn
        - sparse3d_fivetypes
      particles_label:
        - parse_particle_points
        - sparse3d_data
        - particle_mcst
model:
  name: uresnet_ppn
  modules:
    uresnet_ppn:
      num_strides: 5
      filters: 16
      num_classes: 5
      data_dim: 3
      spatial_size: 512
    dbscan:
      epsilon: 5.0
      minPoints: 10
      num_classes: 5
      data_dim: 3
  network_input:
    - input_data
  loss_input:
    - segment_label
    - particles_label
  analysis_keys:
    segmentation: 0
    points: 1
training:
  seed: 0
  learning_rate: 0.0025
  gpus: '0'
  weight_prefix: ./weights/snapshot
  iterations: 10000
  report_step: 1
  checkpoint_step: 500
  log_dir: ./logs
  model_path: ''
  train: true
  debug: false
  minibatch_size: 4
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.IOTool.BatchSize)
	assert.False(t, cfg.IOTool.Shuffle)
	assert.Equal(t, 4, cfg.IOTool.NumWorkers)
	assert.Equal(t, "CollateSparse", cfg.IOTool.CollateFn)
	require.NotNil(t, cfg.IOTool.Sampler)
	assert.Equal(t, "RandomSequenceSampler", cfg.IOTool.Sampler.Name)
	assert.Equal(t, []string{"/data/dlprod_ppn_v08"}, cfg.IOTool.Dataset.DataDirs)
	assert.Equal(t, 10, cfg.IOTool.Dataset.LimitNumFiles)

	entry := cfg.IOTool.Dataset.Schema["particles_label"]
	assert.Equal(t, "parse_particle_points", entry.Parser())
	assert.Equal(t, []string{"sparse3d_data", "particle_mcst"}, entry.Sources())

	assert.Equal(t, "uresnet_ppn", cfg.Model.Name)
	assert.Equal(t, []string{"input_data"}, cfg.Model.NetworkInput)
	assert.Equal(t, []string{"segment_label", "particles_label"}, cfg.Model.LossInput)
	assert.Equal(t, 0, cfg.Model.AnalysisKeys["segmentation"])
	assert.Equal(t, 1, cfg.Model.AnalysisKeys["points"])

	assert.Equal(t, 0.0025, cfg.Training.LearningRate)
	assert.Equal(t, 10000, cfg.Training.Iterations)
	assert.Equal(t, 500, cfg.Training.CheckpointStep)
	assert.True(t, cfg.Training.Train)
	assert.Equal(t, 4, cfg.Training.MinibatchSize)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
iotool:
  batch_size: 8
  dataset:
    data_dirs: [/data]
    schema:
      input_data: [parse_sparse3d, sparse3d_data]
model:
  name: uresnet_ppn
  modules:
    uresnet_ppn: {}
  network_input: [input_data]
training:
  learning_rate: 0.001
  iterations: 100
`))
	require.NoError(t, err)
	assert.Equal(t, "CollateSparse", cfg.IOTool.CollateFn)
	assert.Equal(t, "LArCVDataset", cfg.IOTool.Dataset.Name)
	assert.True(t, cfg.Training.Train, "training.train defaults to true")
	assert.Equal(t, 8, cfg.Training.MinibatchSize, "minibatch_size defaults to batch_size")
	assert.Equal(t, 1, cfg.Training.ReportStep)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uresnet_ppn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDocument), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "uresnet_ppn", cfg.Model.Name)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

// mutate parses the valid test document and applies fn before re-validating.
func mutate(t *testing.T, fn func(cfg *Config)) error {
	cfg, err := Parse([]byte(testDocument))
	require.NoError(t, err)
	fn(cfg)
	return cfg.Validate()
}

func TestValidate(t *testing.T) {
	require.NoError(t, mutate(t, func(cfg *Config) {}))

	assert.Error(t, mutate(t, func(cfg *Config) { cfg.IOTool.BatchSize = 0 }))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.IOTool.NumWorkers = -1 }))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.IOTool.Sampler.BatchSize = 32 }))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.IOTool.Dataset.DataDirs = nil }))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.IOTool.Dataset.DataDirs = []string{"  "} }))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.IOTool.Dataset.LimitNumFiles = -2 }))
	assert.Error(t, mutate(t, func(cfg *Config) {
		cfg.IOTool.Dataset.Schema["broken"] = SchemaEntry{}
	}))
	assert.Error(t, mutate(t, func(cfg *Config) {
		cfg.IOTool.Dataset.Schema["broken"] = SchemaEntry{"parse_sparse3d"}
	}))

	assert.Error(t, mutate(t, func(cfg *Config) { cfg.Model.Name = "" }))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.Model.Name = "unknown_module" }))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.Model.NetworkInput = nil }))
	assert.Error(t, mutate(t, func(cfg *Config) {
		cfg.Model.NetworkInput = []string{"no_such_key"}
	}))
	assert.Error(t, mutate(t, func(cfg *Config) {
		cfg.Model.LossInput = append(cfg.Model.LossInput, "no_such_key")
	}))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.Model.AnalysisKeys["points"] = -1 }))

	// Module names are valid references too: dbscan consumes the network
	// output but is itself listed under model.modules.
	require.NoError(t, mutate(t, func(cfg *Config) {
		cfg.Model.LossInput = append(cfg.Model.LossInput, "dbscan")
	}))

	assert.Error(t, mutate(t, func(cfg *Config) { cfg.Training.LearningRate = 0 }))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.Training.Iterations = 0 }))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.Training.ReportStep = -1 }))
	assert.Error(t, mutate(t, func(cfg *Config) {
		cfg.Training.CheckpointStep = 100
		cfg.Training.WeightPrefix = ""
	}))
	assert.Error(t, mutate(t, func(cfg *Config) { cfg.Training.MinibatchSize = 3 }))
}

func TestInferenceConfig(t *testing.T) {
	cfg, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	inference := cfg.InferenceConfig("/weights/snapshot-9999")
	assert.False(t, inference.Training.Train)
	assert.Equal(t, 1, inference.IOTool.BatchSize)
	assert.Equal(t, 1, inference.Training.MinibatchSize)
	assert.Nil(t, inference.IOTool.Sampler)
	assert.Equal(t, "/weights/snapshot-9999", inference.Training.ModelPath)

	// The original document is untouched.
	assert.True(t, cfg.Training.Train)
	assert.Equal(t, 16, cfg.IOTool.BatchSize)
	assert.NotNil(t, cfg.IOTool.Sampler)

	// Without an override the existing model_path is kept.
	cfg.Training.ModelPath = "/weights/snapshot-100"
	assert.Equal(t, "/weights/snapshot-100", cfg.InferenceConfig("").Training.ModelPath)
}

func TestGetParamOr(t *testing.T) {
	m, ok := func() (ModuleConfig, bool) {
		cfg, err := Parse([]byte(testDocument))
		require.NoError(t, err)
		return cfg.Module("uresnet_ppn")
	}()
	require.True(t, ok)

	assert.Equal(t, 5, GetParamOr(m, "num_strides", 0))
	assert.Equal(t, 16, GetParamOr(m, "filters", 0))
	assert.Equal(t, 2, GetParamOr(m, "reps", 2)) // absent, default
	// Integer literal requested as float.
	assert.Equal(t, 512.0, GetParamOr(m, "spatial_size", 0.0))

	dbscan, ok := func() (ModuleConfig, bool) {
		cfg, err := Parse([]byte(testDocument))
		require.NoError(t, err)
		return cfg.Module("dbscan")
	}()
	require.True(t, ok)
	assert.Equal(t, 5.0, GetParamOr(dbscan, "epsilon", 0.0))
	assert.Equal(t, 10, GetParamOr(dbscan, "minPoints", 0))

	// Missing module.
	var nilModule ModuleConfig
	assert.Equal(t, 7, GetParamOr(nilModule, "anything", 7))
}
