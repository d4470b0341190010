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

// Package config defines the declarative configuration document that drives the
// reconstruction pipeline: the `iotool` tree governs data loading, the `model`
// tree governs network composition and analysis hooks, and the `training` tree
// governs the train/inference run loop.
//
// The document is YAML. Use Load (or Parse) to read it: both apply defaults,
// decode, and run Validate, so a returned *Config is always structurally sound.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SchemaEntry declares how one named data field is built: the first token is
// the parser name, the remaining tokens are the source (product) keys the
// parser reads from each event.
type SchemaEntry []string

// Parser returns the parser name of the entry, or "" if the entry is empty.
func (e SchemaEntry) Parser() string {
	if len(e) == 0 {
		return ""
	}
	return e[0]
}

// Sources returns the source product keys the parser consumes.
func (e SchemaEntry) Sources() []string {
	if len(e) <= 1 {
		return nil
	}
	return e[1:]
}

// SamplerConfig selects the batch sampling strategy.
type SamplerConfig struct {
	Name      string `yaml:"name"`
	BatchSize int    `yaml:"batch_size"`

	// Seed for random samplers. Negative means time-seeded.
	Seed int64 `yaml:"seed"`
}

// DatasetConfig locates the event files and declares the parsing schema.
type DatasetConfig struct {
	Name     string   `yaml:"name"`
	DataDirs []string `yaml:"data_dirs"`

	// DataKey is a substring filter on file names, e.g. "train_512px".
	DataKey string `yaml:"data_key"`

	// LimitNumFiles caps how many matching files are read. 0 means no limit.
	LimitNumFiles int `yaml:"limit_num_files"`

	Schema map[string]SchemaEntry `yaml:"schema"`
}

// IOTool governs data loading.
type IOTool struct {
	BatchSize  int            `yaml:"batch_size"`
	Shuffle    bool           `yaml:"shuffle"`
	NumWorkers int            `yaml:"num_workers"`
	CollateFn  string         `yaml:"collate_fn"`
	Sampler    *SamplerConfig `yaml:"sampler"`
	Dataset    DatasetConfig  `yaml:"dataset"`
}

// ModuleConfig is the free-form hyperparameter mapping of one model module.
// Keys vary per module; each module decodes the values it knows about with
// GetParamOr.
type ModuleConfig map[string]any

// Model governs network composition and evaluation hooks.
type Model struct {
	Name    string                  `yaml:"name"`
	Modules map[string]ModuleConfig `yaml:"modules"`

	// NetworkInput and LossInput wire schema keys to the network forward pass
	// and to the loss, in order.
	NetworkInput []string `yaml:"network_input"`
	LossInput    []string `yaml:"loss_input"`

	// AnalysisKeys maps an analysis name to the index of the network output it
	// consumes.
	AnalysisKeys map[string]int `yaml:"analysis_keys"`
	Analysis     ModuleConfig   `yaml:"analysis"`
}

// Training governs the run loop.
type Training struct {
	Seed           int64   `yaml:"seed"`
	LearningRate   float64 `yaml:"learning_rate"`
	GPUs           string  `yaml:"gpus"`
	WeightPrefix   string  `yaml:"weight_prefix"`
	Iterations     int     `yaml:"iterations"`
	ReportStep     int     `yaml:"report_step"`
	CheckpointStep int     `yaml:"checkpoint_step"`
	LogDir         string  `yaml:"log_dir"`
	ModelPath      string  `yaml:"model_path"`
	Train          bool    `yaml:"train"`
	Debug          bool    `yaml:"debug"`
	MinibatchSize  int     `yaml:"minibatch_size"`
}

// Config is the full configuration document.
type Config struct {
	IOTool   IOTool   `yaml:"iotool"`
	Model    Model    `yaml:"model"`
	Training Training `yaml:"training"`
}

// Default returns a Config pre-filled with the defaults that apply when a key
// is absent from the document.
func Default() *Config {
	return &Config{
		IOTool: IOTool{
			BatchSize: 1,
			CollateFn: "CollateSparse",
			Dataset: DatasetConfig{
				Name: "LArCVDataset",
			},
		},
		Training: Training{
			LearningRate:   0.001,
			Iterations:     1,
			ReportStep:     1,
			CheckpointStep: 0,
			Train:          true,
		},
	}
}

// Parse decodes a YAML configuration document, applies defaults and validates
// it.
func Parse(document []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(document, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration document")
	}
	if cfg.Training.MinibatchSize == 0 {
		cfg.Training.MinibatchSize = cfg.IOTool.BatchSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the YAML configuration document at the given path.
func Load(path string) (*Config, error) {
	document, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from %q", path)
	}
	cfg, err := Parse(document)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing %q", path)
	}
	return cfg, nil
}

// Validate checks the structural and cross-reference invariants of the
// document. String values under network_input, loss_input and analysis_keys
// must reference keys defined under iotool.dataset.schema or model.modules.
func (cfg *Config) Validate() error {
	if cfg.IOTool.BatchSize <= 0 {
		return errors.Errorf("iotool.batch_size must be > 0, got %d", cfg.IOTool.BatchSize)
	}
	if cfg.IOTool.NumWorkers < 0 {
		return errors.Errorf("iotool.num_workers must be >= 0, got %d", cfg.IOTool.NumWorkers)
	}
	if s := cfg.IOTool.Sampler; s != nil {
		if s.Name == "" {
			return errors.New("iotool.sampler.name must be set when a sampler is configured")
		}
		if s.BatchSize != 0 && s.BatchSize != cfg.IOTool.BatchSize {
			return errors.Errorf("iotool.sampler.batch_size (%d) disagrees with iotool.batch_size (%d)",
				s.BatchSize, cfg.IOTool.BatchSize)
		}
	}
	if len(cfg.IOTool.Dataset.DataDirs) == 0 {
		return errors.New("iotool.dataset.data_dirs must list at least one directory")
	}
	for i, dir := range cfg.IOTool.Dataset.DataDirs {
		if strings.TrimSpace(dir) == "" {
			return errors.Errorf("iotool.dataset.data_dirs[%d] is empty", i)
		}
	}
	if cfg.IOTool.Dataset.LimitNumFiles < 0 {
		return errors.Errorf("iotool.dataset.limit_num_files must be >= 0, got %d",
			cfg.IOTool.Dataset.LimitNumFiles)
	}
	for key, entry := range cfg.IOTool.Dataset.Schema {
		if entry.Parser() == "" {
			return errors.Errorf("iotool.dataset.schema.%s does not name a parser", key)
		}
		if len(entry.Sources()) == 0 {
			return errors.Errorf("iotool.dataset.schema.%s (%s) lists no source keys", key, entry.Parser())
		}
	}

	if cfg.Model.Name == "" {
		return errors.New("model.name must be set")
	}
	if _, ok := cfg.Model.Modules[cfg.Model.Name]; !ok {
		return errors.Errorf("model.name %q has no entry under model.modules", cfg.Model.Name)
	}
	if len(cfg.Model.NetworkInput) == 0 {
		return errors.New("model.network_input must list at least one schema key")
	}
	for _, key := range cfg.Model.NetworkInput {
		if err := cfg.checkReference("model.network_input", key); err != nil {
			return err
		}
	}
	for _, key := range cfg.Model.LossInput {
		if err := cfg.checkReference("model.loss_input", key); err != nil {
			return err
		}
	}
	for name, idx := range cfg.Model.AnalysisKeys {
		if idx < 0 {
			return errors.Errorf("model.analysis_keys.%s must be a non-negative output index, got %d", name, idx)
		}
	}

	t := &cfg.Training
	if t.LearningRate <= 0 {
		return errors.Errorf("training.learning_rate must be > 0, got %g", t.LearningRate)
	}
	if t.Iterations <= 0 {
		return errors.Errorf("training.iterations must be > 0, got %d", t.Iterations)
	}
	if t.ReportStep < 0 || t.CheckpointStep < 0 {
		return errors.Errorf("training.report_step (%d) and training.checkpoint_step (%d) must be >= 0",
			t.ReportStep, t.CheckpointStep)
	}
	if t.CheckpointStep > 0 && strings.TrimSpace(t.WeightPrefix) == "" {
		return errors.New("training.weight_prefix must be set when training.checkpoint_step > 0")
	}
	if t.MinibatchSize <= 0 {
		return errors.Errorf("training.minibatch_size must be > 0, got %d", t.MinibatchSize)
	}
	if cfg.IOTool.BatchSize%t.MinibatchSize != 0 {
		return errors.Errorf("training.minibatch_size (%d) must divide iotool.batch_size (%d)",
			t.MinibatchSize, cfg.IOTool.BatchSize)
	}
	return nil
}

// checkReference verifies that key names either a schema entry or a module.
func (cfg *Config) checkReference(where, key string) error {
	if _, ok := cfg.IOTool.Dataset.Schema[key]; ok {
		return nil
	}
	if _, ok := cfg.Model.Modules[key]; ok {
		return nil
	}
	return errors.Errorf("%s references %q, which is neither an iotool.dataset.schema key nor a model.modules entry",
		where, key)
}

// Module returns the hyperparameter mapping of the named module.
func (cfg *Config) Module(name string) (ModuleConfig, bool) {
	m, ok := cfg.Model.Modules[name]
	return m, ok
}

// InferenceConfig clones the configuration rewritten for single-event
// inference: training is switched off, batching is reduced to one event at a
// time, the sampler is dropped and, if modelPath is non-empty, it replaces
// training.model_path.
func (cfg *Config) InferenceConfig(modelPath string) *Config {
	inference := *cfg
	inference.IOTool.BatchSize = 1
	inference.IOTool.Shuffle = false
	inference.IOTool.Sampler = nil
	inference.Training.Train = false
	inference.Training.MinibatchSize = 1
	if modelPath != "" {
		inference.Training.ModelPath = modelPath
	}
	return &inference
}
