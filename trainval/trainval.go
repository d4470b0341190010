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

// Package trainval drives a run from a validated configuration: training when
// training.train is set, otherwise the inference and clustering-analysis
// path.
package trainval

import (
	"os"
	"path/filepath"

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/deeplearnphysics/mlreco3d/models"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// keepCheckpoints is how many checkpoint files are retained per directory.
const keepCheckpoints = 3

// Run dispatches to training or analysis according to training.train.
func Run(cfg *config.Config) error {
	if cfg.Training.Train {
		return Train(cfg)
	}
	return Analyze(cfg)
}

// NewContext builds the GoMLX context for a run: the RNG state comes from
// training.seed (zero keeps a time-based state, matching the samplers), and
// the training tree maps onto the optimizer and layer hyperparameters.
func NewContext(cfg *config.Config) *context.Context {
	ctx := context.New()
	if cfg.Training.Seed != 0 {
		ctx.RngStateFromSeed(cfg.Training.Seed)
	}
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: cfg.Training.LearningRate,
		activations.ParamActivation:  "leaky_relu",
		layers.ParamNormalization:    "batch",
		models.ParamBatchSize:        cfg.Training.MinibatchSize,
	})
	return ctx
}

// newBackend creates the computation backend. training.gpus selects CUDA
// devices the way CUDA_VISIBLE_DEVICES does; empty keeps the default backend
// (or whatever GOMLX_BACKEND selects).
func newBackend(gpus string) backends.Backend {
	if gpus != "" {
		if err := os.Setenv("CUDA_VISIBLE_DEVICES", gpus); err != nil {
			klog.Warningf("failed to set CUDA_VISIBLE_DEVICES=%q: %v", gpus, err)
		}
		return backends.NewWithConfig("xla:cuda")
	}
	return backends.New()
}

// checkpointDir resolves where the run's checkpoint handler lives. Training
// saves (and resumes) under weight_prefix when it is set; model_path serves
// inference restores, and training runs that set no weight_prefix.
func checkpointDir(t *config.Training) string {
	if t.Train && t.WeightPrefix != "" {
		return t.WeightPrefix
	}
	return t.ModelPath
}

// runLogPath names the per-run CSV under log_dir, tagged with a fresh run
// id. Empty when no log_dir is configured.
func runLogPath(logDir, kind string) string {
	if logDir == "" {
		return ""
	}
	return filepath.Join(logDir, kind+"-"+uuid.NewString()+".csv")
}
