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

// Package models holds the network factories of the reconstruction pipeline.
// A network is selected by model.name in the configuration document and
// built by Construct; its hyperparameters come from the matching entry under
// model.modules.
package models

import (
	"sort"

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/pkg/errors"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
)

// ParamBatchSize is the context hyperparameter carrying the number of events
// per batch. Graph shapes are static, so the batch axis of the voxel grid
// must be known while the graph is built. The run driver sets it from
// training.minibatch_size.
const ParamBatchSize = "batch_size"

// GraphFn builds the forward graph of a network. It has the model function
// signature train.NewTrainer expects: inputs are the collated network_input
// tensors, in order, and the returned slice is indexed by
// model.analysis_keys.
type GraphFn func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node

// Model is a constructed network: the forward graph builder, the loss
// closure matching the configured loss_input, and the names of the outputs
// in the order the graph returns them.
type Model struct {
	Name    string
	Graph   GraphFn
	Loss    losses.LossFn
	Outputs []string
}

type factory func(cfg *config.Config) (*Model, error)

var modelRegistry = map[string]factory{
	"uresnet_ppn":        newUResNetPPN,
	"uresnet_lonely":     newUResNetLonely,
	"spatial_embeddings": newSpatialEmbeddings,
}

// Construct builds the network named by model.name in the configuration.
func Construct(cfg *config.Config) (*Model, error) {
	build, ok := modelRegistry[cfg.Model.Name]
	if !ok {
		return nil, errors.Errorf("unknown model %q, registered models: %v", cfg.Model.Name, Names())
	}
	model, err := build(cfg)
	if err != nil {
		return nil, err
	}
	for name, idx := range cfg.Model.AnalysisKeys {
		if idx >= len(model.Outputs) {
			return nil, errors.Errorf("model.analysis_keys.%s = %d is out of range, model %q returns %d outputs",
				name, idx, model.Name, len(model.Outputs))
		}
	}
	return model, nil
}

// HasModel reports whether a network factory is registered under name.
func HasModel(name string) bool {
	_, ok := modelRegistry[name]
	return ok
}

// Names lists the registered network names, sorted.
func Names() []string {
	names := make([]string, 0, len(modelRegistry))
	for name := range modelRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
