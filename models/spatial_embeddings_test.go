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

package models

import (
	"testing"

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSpatialEmbeddingsParamsDefaults(t *testing.T) {
	p := DecodeSpatialEmbeddingsParams(nil, nil)
	assert.Equal(t, 8, p.EmbeddingDim)
	assert.Equal(t, 0.5, p.IntraMargin)
	assert.Equal(t, 1.0, p.IntraWeight)
	assert.Equal(t, 1.5, p.InterMargin)
	assert.Equal(t, 1.0, p.InterWeight)
	assert.Equal(t, 0.001, p.RegWeight)
	assert.Equal(t, 32, p.MaxClusters)
	assert.Equal(t, 5, p.Backbone.NumStrides, "backbone keys share the uresnet defaults")
	require.NoError(t, p.Validate())
}

func TestDecodeSpatialEmbeddingsParamsOverrides(t *testing.T) {
	p := DecodeSpatialEmbeddingsParams(
		config.ModuleConfig{"embedding_dim": 4, "spatial_size": 64},
		config.ModuleConfig{"intercluster_margin": 3.0, "max_clusters": 10})
	assert.Equal(t, 4, p.EmbeddingDim)
	assert.Equal(t, 64, p.Backbone.SpatialSize)
	assert.Equal(t, 3.0, p.InterMargin)
	assert.Equal(t, 10, p.MaxClusters)
	require.NoError(t, p.Validate())
}

func TestSpatialEmbeddingsParamsValidate(t *testing.T) {
	base := DecodeSpatialEmbeddingsParams(nil, nil)

	p := base
	p.EmbeddingDim = 0
	require.Error(t, p.Validate())

	p = base
	p.IntraMargin = -0.5
	require.Error(t, p.Validate())

	p = base
	p.RegWeight = -1.0
	require.Error(t, p.Validate())

	p = base
	p.MaxClusters = 1
	require.Error(t, p.Validate())

	p = base
	p.Backbone.SpatialSize = 100
	require.Error(t, p.Validate(), "backbone validation applies")
}

func TestConstructSpatialEmbeddings(t *testing.T) {
	cfg := modelConfig("spatial_embeddings", config.ModuleConfig{"spatial_size": 64})
	model, err := Construct(cfg)
	require.NoError(t, err)
	assert.Equal(t, "spatial_embeddings", model.Name)
	assert.Equal(t, []string{"segmentation", "embeddings"}, model.Outputs)
	assert.NotNil(t, model.Graph)
	assert.NotNil(t, model.Loss)

	cfg.Model.Modules["clustering_loss"] = config.ModuleConfig{"intracluster_margin": -1.0}
	_, err = Construct(cfg)
	require.Error(t, err, "invalid clustering_loss hyperparameters")
}
