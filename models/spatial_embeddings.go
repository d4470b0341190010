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
	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// SpatialEmbeddingsParams are the hyperparameters of the learned-clustering
// network: the shared backbone, the embedding head width, and the
// discriminative loss margins and weights. The loss keys come from the
// clustering_loss module when one is configured.
type SpatialEmbeddingsParams struct {
	Backbone UResNetParams

	// EmbeddingDim is the dimensionality of the per-point embedding space
	// the clusters are pulled apart in.
	EmbeddingDim int

	// IntraMargin is the radius each cluster may occupy in embedding space
	// before its points are penalized; IntraWeight scales the term.
	IntraMargin float64
	IntraWeight float64

	// InterMargin is the minimum separation between cluster centroids of the
	// same event; InterWeight scales the term.
	InterMargin float64
	InterWeight float64

	// RegWeight scales the pull of every centroid towards the origin.
	RegWeight float64

	// MaxClusters bounds the cluster ids of one event. Graph shapes are
	// static, so the centroid table needs a fixed size per event; ids past
	// the bound share its last entry.
	MaxClusters int
}

// DecodeSpatialEmbeddingsParams reads the network hyperparameters from the
// model's module block and the loss hyperparameters from the clustering_loss
// block.
func DecodeSpatialEmbeddingsParams(module, lossModule config.ModuleConfig) SpatialEmbeddingsParams {
	return SpatialEmbeddingsParams{
		Backbone:     DecodeUResNetParams(module),
		EmbeddingDim: config.GetParamOr(module, "embedding_dim", 8),
		IntraMargin:  config.GetParamOr(lossModule, "intracluster_margin", 0.5),
		IntraWeight:  config.GetParamOr(lossModule, "intra_weight", 1.0),
		InterMargin:  config.GetParamOr(lossModule, "intercluster_margin", 1.5),
		InterWeight:  config.GetParamOr(lossModule, "inter_weight", 1.0),
		RegWeight:    config.GetParamOr(lossModule, "reg_weight", 0.001),
		MaxClusters:  config.GetParamOr(lossModule, "max_clusters", 32),
	}
}

// Validate checks the hyperparameters are mutually consistent.
func (p SpatialEmbeddingsParams) Validate() error {
	if err := p.Backbone.Validate(); err != nil {
		return err
	}
	if p.EmbeddingDim <= 0 {
		return errors.Errorf("embedding_dim must be > 0, got %d", p.EmbeddingDim)
	}
	if p.IntraMargin <= 0 || p.InterMargin <= 0 {
		return errors.Errorf("intracluster_margin (%g) and intercluster_margin (%g) must be > 0",
			p.IntraMargin, p.InterMargin)
	}
	if p.IntraWeight < 0 || p.InterWeight < 0 || p.RegWeight < 0 {
		return errors.Errorf("intra_weight (%g), inter_weight (%g) and reg_weight (%g) must be >= 0",
			p.IntraWeight, p.InterWeight, p.RegWeight)
	}
	if p.MaxClusters < 2 {
		return errors.Errorf("max_clusters must be >= 2, got %d", p.MaxClusters)
	}
	return nil
}

// spatialEmbeddingsGraph builds the forward pass of the learned-clustering
// network: the shared backbone, the segmentation head, and an embedding head
// projecting every point into EmbeddingDim-dimensional cluster space.
type spatialEmbeddingsGraph struct {
	params SpatialEmbeddingsParams
}

// Build has the models.GraphFn signature.
func (s *spatialEmbeddingsGraph) Build(ctx *context.Context, spec any, inputs []*Node) []*Node {
	p := s.params.Backbone
	pointFeats := p.pointFeatures(ctx, inputs)
	segLogits := layers.DenseWithBias(ctx.In("segmentation"), pointFeats, p.NumClasses)

	embCtx := ctx.In("embedding")
	hidden := layers.DenseWithBias(embCtx.In("hidden"), pointFeats, p.Filters)
	hidden = activations.ApplyFromContext(embCtx, hidden)
	embeddings := layers.DenseWithBias(embCtx.In("out"), hidden, s.params.EmbeddingDim)
	return []*Node{segLogits, embeddings}
}

// newDiscriminativeLoss combines the segmentation loss with the
// discriminative clustering loss over the embedding head.
//
// Per event, points of the same true cluster are pulled within IntraMargin of
// their centroid, centroids of different clusters are pushed 2*InterMargin
// apart, and a small regularizer keeps centroids near the origin. Centroids
// are accumulated in a fixed table of batchSize*MaxClusters slots, one per
// (event, cluster id) pair, since graph shapes are static.
func newDiscriminativeLoss(p SpatialEmbeddingsParams, batchSize int) losses.LossFn {
	segLoss := newSegmentationLoss(p.Backbone)
	dd := p.Backbone.DataDim
	if batchSize <= 0 {
		batchSize = 1
	}
	numSlots := batchSize * p.MaxClusters

	return func(labels, predictions []*Node) *Node {
		if len(labels) < 2 || len(predictions) < 2 {
			Panicf("spatial_embeddings loss needs segment and cluster labels plus segmentation and embedding predictions, got %d labels and %d predictions",
				len(labels), len(predictions))
		}
		clusters := labels[1]
		emb := predictions[1]
		g := emb.Graph()
		dtype := emb.DType()
		numPoints := emb.Shape().Dimensions[0]
		dim := emb.Shape().Dimensions[1]
		width := clusters.Shape().Dimensions[1]
		if clusters.Shape().Dimensions[0] != numPoints {
			Panicf("cluster labels carry %d rows but the network embedded %d points (both must share the voxel set)",
				clusters.Shape().Dimensions[0], numPoints)
		}

		loss := segLoss(labels[:1], predictions[:1])

		batchIDs := Slice(clusters, AxisRange(), AxisRange(dd, dd+1))
		ids := Slice(clusters, AxisRange(), AxisRange(width-1, width))
		slots := ConvertDType(
			Add(MulScalar(batchIDs, float64(p.MaxClusters)),
				ClipScalar(ids, 0, float64(p.MaxClusters-1))),
			dtypes.Int32)

		counts := Scatter(slots, Ones(g, shapes.Make(dtype, numPoints, 1)),
			shapes.Make(dtype, numSlots, 1))
		safeCounts := MaxScalar(counts, 1)
		means := Div(Scatter(slots, emb, shapes.Make(dtype, numSlots, dim)), safeCounts)
		occupied := MinScalar(counts, 1)
		numClusters := MaxScalar(ReduceSum(occupied), 1)

		// Variance term: hinged distance of every point to its centroid,
		// averaged per cluster, then over clusters.
		intraDist := L2Norm(Sub(emb, Gather(means, slots)), -1)
		intraHinge := MaxScalar(AddScalar(intraDist, -p.IntraMargin), 0)
		intraSums := Scatter(slots, ExpandAxes(Mul(intraHinge, intraHinge), -1),
			shapes.Make(dtype, numSlots, 1))
		intraLoss := Div(ReduceSum(Div(intraSums, safeCounts)), numClusters)

		// Distance term: hinged pairwise separation of occupied centroids,
		// restricted to pairs of the same event.
		meanDist := L2Norm(Sub(ExpandAxes(means, 1), ExpandAxes(means, 0)), -1)
		slotBatch := Div(Scatter(slots, batchIDs, shapes.Make(dtype, numSlots, 1)), safeCounts)
		sameEvent := ConvertDType(Equal(slotBatch, Reshape(slotBatch, 1, numSlots)), dtype)
		offDiagonal := OneMinus(ConvertDType(
			Equal(Iota(g, shapes.Make(dtypes.Int32, numSlots, numSlots), 0),
				Iota(g, shapes.Make(dtypes.Int32, numSlots, numSlots), 1)), dtype))
		pairs := Mul(Mul(Mul(occupied, Reshape(occupied, 1, numSlots)), sameEvent), offDiagonal)
		interHinge := MaxScalar(AddScalar(MulScalar(meanDist, -1), 2*p.InterMargin), 0)
		interLoss := Div(
			ReduceSum(Mul(Mul(interHinge, interHinge), pairs)),
			MaxScalar(ReduceSum(pairs), 1))

		// Regularization term over the occupied centroids.
		regLoss := Div(ReduceSum(Mul(L2Norm(means, -1), Reshape(occupied, numSlots))), numClusters)

		clusterLoss := Add(
			Add(MulScalar(intraLoss, p.IntraWeight), MulScalar(interLoss, p.InterWeight)),
			MulScalar(regLoss, p.RegWeight))
		return Add(loss, clusterLoss)
	}
}

func newSpatialEmbeddings(cfg *config.Config) (*Model, error) {
	module, _ := cfg.Module(cfg.Model.Name)
	lossModule, _ := cfg.Module("clustering_loss")
	params := DecodeSpatialEmbeddingsParams(module, lossModule)
	if err := params.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid model.modules.%s", cfg.Model.Name)
	}
	builder := &spatialEmbeddingsGraph{params: params}
	return &Model{
		Name:    cfg.Model.Name,
		Graph:   builder.Build,
		Loss:    newDiscriminativeLoss(params, cfg.Training.MinibatchSize),
		Outputs: []string{"segmentation", "embeddings"},
	}, nil
}
