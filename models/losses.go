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
	"math"

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gopjrt/dtypes"
)

// newSegmentationLoss builds the semantic segmentation loss: sparse
// categorical cross-entropy of the per-point class logits against the class
// column of the segment_label rows [x, y, z, batch, class].
func newSegmentationLoss(params UResNetParams) losses.LossFn {
	classCol := params.DataDim + 1
	return func(labels, predictions []*Node) *Node {
		if len(labels) < 1 || len(predictions) < 1 {
			Panicf("segmentation loss needs the segment labels and the class logits, got %d labels and %d predictions",
				len(labels), len(predictions))
		}
		segment, logits := labels[0], predictions[0]
		classes := ConvertDType(
			Slice(segment, AxisRange(), AxisRange(classCol, classCol+1)), dtypes.Int32)
		return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(
			[]*Node{classes}, []*Node{logits}))
	}
}

// newUResNetPPNLoss combines the segmentation loss with the point proposal
// loss.
//
// A point is a positive proposal when it sits within ppn_distance_threshold
// voxels of a labeled point of interest of the same event. The point head is
// trained on two terms: cross-entropy of the point/not-point score against
// that proximity mask, and the distance between coords+offsets and the
// nearest labeled point, averaged over the positives.
func newUResNetPPNLoss(params UResNetParams, module config.ModuleConfig) (losses.LossFn, error) {
	threshold := config.GetParamOr(module, "ppn_distance_threshold", 5.0)
	ppnWeight := config.GetParamOr(module, "ppn_weight", 1.0)
	if threshold <= 0 {
		return nil, errors.Errorf("ppn_distance_threshold must be > 0, got %g", threshold)
	}
	if ppnWeight < 0 {
		return nil, errors.Errorf("ppn_weight must be >= 0, got %g", ppnWeight)
	}
	segLoss := newSegmentationLoss(params)
	dd := params.DataDim

	return func(labels, predictions []*Node) *Node {
		if len(labels) < 2 || len(predictions) < 2 {
			Panicf("uresnet_ppn loss needs segment and particle labels plus segmentation and point predictions, got %d labels and %d predictions",
				len(labels), len(predictions))
		}
		segment, particles := labels[0], labels[1]
		ppn := predictions[1]
		g := segment.Graph()
		dtype := segment.DType()

		loss := segLoss(labels[:1], predictions[:1])

		coords := Slice(segment, AxisRange(), AxisRange(0, dd))
		batchIDs := Slice(segment, AxisRange(), AxisRange(dd, dd+1))
		gtCoords := Slice(particles, AxisRange(), AxisRange(0, dd))
		gtBatch := Slice(particles, AxisRange(), AxisRange(dd, dd+1))
		numLabeled := particles.Shape().Dimensions[0]

		// Pairwise point-to-labeled-point distances, with pairs from
		// different events pushed to infinity.
		diff := Sub(ExpandAxes(coords, 1), ExpandAxes(gtCoords, 0))
		dist := L2Norm(diff, -1)
		sameEvent := Equal(batchIDs, Reshape(gtBatch, 1, numLabeled))
		masked := Where(sameEvent, dist, ConstAsDType(g, dtype, math.Inf(1)))

		minDist := ReduceMin(masked, -1)
		positive := LessThan(minDist, ConstAsDType(g, dtype, threshold))

		// Point/not-point score against the proximity mask.
		scores := Slice(ppn, AxisRange(), AxisRange(dd, dd+2))
		scoreLabels := ExpandAxes(ConvertDType(positive, dtypes.Int32), -1)
		scoreLoss := ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(
			[]*Node{scoreLabels}, []*Node{scores}))

		// Offset regression towards the nearest labeled point, positives only.
		offsets := Slice(ppn, AxisRange(), AxisRange(0, dd))
		predicted := Add(coords, offsets)
		nearest := ArgMin(masked, -1, dtypes.Int32)
		nearestCoords := Gather(gtCoords, ExpandAxes(nearest, -1))
		offsetDist := L2Norm(Sub(predicted, nearestCoords), -1)
		mask := ConvertDType(positive, dtype)
		offsetLoss := Div(
			ReduceSum(Mul(offsetDist, mask)),
			MaxScalar(ReduceSum(mask), 1))

		return Add(loss, MulScalar(Add(scoreLoss, offsetLoss), ppnWeight))
	}, nil
}
