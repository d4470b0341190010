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
	"fmt"

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// UResNetParams are the hyperparameters of the U-shaped backbone, decoded
// from the model's entry under model.modules. Absent keys take the usual
// network defaults.
type UResNetParams struct {
	// DataDim is the spatial dimensionality of the points. Only 3 is
	// supported.
	DataDim int

	// NumStrides is the depth of the U: the number of resolution levels,
	// each half the size of the previous one.
	NumStrides int

	// Filters is the feature plane count of the first level. Level i carries
	// (i+1)*Filters planes.
	Filters int

	// Reps is the number of convolution blocks per level.
	Reps int

	// KernelSize is the kernel of the strided down-sampling convolutions.
	// The in-level blocks always use 3.
	KernelSize int

	// Features is the number of feature columns per input point.
	Features int

	NumClasses  int
	SpatialSize int

	// CoordConv appends the normalized point coordinates to the decoded
	// per-point features before the prediction heads.
	CoordConv bool
}

// DecodeUResNetParams reads the backbone hyperparameters from a module
// configuration block.
func DecodeUResNetParams(m config.ModuleConfig) UResNetParams {
	return UResNetParams{
		DataDim:     config.GetParamOr(m, "data_dim", 3),
		NumStrides:  config.GetParamOr(m, "num_strides", 5),
		Filters:     config.GetParamOr(m, "filters", 16),
		Reps:        config.GetParamOr(m, "reps", 2),
		KernelSize:  config.GetParamOr(m, "kernel_size", 2),
		Features:    config.GetParamOr(m, "features", 1),
		NumClasses:  config.GetParamOr(m, "num_classes", 5),
		SpatialSize: config.GetParamOr(m, "spatial_size", 512),
		CoordConv:   config.GetParamOr(m, "coordConv", false),
	}
}

// Validate checks the hyperparameters are mutually consistent.
func (p UResNetParams) Validate() error {
	if p.DataDim != 3 {
		return errors.Errorf("uresnet supports data_dim=3 only, got %d", p.DataDim)
	}
	if p.NumStrides < 2 {
		return errors.Errorf("num_strides must be >= 2, got %d", p.NumStrides)
	}
	if p.Filters <= 0 || p.Reps <= 0 || p.Features <= 0 || p.KernelSize < 2 {
		return errors.Errorf("filters (%d), reps (%d), features (%d) must be positive and kernel_size (%d) >= 2",
			p.Filters, p.Reps, p.Features, p.KernelSize)
	}
	if p.NumClasses < 2 {
		return errors.Errorf("num_classes must be >= 2, got %d", p.NumClasses)
	}
	deepestStride := 1 << (p.NumStrides - 1)
	if p.SpatialSize <= 0 || p.SpatialSize%deepestStride != 0 {
		return errors.Errorf("spatial_size (%d) must be a positive multiple of 2^(num_strides-1) = %d",
			p.SpatialSize, deepestStride)
	}
	return nil
}

// PlaneFilters returns the feature plane count at each level of the U,
// growing linearly with depth.
func (p UResNetParams) PlaneFilters() []int {
	planes := make([]int, p.NumStrides)
	for i := range planes {
		planes[i] = (i + 1) * p.Filters
	}
	return planes
}

// uresnetGraph builds the forward pass of the backbone and its prediction
// heads over one collated batch of sparse points.
//
// The events are sparse but XLA wants static dense shapes, so the points are
// scattered onto a dense [batch, S, S, S, features] grid (averaging points
// that share a cell), run through a dense convolutional U, and the decoded
// features are gathered back per point. Memory makes this practical only for
// modest spatial_size; physics-wise it is equivalent, voxels the original
// sparse convolutions never touch carry zeros.
type uresnetGraph struct {
	params UResNetParams

	// withPPN adds the point-proposal head: per-point offsets towards the
	// nearest point of interest plus a two-way point/not-point score.
	withPPN bool
}

// Build has the models.GraphFn signature.
func (u *uresnetGraph) Build(ctx *context.Context, spec any, inputs []*Node) []*Node {
	p := u.params
	pointFeats := p.pointFeatures(ctx, inputs)
	segLogits := layers.DenseWithBias(ctx.In("segmentation"), pointFeats, p.NumClasses)
	outputs := []*Node{segLogits}
	if u.withPPN {
		ppnCtx := ctx.In("ppn")
		hidden := layers.DenseWithBias(ppnCtx.In("hidden"), pointFeats, p.Filters)
		hidden = activations.ApplyFromContext(ppnCtx, hidden)
		offsets := layers.DenseWithBias(ppnCtx.In("offsets"), hidden, p.DataDim)
		scores := layers.DenseWithBias(ppnCtx.In("scores"), hidden, 2)
		outputs = append(outputs, Concatenate([]*Node{offsets, scores}, -1))
	}
	return outputs
}

// pointFeatures runs the full volume pass over one collated batch of sparse
// points and returns the decoded features per input point: scatter onto the
// dense grid, U-shaped backbone, gather back at the input coordinates.
func (p UResNetParams) pointFeatures(ctx *context.Context, inputs []*Node) *Node {
	if len(inputs) == 0 {
		Panicf("uresnet needs the collated point rows as network input, got none")
	}
	rows := inputs[0]
	if rows.Rank() != 2 {
		Panicf("network input must be rank-2 collated point rows, got shape %s", rows.Shape())
	}
	width := rows.Shape().Dimensions[1]
	if width != p.DataDim+1+p.Features {
		Panicf("network input has %d columns, want coords+batch+features = %d",
			width, p.DataDim+1+p.Features)
	}
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 1)

	coords := Slice(rows, AxisRange(), AxisRange(0, p.DataDim))
	batchIDs := Slice(rows, AxisRange(), AxisRange(p.DataDim, p.DataDim+1))
	feats := Slice(rows, AxisRange(), AxisRange(p.DataDim+1, width))

	indices := p.cellIndices(batchIDs, coords)
	grid := p.voxelize(batchSize, indices, feats)
	decoded := p.backbone(ctx, grid)

	// Back from the grid to the point cloud.
	numCells := decoded.Shape().Size() / decoded.Shape().Dimensions[4]
	flat := Reshape(decoded, numCells, decoded.Shape().Dimensions[4])
	pointFeats := Gather(flat, indices)
	if p.CoordConv {
		normalized := AddScalar(MulScalar(coords, 2.0/float64(p.SpatialSize)), -1.0)
		pointFeats = Concatenate([]*Node{pointFeats, normalized}, -1)
	}
	return pointFeats
}

// cellIndices maps each point to the flat index of its cell on the dense
// [batch * S^3] grid. Coordinates outside the volume are clamped to the
// border cells.
func (p UResNetParams) cellIndices(batchIDs, coords *Node) *Node {
	s := p.SpatialSize
	clamped := ConvertDType(ClipScalar(coords, 0, float64(s-1)), dtypes.Int32)
	indices := ConvertDType(batchIDs, dtypes.Int32)
	for axis := range p.DataDim {
		col := Slice(clamped, AxisRange(), AxisRange(axis, axis+1))
		indices = Add(MulScalar(indices, s), col)
	}
	return indices
}

// voxelize scatters the point features onto the dense grid, averaging
// points that land in the same cell. Empty cells stay zero.
func (p UResNetParams) voxelize(batchSize int, indices, feats *Node) *Node {
	g := feats.Graph()
	s := p.SpatialSize
	numPoints := feats.Shape().Dimensions[0]
	width := feats.Shape().Dimensions[1]
	numCells := batchSize * s * s * s

	sums := Scatter(indices, feats, shapes.Make(feats.DType(), numCells, width))
	counts := Scatter(indices, Ones(g, shapes.Make(feats.DType(), numPoints, 1)),
		shapes.Make(feats.DType(), numCells, 1))
	means := Div(sums, MaxScalar(counts, 1))
	return Reshape(means, batchSize, s, s, s, width)
}

// backbone runs the U-shaped encoder/decoder over the dense grid and returns
// per-cell features at full resolution.
func (p UResNetParams) backbone(ctx *context.Context, grid *Node) *Node {
	planes := p.PlaneFilters()
	skips := make([]*Node, p.NumStrides)
	x := grid
	for level := range p.NumStrides {
		levelCtx := ctx.In(fmt.Sprintf("encoder_%d", level))
		for rep := range p.Reps {
			x = p.convBlock(levelCtx.In(fmt.Sprintf("block_%d", rep)), x, planes[level], 3, 1)
		}
		skips[level] = x
		if level+1 < p.NumStrides {
			x = p.convBlock(levelCtx.In("downsample"), x, planes[level+1], p.KernelSize, 2)
		}
	}
	for level := p.NumStrides - 2; level >= 0; level-- {
		levelCtx := ctx.In(fmt.Sprintf("decoder_%d", level))
		size := p.SpatialSize >> level
		x = Interpolate(x, -1, size, size, size, -1).Nearest().Done()
		x = Concatenate([]*Node{x, skips[level]}, -1)
		for rep := range p.Reps {
			x = p.convBlock(levelCtx.In(fmt.Sprintf("block_%d", rep)), x, planes[level], 3, 1)
		}
	}
	return x
}

// convBlock is convolution, context normalization and context activation.
func (p UResNetParams) convBlock(ctx *context.Context, x *Node, filters, kernel, stride int) *Node {
	x = layers.Convolution(ctx, x).
		Filters(filters).
		KernelSize(kernel).
		Strides(stride).
		PadSame().
		Done()
	x = layers.NormalizeFromContext(ctx.In("norm"), x)
	return activations.ApplyFromContext(ctx, x)
}

func newUResNetPPN(cfg *config.Config) (*Model, error) {
	module, _ := cfg.Module(cfg.Model.Name)
	params := DecodeUResNetParams(module)
	if err := params.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid model.modules.%s", cfg.Model.Name)
	}
	builder := &uresnetGraph{params: params, withPPN: true}
	loss, err := newUResNetPPNLoss(params, module)
	if err != nil {
		return nil, err
	}
	return &Model{
		Name:    cfg.Model.Name,
		Graph:   builder.Build,
		Loss:    loss,
		Outputs: []string{"segmentation", "points"},
	}, nil
}

func newUResNetLonely(cfg *config.Config) (*Model, error) {
	module, _ := cfg.Module(cfg.Model.Name)
	params := DecodeUResNetParams(module)
	if err := params.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid model.modules.%s", cfg.Model.Name)
	}
	builder := &uresnetGraph{params: params}
	return &Model{
		Name:    cfg.Model.Name,
		Graph:   builder.Build,
		Loss:    newSegmentationLoss(params),
		Outputs: []string{"segmentation"},
	}, nil
}
