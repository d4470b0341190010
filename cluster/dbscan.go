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

// Package cluster provides the density-based post-processing that turns the
// per-point semantic predictions of the network into particle fragments,
// plus the metrics used to score the fragments against truth.
package cluster

import (
	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Noise is the cluster label of points that belong to no cluster.
const Noise = -1

// DBSCANParams configures the fragmenter, decoded from model.modules.dbscan.
type DBSCANParams struct {
	// Epsilon is the neighborhood radius, in voxel units.
	Epsilon float64

	// MinPoints is the minimum neighborhood size (the point itself included)
	// for a point to seed a cluster.
	MinPoints int

	// NumClasses is the number of semantic classes clustered independently.
	NumClasses int

	DataDim int
}

// DecodeDBSCANParams reads the fragmenter hyperparameters from a module
// configuration block.
func DecodeDBSCANParams(m config.ModuleConfig) DBSCANParams {
	return DBSCANParams{
		Epsilon:    config.GetParamOr(m, "epsilon", 1.99),
		MinPoints:  config.GetParamOr(m, "minPoints", 10),
		NumClasses: config.GetParamOr(m, "num_classes", 5),
		DataDim:    config.GetParamOr(m, "data_dim", 3),
	}
}

// Validate checks the hyperparameters.
func (p DBSCANParams) Validate() error {
	if p.Epsilon <= 0 {
		return errors.Errorf("epsilon must be > 0, got %g", p.Epsilon)
	}
	if p.MinPoints < 1 {
		return errors.Errorf("minPoints must be >= 1, got %d", p.MinPoints)
	}
	if p.NumClasses < 1 {
		return errors.Errorf("num_classes must be >= 1, got %d", p.NumClasses)
	}
	if p.DataDim != 3 {
		return errors.Errorf("dbscan supports data_dim=3 only, got %d", p.DataDim)
	}
	return nil
}

// voxelPoint is one point in the kd-tree, carrying its row index so radius
// queries map back to the input order.
type voxelPoint struct {
	pos [3]float64
	row int
}

func (p voxelPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(voxelPoint)
	return p.pos[d] - q.pos[d]
}

func (p voxelPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, following the kd-tree
// convention.
func (p voxelPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(voxelPoint)
	var sum float64
	for i := range p.pos {
		d := p.pos[i] - q.pos[i]
		sum += d * d
	}
	return sum
}

// voxelPoints implements kdtree.Interface.
type voxelPoints []voxelPoint

func (p voxelPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p voxelPoints) Len() int                      { return len(p) }
func (p voxelPoints) Pivot(d kdtree.Dim) int {
	return plane{voxelPoints: p, Dim: d}.Pivot()
}
func (p voxelPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane is the projection of voxelPoints onto one dimension, used to find
// the splitting median while the tree is built.
type plane struct {
	kdtree.Dim
	voxelPoints
}

func (p plane) Less(i, j int) bool {
	return p.voxelPoints[i].pos[p.Dim] < p.voxelPoints[j].pos[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.voxelPoints = p.voxelPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.voxelPoints[i], p.voxelPoints[j] = p.voxelPoints[j], p.voxelPoints[i]
}

// DBSCAN clusters the points with the classic density-based algorithm and
// returns one cluster id per point, in input order. Ids are dense and start
// at 0; points reachable from no dense neighborhood get Noise.
func DBSCAN(points [][3]float64, epsilon float64, minPoints int) []int {
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = Noise
	}
	if len(points) == 0 {
		return labels
	}

	data := make(voxelPoints, len(points))
	for i, pos := range points {
		data[i] = voxelPoint{pos: pos, row: i}
	}
	tree := kdtree.New(data, false)
	epsSq := epsilon * epsilon

	neighbors := func(row int) []int {
		keep := kdtree.NewDistKeeper(epsSq)
		tree.NearestSet(keep, voxelPoint{pos: points[row], row: row})
		found := make([]int, 0, keep.Len())
		for _, c := range keep.Heap {
			if c.Comparable == nil {
				continue
			}
			found = append(found, c.Comparable.(voxelPoint).row)
		}
		return found
	}

	visited := make([]bool, len(points))
	next := 0
	for row := range points {
		if visited[row] {
			continue
		}
		visited[row] = true
		seed := neighbors(row)
		if len(seed) < minPoints {
			continue
		}
		// Grow the cluster from the seed neighborhood.
		labels[row] = next
		queue := seed
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if labels[cur] == Noise {
				labels[cur] = next
			}
			if visited[cur] {
				continue
			}
			visited[cur] = true
			reach := neighbors(cur)
			if len(reach) >= minPoints {
				queue = append(queue, reach...)
			}
		}
		next++
	}
	return labels
}

// Fragment clusters each semantic class independently, mirroring the
// per-class fragmenter: points predicted as different classes never share a
// cluster, and ids stay dense across classes. classes[i] out of
// [0, NumClasses) is left as noise.
func (p DBSCANParams) Fragment(points [][3]float64, classes []int) ([]int, error) {
	if len(points) != len(classes) {
		return nil, errors.Errorf("got %d points but %d class predictions", len(points), len(classes))
	}
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = Noise
	}
	next := 0
	for class := range p.NumClasses {
		rows := make([]int, 0, len(points))
		subset := make([][3]float64, 0, len(points))
		for i, c := range classes {
			if c == class {
				rows = append(rows, i)
				subset = append(subset, points[i])
			}
		}
		if len(subset) == 0 {
			continue
		}
		sub := DBSCAN(subset, p.Epsilon, p.MinPoints)
		maxID := Noise
		for i, id := range sub {
			if id == Noise {
				continue
			}
			labels[rows[i]] = next + id
			if id > maxID {
				maxID = id
			}
		}
		next += maxID + 1
	}
	return labels, nil
}
