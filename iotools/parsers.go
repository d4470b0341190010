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

package iotools

import (
	"github.com/pkg/errors"
)

// ParserFn turns the source products of one event into a Block, following one
// iotool.dataset.schema entry.
type ParserFn func(ev *Event, sources []string) (Block, error)

// parserRegistry maps schema parser names to their implementation.
var parserRegistry = map[string]ParserFn{
	"parse_sparse3d_scn":    parseSparse3DSCN,
	"parse_sparse3d":        parseSparse3D,
	"parse_cluster3d":       parseCluster3D,
	"parse_particle_points": parseParticlePoints,
}

// NewParser returns the parser registered under name.
func NewParser(name string) (ParserFn, error) {
	fn, ok := parserRegistry[name]
	if !ok {
		return nil, errors.Errorf("unknown schema parser %q", name)
	}
	return fn, nil
}

// HasParser reports whether name is a registered schema parser.
func HasParser(name string) bool {
	_, ok := parserRegistry[name]
	return ok
}

// parseSparse3DSCN yields the sparse form used for network input: voxel
// coordinates kept separate from their feature columns, so the collate can
// insert the batch-id column between them.
func parseSparse3DSCN(ev *Event, sources []string) (Block, error) {
	if len(sources) != 1 {
		return Block{}, errors.Errorf("parse_sparse3d_scn takes exactly one source, got %v", sources)
	}
	p, err := ev.Product(sources[0])
	if err != nil {
		return Block{}, err
	}
	if len(p.Values) != len(p.Voxels) {
		return Block{}, errors.Errorf("product %q of event %d has %d voxels but %d value rows",
			sources[0], ev.Index, len(p.Voxels), len(p.Values))
	}
	return Block{Coords: voxelRows(p.Voxels), Features: p.Values}, nil
}

// parseSparse3D yields flat rows of [x, y, z, values...], concatenating the
// value columns of every source product over a shared voxel set.
func parseSparse3D(ev *Event, sources []string) (Block, error) {
	if len(sources) == 0 {
		return Block{}, errors.New("parse_sparse3d takes at least one source")
	}
	base, err := ev.Product(sources[0])
	if err != nil {
		return Block{}, err
	}
	rows := voxelRows(base.Voxels)
	for _, source := range sources {
		p, err := ev.Product(source)
		if err != nil {
			return Block{}, err
		}
		if len(p.Values) != len(rows) {
			return Block{}, errors.Errorf("product %q of event %d has %d value rows, want %d (products of one parse_sparse3d entry must share the voxel set)",
				source, ev.Index, len(p.Values), len(rows))
		}
		for i := range rows {
			rows[i] = append(rows[i], p.Values[i]...)
		}
	}
	return Block{Features: rows}, nil
}

// parseCluster3D yields voxel coordinates with their cluster-id column.
func parseCluster3D(ev *Event, sources []string) (Block, error) {
	if len(sources) != 1 {
		return Block{}, errors.Errorf("parse_cluster3d takes exactly one source, got %v", sources)
	}
	p, err := ev.Product(sources[0])
	if err != nil {
		return Block{}, err
	}
	ids := make([][]float32, len(p.Voxels))
	for i := range p.Voxels {
		if len(p.Values) <= i || len(p.Values[i]) == 0 {
			return Block{}, errors.Errorf("product %q of event %d has no cluster id for voxel %d",
				sources[0], ev.Index, i)
		}
		ids[i] = []float32{p.Values[i][0]}
	}
	return Block{Coords: voxelRows(p.Voxels), Features: ids}, nil
}

// parseParticlePoints yields the ground-truth particle points with their point
// class. The particle product is the last source; earlier sources name the
// voxel products the points were generated against, which this parser does not
// need.
func parseParticlePoints(ev *Event, sources []string) (Block, error) {
	if len(sources) == 0 {
		return Block{}, errors.New("parse_particle_points takes at least one source")
	}
	p, err := ev.Product(sources[len(sources)-1])
	if err != nil {
		return Block{}, err
	}
	classes := make([][]float32, len(p.Voxels))
	for i := range p.Voxels {
		class := float32(0)
		if len(p.Values) > i && len(p.Values[i]) > 0 {
			class = p.Values[i][0]
		}
		classes[i] = []float32{class}
	}
	return Block{Coords: voxelRows(p.Voxels), Features: classes}, nil
}

func voxelRows(voxels [][3]int32) [][]float32 {
	rows := make([][]float32, len(voxels))
	for i, v := range voxels {
		rows[i] = []float32{float32(v[0]), float32(v[1]), float32(v[2])}
	}
	return rows
}
