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
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/x448/float16"
)

// Product is one named data product of an event: integer voxel coordinates
// plus one or more feature columns per voxel (energy deposition, semantic
// class, cluster id, ...).
type Product struct {
	Voxels [][3]int32
	Values [][]float32
}

// wireProduct is the on-disk form of a Product. Feature values are stored
// half-precision, row-major: detector values fit comfortably in float16 and
// the event files halve in size.
type wireProduct struct {
	Voxels [][3]int32 `msgpack:"voxels"`
	Width  int        `msgpack:"width"`
	Values []uint16   `msgpack:"values_f16"`
}

var (
	_ msgpack.CustomEncoder = (*Product)(nil)
	_ msgpack.CustomDecoder = (*Product)(nil)
)

// EncodeMsgpack implements msgpack.CustomEncoder.
func (p *Product) EncodeMsgpack(enc *msgpack.Encoder) error {
	wire := wireProduct{Voxels: p.Voxels}
	if len(p.Values) > 0 {
		wire.Width = len(p.Values[0])
		wire.Values = make([]uint16, 0, len(p.Values)*wire.Width)
		for i, row := range p.Values {
			if len(row) != wire.Width {
				return errors.Errorf("product has ragged value rows: row 0 has %d columns, row %d has %d",
					wire.Width, i, len(row))
			}
			for _, v := range row {
				wire.Values = append(wire.Values, float16.Fromfloat32(v).Bits())
			}
		}
	}
	return enc.Encode(&wire)
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (p *Product) DecodeMsgpack(dec *msgpack.Decoder) error {
	var wire wireProduct
	if err := dec.Decode(&wire); err != nil {
		return err
	}
	p.Voxels = wire.Voxels
	p.Values = nil
	if wire.Width > 0 {
		if len(wire.Values)%wire.Width != 0 {
			return errors.Errorf("product value payload of %d half-floats is not a multiple of width %d",
				len(wire.Values), wire.Width)
		}
		numRows := len(wire.Values) / wire.Width
		p.Values = make([][]float32, numRows)
		for i := range numRows {
			row := make([]float32, wire.Width)
			for j := range wire.Width {
				row[j] = float16.Float16(wire.Values[i*wire.Width+j]).Float32()
			}
			p.Values[i] = row
		}
	}
	return nil
}

// Event is one recorded detector event: a global index plus its data products
// keyed by product name (the source identifiers referenced by the schema).
type Event struct {
	Index    int64              `msgpack:"index"`
	Products map[string]Product `msgpack:"products"`
}

// Product returns the named product of the event.
func (ev *Event) Product(name string) (Product, error) {
	p, ok := ev.Products[name]
	if !ok {
		return Product{}, errors.Errorf("event %d has no product %q", ev.Index, name)
	}
	return p, nil
}

// WriteEvents writes a stream of msgpack-encoded events to path.
func WriteEvents(path string, events []Event) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create event file %q", path)
	}
	enc := msgpack.NewEncoder(f)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode event %d to %q", i, path)
		}
	}
	return errors.Wrapf(f.Close(), "failed to close event file %q", path)
}

// ReadEvents reads all msgpack-encoded events from path.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open event file %q", path)
	}
	defer f.Close()
	dec := msgpack.NewDecoder(f)
	var events []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Wrapf(err, "failed to decode event %d from %q", len(events), path)
		}
		events = append(events, ev)
	}
	return events, nil
}

// FindEventFiles lists the event files under dataDirs whose names contain
// dataKey, sorted per directory. limit > 0 caps the total number of files.
func FindEventFiles(dataDirs []string, dataKey string, limit int) ([]string, error) {
	var files []string
	for _, dir := range dataDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list data dir %q", dir)
		}
		var matched []string
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if dataKey != "" && !strings.Contains(entry.Name(), dataKey) {
				continue
			}
			matched = append(matched, filepath.Join(dir, entry.Name()))
		}
		sort.Strings(matched)
		files = append(files, matched...)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no event files matching data_key %q under %v", dataKey, dataDirs)
	}
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
