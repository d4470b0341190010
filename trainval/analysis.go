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

package trainval

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/deeplearnphysics/mlreco3d/cluster"
	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/deeplearnphysics/mlreco3d/iotools"
	"github.com/deeplearnphysics/mlreco3d/models"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// analysisRow is one event's clustering score line in the analysis CSV.
type analysisRow struct {
	eventIndex   int64
	numPoints    int
	numFragments int
	proposals    int
	ari          float64
	purity       float64
	efficiency   float64
	fscore       float64
}

// Analyze runs the network over the dataset one event at a time, fragments
// the predicted semantic classes with DBSCAN and scores the fragments
// against the true cluster labels. Scores land in a per-run CSV under
// log_dir.
func Analyze(cfg *config.Config) error {
	return exceptions.TryCatch[error](func() {
		cfg = cfg.InferenceConfig(cfg.Training.ModelPath)
		backend := newBackend(cfg.Training.GPUs)
		ctx := NewContext(cfg)
		model := must.M1(models.Construct(cfg))
		ds := must.M1(iotools.NewDataset("analysis", cfg))

		if cfg.Training.ModelPath != "" {
			must.M1(checkpoints.Load(ctx).Dir(cfg.Training.ModelPath).Done())
			ctx = ctx.Reuse()
			klog.Infof("restored model from %q", cfg.Training.ModelPath)
		}

		dbscanModule, _ := cfg.Module("dbscan")
		params := cluster.DecodeDBSCANParams(dbscanModule)
		must.M(params.Validate())

		segIdx := outputIndex(cfg, model, "segmentation")
		if segIdx < 0 {
			exceptions.Panicf("model %q exposes no segmentation output for the analysis stage", model.Name)
		}
		pointsIdx := outputIndex(cfg, model, "points")
		truthKey := config.GetParamOr(cfg.Model.Analysis, "clusters_label", "clusters_label")

		exec := context.NewExec(backend, ctx.In("model"),
			func(ctx *context.Context, rows *graph.Node) []*graph.Node {
				return model.Graph(ctx, nil, []*graph.Node{rows})
			})

		bar := progressbar.Default(int64(ds.NumEvents()), "analyzing events")
		rows := make([]analysisRow, 0, ds.NumEvents())
		for pos := range ds.NumEvents() {
			positions := []int{pos}
			inputs := must.M1(ds.Batch(positions, cfg.Model.NetworkInput))
			outputs := exec.Call(inputs[0])

			coords, classes := pointPredictions(inputs[0], outputs[segIdx], params.DataDim)
			pred := must.M1(params.Fragment(coords, classes))
			truthBatch := must.M1(ds.Batch(positions, []string{truthKey}))
			truth := clusterColumn(truthBatch[0])

			row := scoreEvent(ds.EventIndices(positions)[0], pred, truth)
			if pointsIdx >= 0 && pointsIdx < len(outputs) {
				row.proposals = countProposals(outputs[pointsIdx], params.DataDim)
			}
			rows = append(rows, row)
			_ = bar.Add(1)
		}
		_ = bar.Finish()

		aris := make([]float64, len(rows))
		fscores := make([]float64, len(rows))
		for i, row := range rows {
			aris[i] = row.ari
			fscores[i] = row.fscore
		}
		klog.Infof("analyzed %d events: mean ARI %.4f, mean F-score %.4f",
			len(rows), stat.Mean(aris, nil), stat.Mean(fscores, nil))

		if path := runLogPath(cfg.Training.LogDir, "analysis"); path != "" {
			must.M(writeAnalysisLog(path, rows))
			klog.Infof("analysis written to %q", path)
		}
	})
}

// outputIndex resolves a named network output: model.analysis_keys wins,
// then the model's own output order. -1 means the model has no such output.
func outputIndex(cfg *config.Config, model *models.Model, name string) int {
	if idx, ok := cfg.Model.AnalysisKeys[name]; ok {
		return idx
	}
	for i, output := range model.Outputs {
		if output == name {
			return i
		}
	}
	return -1
}

// pointPredictions extracts per-point coordinates from the collated input
// rows and the predicted semantic class from the segmentation logits.
func pointPredictions(input, segLogits *tensors.Tensor, dataDim int) ([][3]float64, []int) {
	rows := input.Shape().Dimensions[0]
	width := input.Shape().Dimensions[1]
	flat := tensors.CopyFlatData[float32](input)

	numClasses := segLogits.Shape().Dimensions[1]
	logits := tensors.CopyFlatData[float32](segLogits)

	coords := make([][3]float64, rows)
	classes := make([]int, rows)
	for i := range rows {
		for d := range dataDim {
			coords[i][d] = float64(flat[i*width+d])
		}
		best := 0
		for c := 1; c < numClasses; c++ {
			if logits[i*numClasses+c] > logits[i*numClasses+best] {
				best = c
			}
		}
		classes[i] = best
	}
	return coords, classes
}

// clusterColumn reads the true cluster ids off the last column of a collated
// cluster label tensor.
func clusterColumn(t *tensors.Tensor) []int {
	rows := t.Shape().Dimensions[0]
	width := t.Shape().Dimensions[1]
	flat := tensors.CopyFlatData[float32](t)
	ids := make([]int, rows)
	for i := range rows {
		ids[i] = int(flat[i*width+width-1])
	}
	return ids
}

// countProposals counts the points the proposal head scores as points of
// interest (positive logit margin).
func countProposals(points *tensors.Tensor, dataDim int) int {
	rows := points.Shape().Dimensions[0]
	width := points.Shape().Dimensions[1]
	flat := tensors.CopyFlatData[float32](points)
	count := 0
	for i := range rows {
		if flat[i*width+dataDim+1] > flat[i*width+dataDim] {
			count++
		}
	}
	return count
}

// scoreEvent computes the clustering metrics of one event.
func scoreEvent(eventIndex int64, pred, truth []int) analysisRow {
	row := analysisRow{
		eventIndex: eventIndex,
		numPoints:  len(pred),
	}
	fragments := map[int]bool{}
	for _, id := range pred {
		if id != cluster.Noise {
			fragments[id] = true
		}
	}
	row.numFragments = len(fragments)
	row.ari = must.M1(cluster.AdjustedRandIndex(pred, truth))
	row.purity = must.M1(cluster.Purity(pred, truth))
	row.efficiency = must.M1(cluster.Efficiency(pred, truth))
	row.fscore = must.M1(cluster.FScore(pred, truth))
	return row
}

// writeAnalysisLog writes the per-event scores as CSV.
func writeAnalysisLog(path string, rows []analysisRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	records := [][]string{{
		"event", "num_points", "num_fragments", "proposals",
		"ari", "purity", "efficiency", "fscore",
	}}
	for _, row := range rows {
		records = append(records, []string{
			strconv.FormatInt(row.eventIndex, 10),
			strconv.Itoa(row.numPoints),
			strconv.Itoa(row.numFragments),
			strconv.Itoa(row.proposals),
			strconv.FormatFloat(row.ari, 'g', -1, 64),
			strconv.FormatFloat(row.purity, 'g', -1, 64),
			strconv.FormatFloat(row.efficiency, 'g', -1, 64),
			strconv.FormatFloat(row.fscore, 'g', -1, 64),
		})
	}
	df := dataframe.LoadRecords(records)
	if df.Error() != nil {
		return df.Error()
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := df.WriteCSV(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
