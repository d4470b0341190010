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

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/deeplearnphysics/mlreco3d/iotools"
	"github.com/deeplearnphysics/mlreco3d/models"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// reportRow is one loss report, taken every report_step steps.
type reportRow struct {
	step int
	loss float64
}

// Train runs training.iterations optimization steps over the configured
// dataset, checkpointing every checkpoint_step steps under weight_prefix and
// reporting the loss every report_step steps.
func Train(cfg *config.Config) error {
	return exceptions.TryCatch[error](func() {
		backend := newBackend(cfg.Training.GPUs)
		ctx := NewContext(cfg)
		model := must.M1(models.Construct(cfg))
		ds := must.M1(iotools.NewDataset("train", cfg))

		var checkpoint *checkpoints.Handler
		if dir := checkpointDir(&cfg.Training); dir != "" {
			checkpoint = must.M1(checkpoints.Build(ctx).Dir(dir).Keep(keepCheckpoints).Done())
			klog.Infof("checkpointing model to %q", checkpoint.Dir())
		}

		// Convention scope for the model variables, shared with the
		// inference path.
		modelCtx := ctx.In("model")
		trainer := train.NewTrainer(backend, modelCtx,
			train.ModelFn(model.Graph), model.Loss,
			optimizers.FromContext(ctx), nil, nil)
		if cfg.Training.Debug {
			nanlogger.New().AttachToTrainer(trainer)
		}
		loop := train.NewLoop(trainer)
		commandline.AttachProgressBar(loop)

		if checkpoint != nil && cfg.Training.CheckpointStep > 0 {
			train.EveryNSteps(loop, cfg.Training.CheckpointStep, "saving checkpoint", 100,
				func(loop *train.Loop, metrics []*tensors.Tensor) error {
					return checkpoint.Save()
				})
		}

		var reports []reportRow
		if cfg.Training.ReportStep > 0 {
			train.EveryNSteps(loop, cfg.Training.ReportStep, "loss report", 0,
				func(loop *train.Loop, metrics []*tensors.Tensor) error {
					if len(metrics) == 0 {
						return nil
					}
					loss := float64(tensors.ToScalar[float32](metrics[0]))
					klog.V(1).Infof("step %d: loss=%.6f", loop.LoopStep, loss)
					reports = append(reports, reportRow{step: loop.LoopStep, loss: loss})
					return nil
				})
		}

		globalStep := int(optimizers.GetGlobalStep(ctx))
		if globalStep > 0 {
			klog.Infof("resuming from global step %d", globalStep)
			trainer.SetContext(modelCtx.Reuse())
		}
		if globalStep < cfg.Training.Iterations {
			must.M1(loop.RunSteps(ds, cfg.Training.Iterations-globalStep))
			klog.Infof("trained to step %d, median step duration %s",
				loop.LoopStep, loop.MedianTrainStepDuration())
		} else {
			klog.Infof("iterations target %d already reached at global step %d",
				cfg.Training.Iterations, globalStep)
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
		if path := runLogPath(cfg.Training.LogDir, "train"); path != "" && len(reports) > 0 {
			must.M(writeTrainLog(path, reports))
			klog.Infof("loss log written to %q", path)
		}
	})
}

// writeTrainLog writes the collected loss reports as CSV.
func writeTrainLog(path string, reports []reportRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	records := [][]string{{"iteration", "loss"}}
	for _, r := range reports {
		records = append(records, []string{
			strconv.Itoa(r.step),
			strconv.FormatFloat(r.loss, 'g', -1, 64),
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
