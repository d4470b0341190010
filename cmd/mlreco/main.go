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

// mlreco runs the reconstruction pipeline described by a YAML configuration
// document: training when training.train is set, otherwise inference plus
// the clustering analysis.
//
// Usage:
//
//	mlreco --config config.yaml
//	mlreco --config config.yaml --inference --model_path weights/
package main

import (
	"flag"

	"github.com/deeplearnphysics/mlreco3d/config"
	"github.com/deeplearnphysics/mlreco3d/trainval"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagConfig = flag.String("config", "", "Path to the YAML configuration document (required).")
	flagModelPath = flag.String("model_path", "",
		"Checkpoint directory, overriding training.model_path.")
	flagInference = flag.Bool("inference", false,
		"Run the inference/analysis path regardless of training.train.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagConfig == "" {
		klog.Exitf("usage: mlreco --config <file.yaml> [--inference] [--model_path <dir>]")
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		klog.Exitf("failed to load configuration: %+v", err)
	}
	if *flagInference {
		cfg = cfg.InferenceConfig(*flagModelPath)
	} else if *flagModelPath != "" {
		cfg.Training.ModelPath = *flagModelPath
	}

	mode := "training"
	if !cfg.Training.Train {
		mode = "inference"
	}
	klog.Infof("%s run: model %q, %d iterations, batch size %d",
		mode, cfg.Model.Name, cfg.Training.Iterations, cfg.IOTool.BatchSize)

	if err := trainval.Run(cfg); err != nil {
		klog.Exitf("run failed: %+v", err)
	}
}
