// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// nnc compiles a small built-in MLP model (softmax(relu(x·W1 + b1)·W2 + b2)) with the selected backend.
//
// By default, it compiles the model and evaluates it over a synthetic dataset, batch by batch, printing the
// last batch of results. With -out it saves the compiled model as a bundle instead, which can be run with
// the bundlerun tool, and optionally published to Google Cloud Storage with -gcs.
//
// Examples:
//
//	nnc -backend=cpu -batches=100
//	nnc -backend=cpu -out=/tmp/mlp -gcs=gs://my-bucket/models/mlp
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/backends"
	_ "github.com/gomlx/nnc/backends/default"
	"github.com/gomlx/nnc/engine"
	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/pkg/bundle"
	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

var (
	flagBackend = flag.String("backend", "",
		fmt.Sprintf("Backend configuration, e.g. \"cpu\" or \"interpreter:parallelism=4\". "+
			"Defaults to $%s or to the default backend.", backends.NNC_BACKEND))
	flagMode    = flag.String("mode", "infer", "Compilation mode: \"infer\" or \"train\".")
	flagOut     = flag.String("out", "", "If set, save the compiled model as a bundle in this directory instead of running it.")
	flagGCS     = flag.String("gcs", "", "If set with -out, publish the saved bundle to this gs://bucket/prefix location.")
	flagBatch   = flag.Int("batch", 8, "Batch size of the compiled model.")
	flagDataset = flag.Int("dataset", 100, "Number of samples in the synthetic dataset.")
	flagBatches = flag.Int("batches", 20, "Number of batches to evaluate.")
	flagHidden  = flag.Int("hidden", 16, "Size of the hidden layer.")
)

const (
	numFeatures = 4
	numClasses  = 3
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagBatch <= 0 || *flagDataset <= 0 || *flagHidden <= 0 {
		klog.Errorf("-batch, -dataset and -hidden must be positive. See 'nnc -help'.")
		os.Exit(1)
	}
	if *flagGCS != "" && *flagOut == "" {
		klog.Errorf("-gcs requires -out. See 'nnc -help'.")
		os.Exit(1)
	}
	mode, err := parseMode(*flagMode)
	if err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}

	e := must.M1(engine.New(*flagBackend))
	defer e.Finalize()
	fn, x, y := buildMLP(e.Module(), *flagBatch, *flagHidden)
	fmt.Printf("Backend: %s\n", e.Backend().Description())

	if *flagOut != "" {
		err = saveBundle(e, mode, fn)
	} else {
		err = evaluate(e, mode, fn, x, y)
	}
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func parseMode(mode string) (graph.CompilationMode, error) {
	switch mode {
	case "infer":
		return graph.ModeInfer, nil
	case "train":
		return graph.ModeTrain, nil
	}
	return graph.ModeInfer, errors.Errorf("unknown -mode=%q, valid values are \"infer\" and \"train\"", mode)
}

// deterministicValues returns a tensor with values in [-1, 1] following a fixed pattern, so runs are reproducible.
func deterministicValues(seed float64, dimensions ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dimensions...))
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(math.Sin(seed + float64(ii)*0.7))
		}
	})
	return t
}

// buildMLP creates the model variables and function. x and y are Public, the weights are Private.
func buildMLP(m *graph.Module, batchSize, hidden int) (fn *graph.Function, x, y *graph.Variable) {
	x = must.M1(m.CreateVariable("x", shapes.Make(dtypes.Float32, batchSize, numFeatures), graph.Public))
	w1 := must.M1(m.CreateVariableWithValue("w1", graph.Private, deterministicValues(1, numFeatures, hidden)))
	b1 := must.M1(m.CreateVariableWithValue("b1", graph.Private, deterministicValues(2, hidden)))
	w2 := must.M1(m.CreateVariableWithValue("w2", graph.Private, deterministicValues(3, hidden, numClasses)))
	b2 := must.M1(m.CreateVariableWithValue("b2", graph.Private, deterministicValues(4, numClasses)))
	y = must.M1(m.CreateVariable("y", shapes.Make(dtypes.Float32, batchSize, numClasses), graph.Public))

	fn = must.M1(m.CreateFunction("mlp"))
	hidden := fn.Relu(fn.FullyConnected(fn.Var(x), fn.Var(w1), fn.Var(b1)))
	fn.Save(fn.Softmax(fn.FullyConnected(hidden, fn.Var(w2), fn.Var(b2))), y)
	return
}

func evaluate(e *engine.ExecutionEngine, mode graph.CompilationMode, fn *graph.Function, x, y *graph.Variable) error {
	start := time.Now()
	if err := e.Compile(mode, fn); err != nil {
		return err
	}
	layout := e.Backend().Layout()
	fmt.Printf("Compiled %q (%s) in %s: %d instructions, regions %s / %s / %s\n",
		fn.Name(), mode, time.Since(start), len(e.IR().Instructions),
		humanize.IBytes(layout.Config.ConstantWeightsSize),
		humanize.IBytes(layout.Config.MutableWeightsSize),
		humanize.IBytes(layout.Config.ActivationsSize))

	dataset := deterministicValues(5, *flagDataset, numFeatures)
	bar := progressbar.NewOptions(*flagBatches,
		progressbar.OptionSetDescription("Evaluating"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"))
	start = time.Now()
	for range *flagBatches {
		if err := e.RunBatch(1, []*graph.Variable{x}, []*tensors.Tensor{dataset}); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	elapsed := time.Since(start)
	fmt.Println()
	fmt.Printf("Evaluated %s samples in %s, cursor at %d\n",
		humanize.Comma(int64(*flagBatches*(*flagBatch))), elapsed, e.Cursor().Position())
	fmt.Printf("Last batch:\n\t%s\n", y.Payload())
	return nil
}

func saveBundle(e *engine.ExecutionEngine, mode graph.CompilationMode, fn *graph.Function) error {
	dir := *flagOut
	if err := e.Save(mode, fn, dir); err != nil {
		return err
	}
	configPath, weightsPath, programPath := bundle.Paths(dir, fn.Name())
	for _, path := range []string{configPath, weightsPath, programPath} {
		info, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "checking saved file %s", path)
		}
		fmt.Printf("\t%-24s %s\n", filepath.Base(path), humanize.Bytes(uint64(info.Size())))
	}
	if *flagGCS == "" {
		return nil
	}
	if err := bundle.Publish(context.Background(), dir, fn.Name(), *flagGCS); err != nil {
		return err
	}
	fmt.Printf("Published bundle %q to %s\n", fn.Name(), *flagGCS)
	return nil
}
