// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// bundlerun loads a saved bundle, prints its symbol table, and runs it with all inputs filled with a value.
//
// It only depends on the bundle files (config, weights and program): no graph or backend is involved.
//
// Examples:
//
//	bundlerun -name=mlp /tmp/mlp
//	bundlerun -name=mlp -gcs=gs://my-bucket/models/mlp -fill=0.5 /tmp/mlp
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/janpfeifer/must"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/pkg/bundle"
	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

var (
	flagName    = flag.String("name", "", "Name of the bundle: its files are <name>.json, <name>.weights and <name>.program.")
	flagGCS     = flag.String("gcs", "", "If set, fetch the bundle from this gs://bucket/prefix location into the directory first.")
	flagFill    = flag.Float64("fill", 0, "Value all inputs are filled with.")
	flagRuns    = flag.Int("runs", 1, "Number of times to run the entry point.")
	flagSymbols = flag.Bool("symbols", true, "Display the symbol table of the bundle.")
	flagOutputs = flag.Bool("outputs", true, "Display the outputs after the last run.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing bundle directory. See 'bundlerun -help'.")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'bundlerun -help'.")
		os.Exit(1)
	}
	if *flagName == "" {
		klog.Errorf("Missing -name of the bundle. See 'bundlerun -help'.")
		os.Exit(1)
	}
	dir := args[0]
	if *flagGCS != "" {
		must.M(bundle.Fetch(context.Background(), *flagGCS, dir, *flagName))
	}

	b, err := bundle.Load(dir, *flagName)
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Bundle %q", b.Config.Name)))
	fmt.Println(summaryTable(b.Config).Render())
	if *flagSymbols {
		fmt.Println(titleStyle.Render("Symbols"))
		fmt.Println(symbolsTable(b.Config).Render())
	}

	inst := must.M1(b.NewInstance())
	for _, name := range b.Config.Inputs {
		s, _ := b.Config.Symbol(name)
		must.M(inst.SetInput(name, filledTensor(shapes.Make(s.DType(), s.Dimensions...), *flagFill)))
	}
	start := time.Now()
	for range *flagRuns {
		if err = inst.Run(); err != nil {
			klog.Errorf("%+v", err)
			os.Exit(1)
		}
	}
	fmt.Printf("%d run(s) in %s\n", *flagRuns, time.Since(start))

	if !*flagOutputs {
		return
	}
	fmt.Println(titleStyle.Render("Outputs"))
	for _, name := range b.Config.Outputs {
		fmt.Printf("\t%s: %s\n", name, must.M1(inst.Output(name)))
	}
}

// filledTensor returns a tensor of the given shape with every element set to value.
func filledTensor(shape shapes.Shape, value float64) *tensors.Tensor {
	t := tensors.FromShape(shape)
	t.MutableFlatData(func(flat any) {
		switch flat := flat.(type) {
		case []float32:
			for ii := range flat {
				flat[ii] = float32(value)
			}
		case []float64:
			for ii := range flat {
				flat[ii] = value
			}
		case []float16.Float16:
			for ii := range flat {
				flat[ii] = float16.Fromfloat32(float32(value))
			}
		case []int32:
			for ii := range flat {
				flat[ii] = int32(value)
			}
		case []int64:
			for ii := range flat {
				flat[ii] = int64(value)
			}
		default:
			klog.Fatalf("input of shape %s not supported", shape)
		}
	})
	return t
}
