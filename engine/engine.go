// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine implements the ExecutionEngine: it drives the compilation of a graph.Function for a
// backend, and runs the compiled function over the Variables of the Module.
//
// Compilation follows a fixed staging over a copy of the function, so the function and the Module are
// never changed by it:
//
//  1. verify the function;
//  2. optimize the graph;
//  3. backend pre-lowering transform (re-optimizing if it changed the graph);
//  4. lower the node kinds the backend doesn't support;
//  5. optimize the graph;
//  6. backend post-lowering transform (re-optimizing if it changed the graph);
//  7. bind the lowered function to the IR container and generate the IR;
//  8. optimize the IR.
//
// Then Compile initializes the backend (for Run and RunBatch), and Save emits a bundle.
//
// Example:
//
//	e, err := engine.New("") // Uses NNC_BACKEND or the default backend.
//	a, _ := e.Module().CreateVariable("a", shape, graph.Public)
//	...
//	fn, _ := e.Module().CreateFunction("main")
//	fn.Save(fn.Add(fn.Var(a), fn.Var(b)), out)
//	err = e.Compile(graph.ModeInfer, fn)
//	err = e.Run([]*graph.Variable{a, b}, []*tensors.Tensor{aValue, bValue})
//	fmt.Println(out.Payload())
package engine

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/backends"
	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/graph/lowering"
	graphopt "github.com/gomlx/nnc/graph/optimizer"
	"github.com/gomlx/nnc/ir"
	iropt "github.com/gomlx/nnc/ir/optimizer"
	"github.com/gomlx/nnc/types/tensors"
)

// ExecutionEngine owns a Module, the IR container of the last compiled function and the backend.
type ExecutionEngine struct {
	module  *graph.Module
	irf     *ir.Function
	backend backends.Backend
	cursor  *BatchCursor

	// backendConfig is the resolved configuration used to (re-)create the backend.
	backendConfig string

	// lowered is the compiled copy of the last function given to GenerateIR.
	lowered *graph.Function

	// initialized is set by Compile, and cleared by Reset.
	initialized bool
}

// New returns an ExecutionEngine with an empty Module and the backend given by backendConfig.
// See backends.New for the format of the configuration: an empty one selects the default backend.
func New(backendConfig string) (*ExecutionEngine, error) {
	e := &ExecutionEngine{
		module:        graph.NewModule(),
		irf:           ir.New(),
		cursor:        NewBatchCursor(),
		backendConfig: backends.ResolveConfig(backendConfig),
	}
	backend, err := backends.New(e.backendConfig, e.irf)
	if err != nil {
		return nil, err
	}
	e.backend = backend
	return e, nil
}

// Module returns the Module owned by the engine.
func (e *ExecutionEngine) Module() *graph.Module { return e.module }

// IR returns the IR container: empty until GenerateIR succeeds.
func (e *ExecutionEngine) IR() *ir.Function { return e.irf }

// Backend returns the current backend.
func (e *ExecutionEngine) Backend() backends.Backend { return e.backend }

// Cursor returns the batch cursor used by RunBatch.
func (e *ExecutionEngine) Cursor() *BatchCursor { return e.cursor }

// Lowered returns the optimized and lowered copy of the last function compiled, or nil.
func (e *ExecutionEngine) Lowered() *graph.Function { return e.lowered }

// SetBackend finalizes the current backend and replaces it by the one given by backendConfig.
// The engine is reset: functions must be compiled again.
func (e *ExecutionEngine) SetBackend(backendConfig string) error {
	backendConfig = backends.ResolveConfig(backendConfig)
	backend, err := backends.New(backendConfig, e.irf)
	if err != nil {
		return err
	}
	if e.backend != nil {
		e.backend.Finalize()
	}
	e.backend = backend
	e.backendConfig = backendConfig
	e.clearCompiled()
	return nil
}

// Reset clears the IR container and re-creates the backend from its configuration, discarding any compiled
// or initialized state. The Module, its Variables and their payloads are preserved.
//
// After Finalize it only clears the IR container.
func (e *ExecutionEngine) Reset() error {
	e.clearCompiled()
	if e.backend == nil {
		return nil
	}
	e.backend.Finalize()
	backend, err := backends.New(e.backendConfig, e.irf)
	if err != nil {
		e.backend = nil
		return errors.WithMessagef(err, "re-creating backend %q", e.backendConfig)
	}
	e.backend = backend
	return nil
}

func (e *ExecutionEngine) clearCompiled() {
	e.irf.Clear()
	e.lowered = nil
	e.initialized = false
}

// Finalize releases the backend. The engine can't be used afterwards.
func (e *ExecutionEngine) Finalize() {
	if e.backend != nil {
		e.backend.Finalize()
		e.backend = nil
	}
	e.clearCompiled()
}

// optimize runs the graph optimizer, tagging errors with stage.
func (e *ExecutionEngine) optimize(stage Stage, fn *graph.Function, mode graph.CompilationMode) error {
	if _, err := graphopt.Optimize(fn, mode); err != nil {
		return newError(stage, fn.Name(), err)
	}
	return nil
}

// GenerateIR resets the engine and compiles fn down to optimized IR in the engine's IR container.
// fn itself is not changed: compilation works on a copy.
//
// On failure the IR container is left empty and the error is an *Error with the stage that failed.
func (e *ExecutionEngine) GenerateIR(mode graph.CompilationMode, fn *graph.Function) (err error) {
	if err = e.Reset(); err != nil {
		return err
	}
	if e.backend == nil {
		return newError(StageVerify, fn.Name(), errors.New("engine has no backend, was it finalized?"))
	}
	defer func() {
		if err != nil {
			_ = e.Reset()
		}
	}()
	start := time.Now()
	name := fn.Name()
	if err = fn.Verify(); err != nil {
		return newError(StageVerify, name, err)
	}
	lowered := fn.Clone()
	if err = e.optimize(StageOptimize, lowered, mode); err != nil {
		return err
	}

	changed, err := e.backend.PreLowerTransform(lowered, mode)
	if err != nil {
		return newError(StagePreLower, name, err)
	}
	if changed {
		if err = e.optimize(StagePreLower, lowered, mode); err != nil {
			return err
		}
	}

	if err = lowering.Lower(lowered, mode, e.backend); err != nil {
		return newError(StageLower, name, err)
	}
	if err = e.optimize(StageLower, lowered, mode); err != nil {
		return err
	}

	changed, err = e.backend.PostLowerTransform(lowered, mode)
	if err != nil {
		return newError(StagePostLower, name, err)
	}
	if changed {
		if err = e.optimize(StagePostLower, lowered, mode); err != nil {
			return err
		}
	}
	if err = lowered.Verify(); err != nil {
		return newError(StagePostLower, name, err)
	}

	if err = ir.Generate(e.irf, lowered, mode); err != nil {
		return newError(StageIRGen, name, err)
	}
	if _, err = iropt.Optimize(e.irf, mode, e.backend); err != nil {
		return newError(StageIROptimize, name, err)
	}
	e.lowered = lowered
	klog.V(1).Infof("engine: generated IR for %q (mode=%s, backend=%s) in %s: %d nodes, %d instructions",
		name, mode, e.backend.Name(), time.Since(start), lowered.NumNodes(), len(e.irf.Instructions))
	if klog.V(2).Enabled() {
		klog.Infof("engine: lowered %s", lowered)
		klog.Infof("engine: %s", e.irf)
	}
	return nil
}

// Compile generates the IR of fn and initializes the backend to run it.
func (e *ExecutionEngine) Compile(mode graph.CompilationMode, fn *graph.Function) error {
	if err := e.GenerateIR(mode, fn); err != nil {
		return err
	}
	if err := e.backend.Init(); err != nil {
		_ = e.Reset()
		return newError(StageInit, fn.Name(), err)
	}
	e.initialized = true
	return nil
}

// Save generates the IR of fn and saves it as a bundle in outputDir.
// The engine is not initialized for Run afterwards.
func (e *ExecutionEngine) Save(mode graph.CompilationMode, fn *graph.Function, outputDir string) error {
	if err := e.GenerateIR(mode, fn); err != nil {
		return err
	}
	if err := e.backend.Save(outputDir); err != nil {
		return newError(StageSave, outputDir, err)
	}
	return nil
}

func (e *ExecutionEngine) checkCompiled() error {
	if !e.initialized || e.backend == nil {
		return newError(StageRun, e.irf.Name, errors.New("no function compiled, call Compile first"))
	}
	return nil
}

// Run sets each variable vars[i] to inputs[i], with exactly the same shape, and executes one forward pass
// of the compiled function.
func (e *ExecutionEngine) Run(vars []*graph.Variable, inputs []*tensors.Tensor) error {
	if err := e.checkCompiled(); err != nil {
		return err
	}
	if len(vars) != len(inputs) {
		return newError(StageRun, e.irf.Name, errors.Errorf("%d variables given, but %d inputs", len(vars), len(inputs)))
	}
	if err := checkBindable(vars); err != nil {
		return err
	}
	for ii, v := range vars {
		if err := v.SetValue(inputs[ii]); err != nil {
			return newError(StageRun, v.Name(), err)
		}
	}
	if err := e.backend.DoForwardPass(); err != nil {
		return newError(StageRun, e.irf.Name, err)
	}
	return nil
}

// RunBatch runs iterations forward passes, feeding the variables with consecutive batches of the inputs,
// starting at the engine's cursor. See RunBatchFrom.
func (e *ExecutionEngine) RunBatch(iterations int, vars []*graph.Variable, inputs []*tensors.Tensor) error {
	return e.RunBatchFrom(e.cursor, iterations, vars, inputs)
}

// RunBatchFrom runs iterations forward passes. Before each pass every variable vars[i] (of shape [B, ...])
// receives the B consecutive samples (slices along the leading axis) of inputs[i] (of shape [N, ...])
// starting at the cursor, wrapping around per sample modulo N. The cursor then advances by B modulo N.
//
// Every variable must have the same leading (batch) dimension B and every input the same leading
// (dataset) dimension N.
func (e *ExecutionEngine) RunBatchFrom(cursor *BatchCursor, iterations int, vars []*graph.Variable, inputs []*tensors.Tensor) error {
	if err := e.checkCompiled(); err != nil {
		return err
	}
	if err := checkBindable(vars); err != nil {
		return err
	}
	batchSize, datasetSize, err := batchDimensions(vars, inputs)
	if err != nil {
		return newError(StageRun, e.irf.Name, err)
	}
	for iteration := range iterations {
		for ii, v := range vars {
			if err := v.Payload().CopyConsecutiveSlicesFrom(inputs[ii], cursor.Position()); err != nil {
				return newError(StageRun, v.Name(), err)
			}
		}
		if err := e.backend.DoForwardPass(); err != nil {
			return newError(StageRun, e.irf.Name, errors.WithMessagef(err, "iteration %d", iteration))
		}
		cursor.Advance(batchSize, datasetSize)
	}
	return nil
}

// checkBindable returns an error if any of vars is Private: only Public variables are bound to inputs.
func checkBindable(vars []*graph.Variable) error {
	for _, v := range vars {
		if !v.IsPublic() {
			return newError(StageRun, v.Name(), errors.Errorf("variable %q is Private and cannot be bound to an input", v.Name()))
		}
	}
	return nil
}

func batchDimensions(vars []*graph.Variable, inputs []*tensors.Tensor) (batchSize, datasetSize int, err error) {
	if len(vars) != len(inputs) {
		return 0, 0, errors.Errorf("%d variables given, but %d inputs", len(vars), len(inputs))
	}
	if len(vars) == 0 {
		return 0, 0, errors.New("no inputs given to stream batches from")
	}
	for ii, v := range vars {
		if v.Shape().Rank() == 0 || inputs[ii].Rank() == 0 {
			return 0, 0, errors.Errorf("variable %q and its input must have a leading batch axis, got %s and %s",
				v.Name(), v.Shape(), inputs[ii].Shape())
		}
		b, n := v.Shape().Dim(0), inputs[ii].Shape().Dim(0)
		if ii == 0 {
			batchSize, datasetSize = b, n
			continue
		}
		if b != batchSize {
			return 0, 0, errors.Errorf("variable %q has batch size %d, but %q has %d", v.Name(), b, vars[0].Name(), batchSize)
		}
		if n != datasetSize {
			return 0, 0, errors.Errorf("input #%d has %d samples, but input #0 has %d", ii, n, datasetSize)
		}
	}
	return
}
