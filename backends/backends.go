// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a code-generation target implements to compile and execute
// the IR of a function, and the registry of the available backends.
//
// A backend reports which node kinds and dtypes it supports natively, so the lowering pass knows what to
// rewrite. It can transform the graph before and after lowering, it lays out the memory of the IR it was
// constructed with, executes forward passes over the Variables' payloads, and saves the compiled function
// as a standalone bundle.
//
// To get the default backends registered, import:
//
//	import _ "github.com/gomlx/nnc/backends/default"
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/ir"
)

// Backend is the API implemented by a code-generation target.
//
// A Backend is constructed for one ir.Function: the IR container owned by the execution engine. The IR is
// filled by the engine before Init or Save is called, and it may be regenerated (after a Reset) and the
// backend initialized again.
type Backend interface {
	// Name returns the short name of the backend, the one used in the configuration string.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// IsOpSupported returns whether nodes of the kind and dtype are executed natively by the backend,
	// without lowering.
	IsOpSupported(kind graph.NodeKind, dtype dtypes.DType) bool

	// Capabilities returns the node kinds and dtypes supported by the backend.
	Capabilities() Capabilities

	// ShouldShareBuffers returns whether the IR optimizer may make instructions write their output over one
	// of their inputs.
	ShouldShareBuffers() bool

	// PreLowerTransform is called on the optimized graph before lowering. It returns whether it changed it.
	PreLowerTransform(fn *graph.Function, mode graph.CompilationMode) (changed bool, err error)

	// PostLowerTransform is called on the lowered and optimized graph. It returns whether it changed it.
	PostLowerTransform(fn *graph.Function, mode graph.CompilationMode) (changed bool, err error)

	// Init prepares the IR for execution: lays out memory and binds the WeightVars to the Variables.
	// It can be called again after the IR is regenerated, and it discards any previous state.
	Init() error

	// DoForwardPass executes the function once, reading and writing the Variables' payloads.
	DoForwardPass() error

	// Save writes the compiled function as a bundle in outputDir.
	Save(outputDir string) error

	// Layout returns the memory layout of the last Init or Save, or nil.
	Layout() *ir.Layout

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a configuration string (the options after the backend name, possibly empty) and the
// IR container the backend will compile, and returns a Backend.
type Constructor func(config string, f *ir.Function) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as input the configuration string
// that follows the backend name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the backend configuration used if none is given and NNC_BACKEND is not set.
var DefaultConfig string

// NNC_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of the configuration is "<backend_name>[:<key>=<value>,...]". E.g.: "cpu:alignment=128".
const NNC_BACKEND = "NNC_BACKEND"

// ResolveConfig returns the configuration to use: config if not empty, else the NNC_BACKEND
// environment variable if set, else DefaultConfig.
func ResolveConfig(config string) string {
	if config != "" {
		return config
	}
	if envConfig, found := os.LookupEnv(NNC_BACKEND); found && envConfig != "" {
		return envConfig
	}
	return DefaultConfig
}

// SplitConfig splits a configuration into the backend name and its options.
// An empty name selects the first registered backend.
func SplitConfig(config string) (name, options string) {
	name, options, _ = strings.Cut(config, ":")
	if name == "" {
		name = firstRegistered
	}
	return
}

// New returns a new Backend for the IR container f.
//
// The configuration (see ResolveConfig) is formatted as "<backend_name>[:<options>]", where
// "<backend_name>" is the name of a registered backend and "<options>" is backend specific.
// See ParseOptions for the common options.
func New(config string, f *ir.Function) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import the default ones with import _ "github.com/gomlx/nnc/backends/default"?`)
	}
	config = ResolveConfig(config)
	name, options := SplitConfig(config)
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q, registered backends: %v", name, config, List())
	}
	backend, err := constructor(options, f)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend %q", name)
	}
	return backend, nil
}
