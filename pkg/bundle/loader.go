// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/gob"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Bundle is a saved bundle loaded in memory.
type Bundle struct {
	Dir     string
	Config  *Config
	Program *Program

	// Weights are the contents of the constant-weights region.
	Weights []byte
}

// Load reads the bundle name from dir. The program file is checked first: a bundle without it was not
// completely saved.
func Load(dir, name string) (*Bundle, error) {
	configPath, weightsPath, programPath := Paths(dir, name)
	if _, err := os.Stat(programPath); err != nil {
		return nil, errors.Wrapf(err, "bundle %q: program file %s not found, bundle is missing or incomplete", name, programPath)
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	program, err := LoadProgram(programPath)
	if err != nil {
		return nil, err
	}
	if program.ConstantWeightsSize != cfg.ConstantWeightsSize || program.MutableWeightsSize != cfg.MutableWeightsSize ||
		program.ActivationsSize != cfg.ActivationsSize {
		return nil, errors.Errorf("bundle %q: region sizes of program %s don't match config %s", name, programPath, configPath)
	}
	weights, err := LoadWeights(weightsPath, cfg)
	if err != nil {
		return nil, err
	}
	return &Bundle{Dir: dir, Config: cfg, Program: program, Weights: weights}, nil
}

// LoadConfig reads and validates a bundle config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bundle config %s", path)
	}
	defer func() { _ = f.Close() }()
	cfg := &Config{}
	if err = json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode bundle config %s", path)
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "bundle config %s", path)
	}
	return cfg, nil
}

// LoadProgram reads a gob-encoded program file.
func LoadProgram(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bundle program %s", path)
	}
	defer func() { _ = f.Close() }()
	program := &Program{}
	if err = gob.NewDecoder(f).Decode(program); err != nil {
		return nil, errors.Wrapf(err, "failed to decode bundle program %s", path)
	}
	return program, nil
}

// LoadWeights reads the weights file verbatim. Its length must be exactly cfg.ConstantWeightsSize: any other
// size is an error, reported before anything is read into memory.
func LoadWeights(path string, cfg *Config) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open weights file %s", path)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat weights file %s", path)
	}
	if uint64(info.Size()) != cfg.ConstantWeightsSize {
		return nil, errors.Errorf("weights file %s has %d bytes, but bundle %q requires exactly %d bytes",
			path, info.Size(), cfg.Name, cfg.ConstantWeightsSize)
	}
	weights := AllocRegion(cfg.ConstantWeightsSize, cfg.Alignment)
	if _, err = io.ReadFull(f, weights); err != nil {
		return nil, errors.Wrapf(err, "failed to read weights file %s", path)
	}
	return weights, nil
}
