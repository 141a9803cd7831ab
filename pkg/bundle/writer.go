// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	ConfigSuffix  = ".json"
	WeightsSuffix = ".weights"
	ProgramSuffix = ".program"
)

// Paths returns the paths of the config, weights and program files of the bundle name in dir.
func Paths(dir, name string) (configPath, weightsPath, programPath string) {
	base := filepath.Join(dir, name)
	return base + ConfigSuffix, base + WeightsSuffix, base + ProgramSuffix
}

// Save writes the bundle files for cfg.Name into dir, creating it if needed.
//
// Files are first written to temporary files in dir and then renamed into place, with the program file, whose
// presence makes the bundle loadable, renamed last. A previous program file of the same name is removed
// before any rename, so a failure never leaves a loadable bundle mixing old and new files.
// Temporary files are removed on failure.
func Save(dir string, cfg *Config, program *Program, constantWeights []byte) (err error) {
	start := time.Now()
	if err = cfg.Validate(); err != nil {
		return err
	}
	if uint64(len(constantWeights)) != cfg.ConstantWeightsSize {
		return errors.Errorf("bundle %q: constant weights have %d bytes, but config declares %d",
			cfg.Name, len(constantWeights), cfg.ConstantWeightsSize)
	}
	if program.ConstantWeightsSize != cfg.ConstantWeightsSize || program.MutableWeightsSize != cfg.MutableWeightsSize ||
		program.ActivationsSize != cfg.ActivationsSize {
		return errors.Errorf("bundle %q: program region sizes don't match the config", cfg.Name)
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "bundle %q: failed to create output directory %s", cfg.Name, dir)
	}

	var configData bytes.Buffer
	enc := json.NewEncoder(&configData)
	enc.SetIndent("", "\t")
	if err = enc.Encode(cfg); err != nil {
		return errors.Wrapf(err, "bundle %q: failed to encode config", cfg.Name)
	}
	var programData bytes.Buffer
	if err = gob.NewEncoder(&programData).Encode(program); err != nil {
		return errors.Wrapf(err, "bundle %q: failed to encode program", cfg.Name)
	}

	configPath, weightsPath, programPath := Paths(dir, cfg.Name)
	var tempPaths []string
	defer func() {
		if err == nil {
			return
		}
		for _, tempPath := range tempPaths {
			if removeErr := os.Remove(tempPath); removeErr != nil && !os.IsNotExist(removeErr) {
				klog.Warningf("bundle %q: failed to remove temporary file %s: %v", cfg.Name, tempPath, removeErr)
			}
		}
	}()
	writeTemp := func(finalPath string, data []byte) (string, error) {
		f, err := os.CreateTemp(dir, "."+filepath.Base(finalPath)+".*.tmp")
		if err != nil {
			return "", errors.Wrapf(err, "failed to create temporary file for %s", finalPath)
		}
		tempPaths = append(tempPaths, f.Name())
		if _, err = f.Write(data); err != nil {
			_ = f.Close()
			return "", errors.Wrapf(err, "failed to write %s", f.Name())
		}
		if err = f.Close(); err != nil {
			return "", errors.Wrapf(err, "failed to close %s", f.Name())
		}
		return f.Name(), nil
	}

	files := []struct {
		path string
		data []byte
	}{
		{configPath, configData.Bytes()},
		{weightsPath, constantWeights},
		{programPath, programData.Bytes()},
	}
	temps := make([]string, len(files))
	for ii, file := range files {
		if temps[ii], err = writeTemp(file.path, file.data); err != nil {
			return errors.WithMessagef(err, "bundle %q", cfg.Name)
		}
	}
	if err = os.Remove(programPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "bundle %q: failed to remove previous program %s", cfg.Name, programPath)
	}
	err = nil
	for ii, file := range files {
		if err = os.Rename(temps[ii], file.path); err != nil {
			return errors.Wrapf(err, "bundle %q: failed to rename %s to %s", cfg.Name, temps[ii], file.path)
		}
	}
	klog.V(1).Infof("bundle %q saved to %s in %s: constant=%s, mutable=%s, activations=%s, %d steps",
		cfg.Name, dir, time.Since(start), humanize.IBytes(cfg.ConstantWeightsSize),
		humanize.IBytes(cfg.MutableWeightsSize), humanize.IBytes(cfg.ActivationsSize), len(program.Steps))
	return nil
}
