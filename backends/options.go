// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/nnc/pkg/bundle"
)

// Options common to the backends, parsed from the configuration string.
type Options struct {
	// Parallelism is the number of workers used to execute kernels: 0 executes sequentially, and -1 uses
	// the number of cores. Configured with "parallelism=<n>".
	Parallelism int

	// ShareBuffers enables in-place execution of elementwise instructions. Configured with "share_buffers=<bool>".
	ShareBuffers bool

	// Alignment in bytes of the memory regions and of the symbols in them. Configured with "alignment=<bytes>".
	Alignment uint64
}

// DefaultOptions used by backends, before parsing the configuration.
func DefaultOptions() Options {
	return Options{
		Parallelism:  -1,
		ShareBuffers: true,
		Alignment:    bundle.DefaultAlignment,
	}
}

// ParseOptions parses the comma-separated "<key>=<value>" options of backend into defaults.
// Unknown keys are an error.
func ParseOptions(backend, config string, defaults Options) (Options, error) {
	opts := defaults
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return opts, errors.Errorf("invalid option %q for backend %q, options must be formatted as <key>=<value>", part, backend)
		}
		var err error
		switch key {
		case "parallelism":
			opts.Parallelism, err = strconv.Atoi(value)
		case "share_buffers":
			opts.ShareBuffers, err = strconv.ParseBool(value)
		case "alignment":
			opts.Alignment, err = strconv.ParseUint(value, 10, 64)
			if err == nil && (opts.Alignment == 0 || opts.Alignment&(opts.Alignment-1) != 0) {
				err = errors.Errorf("alignment must be a power of 2")
			}
		default:
			return opts, errors.Errorf("unknown configuration option %q for backend %q", key, backend)
		}
		if err != nil {
			return opts, errors.Wrapf(err, "invalid value %q for option %q of backend %q", value, key, backend)
		}
	}
	return opts, nil
}
