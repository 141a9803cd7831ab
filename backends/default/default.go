// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends, namely the interpreter and the native cpu backend.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/nnc/backends/default"
//
// It sets backends.DefaultConfig to the interpreter, if not set yet.
// If you add the tag `nocpu` it will not include the cpu backend.
package _default

import (
	"github.com/gomlx/nnc/backends"
	"github.com/gomlx/nnc/backends/interpreter"
)

func init() {
	if backends.DefaultConfig == "" {
		backends.DefaultConfig = interpreter.BackendName
	}
}
