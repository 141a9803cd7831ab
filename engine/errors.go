// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stage of the execution engine where an error happened.
type Stage string

const (
	StageVerify     Stage = "verify"
	StageOptimize   Stage = "optimize"
	StagePreLower   Stage = "pre-lower"
	StageLower      Stage = "lower"
	StagePostLower  Stage = "post-lower"
	StageIRGen      Stage = "ir-gen"
	StageIROptimize Stage = "ir-optimize"
	StageInit       Stage = "init"
	StageSave       Stage = "save"
	StageRun        Stage = "run"
)

// Error returned by the ExecutionEngine: it tags the underlying error with the stage that failed and the
// entity concerned (a function, a variable or a path).
type Error struct {
	Stage  Stage
	Entity string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Stage, e.Entity, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Cause returns the underlying error, for github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.Err }

// StageOf returns the stage of the first *Error in the chain of err, or "" if there is none.
func StageOf(err error) Stage {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Stage
	}
	return ""
}

func newError(stage Stage, entity string, err error) *Error {
	return &Error{Stage: stage, Entity: entity, Err: err}
}
