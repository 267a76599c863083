// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import "fmt"

// ValidationError means an input table was malformed or empty. The run
// aborts before any result table is produced.
type ValidationError struct {
	Stage  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid input: %s", e.Stage, e.Detail)
}

// DegenerateDesignError means the sample-to-group assignment cannot
// support a two-group contrast (single group, <2 replicates per group,
// or a rank-deficient design matrix).
type DegenerateDesignError struct {
	Detail string
}

func (e *DegenerateDesignError) Error() string {
	return "degenerate design: " + e.Detail
}

type warningKind string

const (
	// ConvergenceWarning: an iterative fit hit its iteration cap; the
	// last iterate's parameters were used.
	ConvergenceWarning = warningKind("convergence")
	// NumericalWarning: a zero or negative variance was floored rather
	// than propagated as NaN.
	NumericalWarning = warningKind("numerical")
)

// Warning is a non-fatal condition collected during a run and returned
// alongside results.
type Warning struct {
	Kind   warningKind
	Stage  string
	Bin    int // -1 when not bin-specific
	Detail string
}

func (w Warning) String() string {
	if w.Bin >= 0 {
		return fmt.Sprintf("%s warning in %s (bin %d): %s", w.Kind, w.Stage, w.Bin, w.Detail)
	}
	return fmt.Sprintf("%s warning in %s: %s", w.Kind, w.Stage, w.Detail)
}
