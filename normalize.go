// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// SizeFactors computes one median-of-ratios scale factor per sample,
// using only the reference (nonessential gene) rows. The row reference
// value is the geometric mean of the row's counts; reference rows
// containing a zero contribute no ratios but are still normalized by
// the resulting sample factors like every other row.
func SizeFactors(cm *CountMatrix, refRows []int) ([]float64, error) {
	if len(refRows) == 0 {
		return nil, &ValidationError{Stage: "normalize", Detail: "empty reference set"}
	}
	geomean := make([]float64, len(refRows))
	for k, i := range refRows {
		var logsum float64
		for _, v := range cm.Counts[i] {
			logsum += math.Log(v)
		}
		// exp(mean log) is 0 when the row contains a zero count;
		// such rows are skipped below.
		geomean[k] = math.Exp(logsum / float64(len(cm.Counts[i])))
	}
	factors := make([]float64, len(cm.Samples))
	ratios := make([]float64, 0, len(refRows))
	for j := range cm.Samples {
		ratios = ratios[:0]
		for k, i := range refRows {
			if geomean[k] == 0 {
				continue
			}
			ratios = append(ratios, cm.Counts[i][j]/geomean[k])
		}
		if len(ratios) == 0 {
			return nil, &ValidationError{Stage: "normalize", Detail: fmt.Sprintf("sample %s: no usable reference rows", cm.Samples[j])}
		}
		f, err := stats.Median(ratios)
		if err != nil {
			return nil, fmt.Errorf("normalize: median for sample %s: %w", cm.Samples[j], err)
		}
		if !(f > 0) || math.IsInf(f, 0) {
			return nil, &ValidationError{Stage: "normalize", Detail: fmt.Sprintf("sample %s: non-positive size factor %v", cm.Samples[j], f)}
		}
		factors[j] = f
	}
	return factors, nil
}

// Normalize returns a new CountMatrix with each sample column divided
// by its size factor. The input matrix is not modified.
func Normalize(cm *CountMatrix, factors []float64) *CountMatrix {
	out := &CountMatrix{
		Samples:     cm.Samples,
		Guides:      cm.Guides,
		Counts:      make([][]float64, len(cm.Counts)),
		Fingerprint: cm.Fingerprint,
	}
	for i, row := range cm.Counts {
		nrow := make([]float64, len(row))
		for j, v := range row {
			nrow[j] = v / factors[j]
		}
		out.Counts[i] = nrow
	}
	return out
}
