// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

// Params bundles the per-stage knobs for a full pipeline run.
type Params struct {
	Null    NullParams
	Mixture MixtureParams
	PermP   PermPParams
	RRA     RRAParams
}

func DefaultParams() Params {
	return Params{
		Null:    DefaultNullParams(),
		Mixture: DefaultMixtureParams(),
		PermP:   DefaultPermPParams(),
		RRA:     DefaultRRAParams(),
	}
}

// GuideStats is the per-guide output record, one per input row, in
// input row order.
type GuideStats struct {
	Guide      Guide
	LFC        float64
	StdErr     float64
	T          float64
	PContrast  float64 // moderated-t p-value from the contrast fit
	PDown      float64
	PUnchanged float64
	PUp        float64
	ShrunkLFC  float64
	P          float64 // permutation p-value
}

// Result is the complete pipeline output: a per-guide table, a
// per-gene table, and the non-fatal warnings collected along the way.
type Result struct {
	Guides   []GuideStats
	Genes    []GeneSummary
	Theta0   float64
	Factors  []float64
	Warnings []Warning
}

// Run executes the whole pipeline: reference normalization, moderated
// contrasts, permutation null, expression-binned mixture, permutation
// p-values, and gene-level aggregation. Every stage derives a new
// table from its input; nothing is mutated in place. All randomness
// comes from rng, so a caller that seeds it gets reproducible results.
func Run(cm *CountMatrix, nonessential map[string]bool, d Design, params Params, rng *rand.Rand) (*Result, error) {
	if err := cm.Validate(); err != nil {
		return nil, err
	}
	if err := d.check(len(cm.Samples)); err != nil {
		return nil, err
	}
	result := &Result{}

	refRows := cm.ReferenceRows(nonessential)
	log.Infof("normalizing on %d reference rows", len(refRows))
	factors, err := SizeFactors(cm, refRows)
	if err != nil {
		return nil, err
	}
	result.Factors = factors
	logCounts := Normalize(cm, factors).Log2()

	log.Infof("fitting contrasts: %s vs %s, %d guides", d.Names[0], d.Names[1], len(logCounts))
	contrasts, warns, err := FitContrasts(logCounts, d)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, warns...)

	log.Infof("simulating null, %d permutations", params.Null.Permutations)
	null, err := SimulateNull(logCounts, d, params.Null, rng)
	if err != nil {
		return nil, err
	}
	result.Theta0 = null.Theta0()
	log.Infof("pooled %d null lfcs, theta0 %.4f", len(null.LFCs), result.Theta0)

	log.Info("fitting expression-binned mixture")
	mixture, warns, err := FitMixture(contrasts.LFC, cm.Guides, result.Theta0, params.Mixture)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, warns...)

	log.Infof("computing permutation p-values, %d permutations", params.PermP.Permutations)
	pvals, warns, err := PermutationPValues(logCounts, d, cm.Guides, mixture, result.Theta0, params.Mixture, params.PermP, rng)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, warns...)

	log.Infof("aggregating genes, alpha %.3f", params.RRA.Alpha)
	genes, err := AggregateGenes(cm.Guides, pvals, mixture.ShrunkLFC, params.RRA, rng)
	if err != nil {
		return nil, err
	}
	result.Genes = genes

	result.Guides = make([]GuideStats, len(cm.Guides))
	for i, g := range cm.Guides {
		result.Guides[i] = GuideStats{
			Guide:      g,
			LFC:        contrasts.LFC[i],
			StdErr:     contrasts.StdErr[i],
			T:          contrasts.T[i],
			PContrast:  contrasts.P[i],
			PDown:      mixture.PDown[i],
			PUnchanged: mixture.PUnchanged[i],
			PUp:        mixture.PUp[i],
			ShrunkLFC:  mixture.ShrunkLFC[i],
			P:          pvals[i],
		}
	}
	for _, w := range result.Warnings {
		log.Warn(w.String())
	}
	return result, nil
}
